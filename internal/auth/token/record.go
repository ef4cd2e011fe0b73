package token

import (
	"context"
	"time"
)

// Record is the opaque credential triple handed to and from the host's
// credential store. It is replaced, never mutated, by the Manager.
type Record struct {
	Access  string    `json:"access"`
	Refresh string    `json:"refresh,omitempty"`
	Expires time.Time `json:"expires"`
	// SubjectID is the id_token subject, when the provider issued one.
	SubjectID string `json:"subject_id,omitempty"`
}

// IsZero reports whether r carries no access token.
func (r Record) IsZero() bool { return r.Access == "" }

// Refresher exchanges a refresh token for a new Record.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (Record, error)
}

// RefresherFunc adapts a function to Refresher.
type RefresherFunc func(ctx context.Context, refreshToken string) (Record, error)

func (f RefresherFunc) Refresh(ctx context.Context, refreshToken string) (Record, error) {
	return f(ctx, refreshToken)
}

// Store persists records per provider. The Manager never interprets what a
// Store does with them.
type Store interface {
	Load(ctx context.Context, provider string) (Record, bool, error)
	Save(ctx context.Context, provider string, rec Record) error
	Delete(ctx context.Context, provider string) error
}
