package models

import "time"

// Credential stores the token record of one provider.
type Credential struct {
	Provider     string    `gorm:"primaryKey" json:"provider"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	ExpiresAt    time.Time `json:"expires_at"`
	SubjectID    string    `json:"subject_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
