package db

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/pysugar/finlink/internal/auth/token"
	"github.com/pysugar/finlink/internal/db/models"
)

// CredentialStore keeps one token record per provider in the credentials table.
type CredentialStore struct {
	db *gorm.DB
}

var _ token.Store = (*CredentialStore)(nil)

func NewCredentialStore(db *gorm.DB) *CredentialStore {
	return &CredentialStore{db: db}
}

func (s *CredentialStore) Load(ctx context.Context, provider string) (token.Record, bool, error) {
	var cred models.Credential
	err := s.db.WithContext(ctx).Where("provider = ?", provider).First(&cred).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return token.Record{}, false, nil
	}
	if err != nil {
		return token.Record{}, false, err
	}
	return token.Record{
		Access:    cred.AccessToken,
		Refresh:   cred.RefreshToken,
		Expires:   cred.ExpiresAt,
		SubjectID: cred.SubjectID,
	}, true, nil
}

// Save upserts the record for provider.
func (s *CredentialStore) Save(ctx context.Context, provider string, rec token.Record) error {
	cred := models.Credential{
		Provider:     provider,
		AccessToken:  rec.Access,
		RefreshToken: rec.Refresh,
		ExpiresAt:    rec.Expires,
		SubjectID:    rec.SubjectID,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider"}},
		DoUpdates: clause.AssignmentColumns([]string{"access_token", "refresh_token", "expires_at", "subject_id", "updated_at"}),
	}).Create(&cred).Error
}

func (s *CredentialStore) Delete(ctx context.Context, provider string) error {
	return s.db.WithContext(ctx).Where("provider = ?", provider).Delete(&models.Credential{}).Error
}

// List returns stored credentials ordered by provider. Token values are
// present on the structs but never serialized.
func (s *CredentialStore) List(ctx context.Context) ([]models.Credential, error) {
	var creds []models.Credential
	err := s.db.WithContext(ctx).Order("provider").Find(&creds).Error
	return creds, err
}
