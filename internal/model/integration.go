package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Integration is one organization's connection to a remote device registry.
// Credential is ciphertext; it is only decrypted immediately before an
// adapter is built.
type Integration struct {
	ID             string            `gorm:"primaryKey;size:36" json:"id"`
	OrganizationID string            `gorm:"size:36;index;not null" json:"organization_id"`
	Kind           string            `gorm:"size:32;not null" json:"kind"`
	Name           string            `gorm:"size:256;not null" json:"name"`
	Credential     string            `gorm:"type:text" json:"-"`
	BaseURL        string            `gorm:"size:512" json:"base_url"`
	Settings       map[string]string `gorm:"serializer:json;type:text" json:"settings"`
	Enabled        bool              `gorm:"not null" json:"enabled"`

	// Run lease, held by at most one sync run at a time.
	SyncLeaseHolder string     `gorm:"size:64" json:"-"`
	SyncLeaseUntil  *time.Time `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (i *Integration) BeforeCreate(*gorm.DB) error {
	if i.ID == "" {
		i.ID = uuid.NewString()
	}
	return nil
}

// Setting returns a non-secret integration setting or fallback when unset.
func (i *Integration) Setting(key, fallback string) string {
	if v, ok := i.Settings[key]; ok && v != "" {
		return v
	}
	return fallback
}
