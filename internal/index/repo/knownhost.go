package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/Skydoge-zjm/Runicorn-sub000/internal/index"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// gormKnownHostRepository is the GORM implementation of KnownHostRepository.
type gormKnownHostRepository struct {
	db *gorm.DB
}

// NewKnownHostRepository returns a KnownHostRepository backed by the provided
// *gorm.DB.
func NewKnownHostRepository(db *gorm.DB) KnownHostRepository {
	return &gormKnownHostRepository{db: db}
}

// Upsert pins or re-pins a host key fingerprint. Called after a user accepts
// an unknown host key (the 409 flow in the Remote Sync Engine's external
// interface, see spec.md §6).
func (r *gormKnownHostRepository) Upsert(ctx context.Context, entry *index.KnownHostEntry) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "host"}, {Name: "port"}},
			DoUpdates: clause.AssignmentColumns([]string{"key_type", "key_base64", "fingerprint", "pinned_at", "updated_at"}),
		}).
		Create(entry).Error
	if err != nil {
		return fmt.Errorf("known_hosts: upsert: %w", err)
	}
	return nil
}

// Get retrieves the pinned fingerprint for host:port. Returns ErrNotFound if
// the host has never been trusted.
func (r *gormKnownHostRepository) Get(ctx context.Context, host string, port int) (*index.KnownHostEntry, error) {
	var entry index.KnownHostEntry
	err := r.db.WithContext(ctx).First(&entry, "host = ? AND port = ?", host, port).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("known_hosts: get: %w", err)
	}
	return &entry, nil
}

// Delete revokes trust in a previously pinned host key.
func (r *gormKnownHostRepository) Delete(ctx context.Context, host string, port int) error {
	result := r.db.WithContext(ctx).Where("host = ? AND port = ?", host, port).Delete(&index.KnownHostEntry{})
	if result.Error != nil {
		return fmt.Errorf("known_hosts: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns every pinned host key, used by the known-hosts introspection
// endpoint.
func (r *gormKnownHostRepository) List(ctx context.Context) ([]index.KnownHostEntry, error) {
	var entries []index.KnownHostEntry
	if err := r.db.WithContext(ctx).Order("host ASC").Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("known_hosts: list: %w", err)
	}
	return entries, nil
}
