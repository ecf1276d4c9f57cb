package presence

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store persists presence records.
type Store interface {
	// Upsert writes the record unless the stored one was seen more recently.
	Upsert(ctx context.Context, record Record) error
	Delete(ctx context.Context, userID, documentID string) error
	// DeleteOlderThan removes records last seen before cutoffMs and reports how many.
	DeleteOlderThan(ctx context.Context, cutoffMs int64) (int64, error)
}

// GormStore is the SQL-backed Store.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps an open database handle.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, fmt.Errorf("presence: database connection required")
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) Upsert(ctx context.Context, record Record) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "document_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"page", "last_seen_at_ms"}),
			Where: clause.Where{Exprs: []clause.Expression{
				clause.Expr{SQL: "excluded.last_seen_at_ms >= presence_records.last_seen_at_ms"},
			}},
		}).
		Create(&record).
		Error
}

func (s *GormStore) Delete(ctx context.Context, userID, documentID string) error {
	return s.db.WithContext(ctx).
		Where("user_id = ? AND document_id = ?", userID, documentID).
		Delete(&Record{}).
		Error
}

func (s *GormStore) DeleteOlderThan(ctx context.Context, cutoffMs int64) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("last_seen_at_ms < ?", cutoffMs).
		Delete(&Record{})
	return result.RowsAffected, result.Error
}

// Find loads the record for the key.
func (s *GormStore) Find(ctx context.Context, userID, documentID string) (Record, error) {
	var record Record
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND document_id = ?", userID, documentID).
		Take(&record).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, ErrRecordNotFound
	}
	return record, err
}

// ListDocument returns every record of a document ordered by page.
func (s *GormStore) ListDocument(ctx context.Context, documentID string) ([]Record, error) {
	var records []Record
	err := s.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("page ASC").
		Order("user_id ASC").
		Find(&records).
		Error
	return records, err
}
