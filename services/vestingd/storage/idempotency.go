package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	kv "tokenvest/storage"
)

// IdempotentResponse is a stored response replayed for a repeated
// Idempotency-Key.
type IdempotentResponse struct {
	Key       string    `json:"key"`
	RequestID string    `json:"requestId"`
	Method    string    `json:"method"`
	Path      string    `json:"path"`
	Status    int       `json:"status"`
	Body      []byte    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

// SQLIdempotency keeps idempotent responses in the idempotency_keys table.
type SQLIdempotency struct {
	db *DB
}

// NewSQLIdempotency wraps db.
func NewSQLIdempotency(db *DB) *SQLIdempotency {
	return &SQLIdempotency{db: db}
}

// Lookup returns the stored response for key, or nil when none exists.
func (s *SQLIdempotency) Lookup(ctx context.Context, key string) (*IdempotentResponse, error) {
	var record IdempotencyKey
	err := s.db.conn(ctx).First(&record, "idempotency_key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency: lookup: %w", err)
	}
	return &IdempotentResponse{
		Key:       record.IdempotencyKey,
		RequestID: record.RequestID,
		Method:    record.Method,
		Path:      record.Path,
		Status:    record.Status,
		Body:      []byte(record.Response),
		CreatedAt: record.CreatedAt,
	}, nil
}

// Save stores resp. The first response saved for a key wins.
func (s *SQLIdempotency) Save(ctx context.Context, resp IdempotentResponse) error {
	record := IdempotencyKey{
		IdempotencyKey: resp.Key,
		RequestID:      resp.RequestID,
		Method:         resp.Method,
		Path:           resp.Path,
		Status:         resp.Status,
		Response:       string(resp.Body),
		CreatedAt:      resp.CreatedAt,
	}
	if err := s.db.conn(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&record).Error; err != nil {
		return fmt.Errorf("idempotency: save: %w", err)
	}
	return nil
}

const idempotencyPrefix = "idempotency/"

// KVIdempotency keeps idempotent responses in a key-value database as JSON.
type KVIdempotency struct {
	db kv.Database
}

// NewKVIdempotency wraps db.
func NewKVIdempotency(db kv.Database) *KVIdempotency {
	return &KVIdempotency{db: db}
}

// Lookup returns the stored response for key, or nil when none exists.
func (s *KVIdempotency) Lookup(_ context.Context, key string) (*IdempotentResponse, error) {
	data, err := s.db.Get([]byte(idempotencyPrefix + strings.TrimSpace(key)))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency: lookup: %w", err)
	}
	var resp IdempotentResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("idempotency: decode: %w", err)
	}
	return &resp, nil
}

// Save stores resp. The first response saved for a key wins.
func (s *KVIdempotency) Save(_ context.Context, resp IdempotentResponse) error {
	recordKey := []byte(idempotencyPrefix + strings.TrimSpace(resp.Key))
	exists, err := s.db.Has(recordKey)
	if err != nil {
		return fmt.Errorf("idempotency: lookup: %w", err)
	}
	if exists {
		return nil
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("idempotency: encode: %w", err)
	}
	return s.db.Put(recordKey, data)
}
