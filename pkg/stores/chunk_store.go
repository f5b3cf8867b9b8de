package stores

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vmforge/vmforge/pkg/resources"
)

// PutChunk stores an upload chunk. An existing chunk with the same key is replaced.
func (s *SQLiteStore) PutChunk(ctx context.Context, chunk *resources.DataChunk) error {
	if chunk.Key == "" {
		return fmt.Errorf("chunk key is required")
	}
	if chunk.ExpiresAt.IsZero() {
		return fmt.Errorf("chunk expiry is required")
	}

	query := `
		INSERT INTO data_chunks (cache_key, chunk_offset, data, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET
			chunk_offset = excluded.chunk_offset,
			data = excluded.data,
			expires_at = excluded.expires_at
	`
	_, err := s.db.ExecContext(ctx, query, chunk.Key, chunk.Offset, chunk.Data, chunk.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to put chunk: %w", err)
	}
	return nil
}

// FetchChunk returns the chunk stored under key. Expired chunks are reported as not found.
func (s *SQLiteStore) FetchChunk(ctx context.Context, key string) (*resources.DataChunk, error) {
	query := `SELECT cache_key, chunk_offset, data, expires_at FROM data_chunks WHERE cache_key = ?`

	chunk := &resources.DataChunk{}
	err := s.db.QueryRowContext(ctx, query, key).Scan(&chunk.Key, &chunk.Offset, &chunk.Data, &chunk.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("chunk not found: %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch chunk: %w", err)
	}
	if time.Now().After(chunk.ExpiresAt) {
		return nil, fmt.Errorf("chunk expired: %s: %w", key, ErrNotFound)
	}

	return chunk, nil
}

// DeleteChunk removes a chunk. Deleting a missing chunk is not an error.
func (s *SQLiteStore) DeleteChunk(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM data_chunks WHERE cache_key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete chunk: %w", err)
	}
	return nil
}

// PurgeExpiredChunks deletes every chunk that expired before now.
func (s *SQLiteStore) PurgeExpiredChunks(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM data_chunks WHERE expires_at <= ?`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired chunks: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows, nil
}
