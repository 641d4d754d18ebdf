package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const activeGenerationKey = "active_generation"

// CreateCacheGeneration registers tag. Creating an existing tag is a no-op.
func (s *Store) CreateCacheGeneration(tag string) error {
	_, err := s.db.Exec(`INSERT INTO cache_generations (tag, created_at) VALUES (?, ?) ON CONFLICT(tag) DO NOTHING`,
		tag, formatTime(time.Now()))
	return err
}

// PutCacheEntry stores e, replacing any entry with the same key in the same
// generation. It returns ErrNotFound when the generation does not exist,
// so a write racing an activation cannot resurrect a purged generation.
func (s *Store) PutCacheEntry(e CacheEntry) error {
	header := e.Header
	if header == nil {
		header = http.Header{}
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshaling cached headers: %w", err)
	}
	storedAt := e.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning cache put: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM cache_generations WHERE tag = ?`, e.Generation).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return ErrNotFound
	}
	if _, err := tx.Exec(`
		INSERT INTO cache_entries (generation, request_key, status, header_json, body, stored_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(generation, request_key) DO UPDATE SET
			status = excluded.status, header_json = excluded.header_json,
			body = excluded.body, stored_at = excluded.stored_at`,
		e.Generation, e.Key, e.Status, string(headerJSON), e.Body, formatTime(storedAt),
	); err != nil {
		return err
	}
	return tx.Commit()
}

// GetCacheEntry returns the entry for key in generation, or ErrNotFound.
func (s *Store) GetCacheEntry(generation, key string) (CacheEntry, error) {
	e := CacheEntry{Generation: generation, Key: key}
	var headerJSON, storedAt string
	err := s.db.QueryRow(`
		SELECT status, header_json, body, stored_at FROM cache_entries
		WHERE generation = ? AND request_key = ?`, generation, key,
	).Scan(&e.Status, &headerJSON, &e.Body, &storedAt)
	if err == sql.ErrNoRows {
		return CacheEntry{}, ErrNotFound
	}
	if err != nil {
		return CacheEntry{}, err
	}
	if err := json.Unmarshal([]byte(headerJSON), &e.Header); err != nil {
		return CacheEntry{}, fmt.Errorf("parsing cached headers for %q: %w", key, err)
	}
	if e.StoredAt, err = parseTime(storedAt); err != nil {
		return CacheEntry{}, fmt.Errorf("parsing stored_at for %q: %w", key, err)
	}
	return e, nil
}

// ListCacheGenerations returns every known generation tag, oldest first.
func (s *Store) ListCacheGenerations() ([]string, error) {
	rows, err := s.db.Query(`SELECT tag FROM cache_generations ORDER BY created_at ASC, tag ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, err
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

// CountCacheEntries returns the number of entries stored under generation.
func (s *Store) CountCacheEntries(generation string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM cache_entries WHERE generation = ?`, generation).Scan(&n)
	return n, err
}

// DeleteCacheGeneration removes tag and all of its entries.
func (s *Store) DeleteCacheGeneration(tag string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM cache_entries WHERE generation = ?`, tag); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM cache_generations WHERE tag = ?`, tag); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM cache_meta WHERE key = ? AND value = ?`, activeGenerationKey, tag); err != nil {
		return err
	}
	return tx.Commit()
}

// ActivateCacheGeneration makes tag the active generation and purges every
// other generation in the same transaction, so no reader can observe a
// mix of the two. It returns the purged tags, or ErrNotFound when tag was
// never created or has been discarded.
func (s *Store) ActivateCacheGeneration(tag string) ([]string, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning activation: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM cache_generations WHERE tag = ?`, tag).Scan(&exists); err != nil {
		return nil, err
	}
	if exists == 0 {
		return nil, ErrNotFound
	}

	rows, err := tx.Query(`SELECT tag FROM cache_generations WHERE tag != ? ORDER BY tag`, tag)
	if err != nil {
		return nil, err
	}
	var purged []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			rows.Close()
			return nil, err
		}
		purged = append(purged, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(`DELETE FROM cache_entries WHERE generation != ?`, tag); err != nil {
		return nil, fmt.Errorf("purging entries: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM cache_generations WHERE tag != ?`, tag); err != nil {
		return nil, fmt.Errorf("purging generations: %w", err)
	}
	if _, err := tx.Exec(`
		INSERT INTO cache_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, activeGenerationKey, tag); err != nil {
		return nil, fmt.Errorf("recording active generation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing activation: %w", err)
	}
	return purged, nil
}

// ActiveCacheGeneration returns the active tag, or "" when nothing has been activated.
func (s *Store) ActiveCacheGeneration() (string, error) {
	var tag string
	err := s.db.QueryRow(`SELECT value FROM cache_meta WHERE key = ?`, activeGenerationKey).Scan(&tag)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return tag, err
}
