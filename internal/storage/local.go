package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/transsflow/fieldsync/internal/apperr"
)

// SaveFormDraft stores data as the draft for formID, replacing any earlier
// draft of the same form.
func (s *Store) SaveFormDraft(formID string, data json.RawMessage) (FormDraft, error) {
	if formID == "" {
		return FormDraft{}, apperr.New(apperr.CodeInvalid, "form id is required")
	}
	if !json.Valid(data) {
		return FormDraft{}, apperr.New(apperr.CodeInvalid, "form data is not valid JSON")
	}
	now := time.Now().UTC()
	_, err := s.db.Exec(`
		INSERT INTO form_drafts (form_id, data_json, saved_at) VALUES (?, ?, ?)
		ON CONFLICT(form_id) DO UPDATE SET data_json = excluded.data_json, saved_at = excluded.saved_at`,
		formID, string(data), formatTime(now))
	if err != nil {
		return FormDraft{}, apperr.Wrap(apperr.CodeStorage, "could not save draft", err)
	}
	return FormDraft{FormID: formID, Data: data, SavedAt: now}, nil
}

func (s *Store) GetFormDraft(formID string) (FormDraft, error) {
	d := FormDraft{FormID: formID}
	var data, savedAt string
	err := s.db.QueryRow(`SELECT data_json, saved_at FROM form_drafts WHERE form_id = ?`, formID).Scan(&data, &savedAt)
	if err == sql.ErrNoRows {
		return FormDraft{}, ErrNotFound
	}
	if err != nil {
		return FormDraft{}, err
	}
	d.Data = json.RawMessage(data)
	if d.SavedAt, err = parseTime(savedAt); err != nil {
		return FormDraft{}, fmt.Errorf("parsing saved_at for draft %q: %w", formID, err)
	}
	return d, nil
}

// ListFormDrafts returns every draft, most recently saved first.
func (s *Store) ListFormDrafts() ([]FormDraft, error) {
	rows, err := s.db.Query(`SELECT form_id, data_json, saved_at FROM form_drafts ORDER BY saved_at DESC, form_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var drafts []FormDraft
	for rows.Next() {
		var d FormDraft
		var data, savedAt string
		if err := rows.Scan(&d.FormID, &data, &savedAt); err != nil {
			return nil, err
		}
		d.Data = json.RawMessage(data)
		if d.SavedAt, err = parseTime(savedAt); err != nil {
			return nil, fmt.Errorf("parsing saved_at for draft %q: %w", d.FormID, err)
		}
		drafts = append(drafts, d)
	}
	return drafts, rows.Err()
}

func (s *Store) DeleteFormDraft(formID string) error {
	res, err := s.db.Exec(`DELETE FROM form_drafts WHERE form_id = ?`, formID)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// SaveMediaFile stores a captured file and returns it with its new id.
func (s *Store) SaveMediaFile(m MediaFile) (MediaFile, error) {
	if m.Name == "" {
		return MediaFile{}, apperr.New(apperr.CodeInvalid, "file name is required")
	}
	if len(m.Metadata) == 0 {
		m.Metadata = json.RawMessage("{}")
	}
	if !json.Valid(m.Metadata) {
		return MediaFile{}, apperr.New(apperr.CodeInvalid, "metadata is not valid JSON")
	}
	if m.ContentType == "" {
		m.ContentType = "application/octet-stream"
	}
	if m.Body == nil {
		m.Body = []byte{}
	}
	m.Size = int64(len(m.Body))
	m.SavedAt = time.Now().UTC()

	res, err := s.db.Exec(`
		INSERT INTO media_files (name, content_type, metadata_json, body, size, saved_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.Name, m.ContentType, string(m.Metadata), m.Body, m.Size, formatTime(m.SavedAt))
	if err != nil {
		return MediaFile{}, apperr.Wrap(apperr.CodeStorage, "could not save file", err)
	}
	if m.ID, err = res.LastInsertId(); err != nil {
		return MediaFile{}, apperr.Wrap(apperr.CodeStorage, "could not save file", err)
	}
	return m, nil
}

// GetMediaFile returns the file including its body.
func (s *Store) GetMediaFile(id int64) (MediaFile, error) {
	m := MediaFile{ID: id}
	var metadata, savedAt string
	err := s.db.QueryRow(`
		SELECT name, content_type, metadata_json, body, size, saved_at FROM media_files WHERE id = ?`, id,
	).Scan(&m.Name, &m.ContentType, &metadata, &m.Body, &m.Size, &savedAt)
	if err == sql.ErrNoRows {
		return MediaFile{}, ErrNotFound
	}
	if err != nil {
		return MediaFile{}, err
	}
	m.Metadata = json.RawMessage(metadata)
	if m.SavedAt, err = parseTime(savedAt); err != nil {
		return MediaFile{}, fmt.Errorf("parsing saved_at for file %d: %w", id, err)
	}
	return m, nil
}

// ListMediaFiles returns every file without its body, oldest first.
func (s *Store) ListMediaFiles() ([]MediaFile, error) {
	rows, err := s.db.Query(`SELECT id, name, content_type, metadata_json, size, saved_at FROM media_files ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []MediaFile
	for rows.Next() {
		var m MediaFile
		var metadata, savedAt string
		if err := rows.Scan(&m.ID, &m.Name, &m.ContentType, &metadata, &m.Size, &savedAt); err != nil {
			return nil, err
		}
		m.Metadata = json.RawMessage(metadata)
		if m.SavedAt, err = parseTime(savedAt); err != nil {
			return nil, fmt.Errorf("parsing saved_at for file %d: %w", m.ID, err)
		}
		files = append(files, m)
	}
	return files, rows.Err()
}

func (s *Store) DeleteMediaFile(id int64) error {
	res, err := s.db.Exec(`DELETE FROM media_files WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// PutSetting stores value under key.
func (s *Store) PutSetting(key string, value json.RawMessage) error {
	if key == "" {
		return apperr.New(apperr.CodeInvalid, "setting key is required")
	}
	if !json.Valid(value) {
		return apperr.New(apperr.CodeInvalid, "setting value is not valid JSON")
	}
	_, err := s.db.Exec(`
		INSERT INTO settings (key, value_json, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value_json = excluded.value_json, updated_at = excluded.updated_at`,
		key, string(value), formatTime(time.Now()))
	if err != nil {
		return apperr.Wrap(apperr.CodeStorage, "could not save setting", err)
	}
	return nil
}

func (s *Store) GetSetting(key string) (Setting, error) {
	st := Setting{Key: key}
	var value, updatedAt string
	err := s.db.QueryRow(`SELECT value_json, updated_at FROM settings WHERE key = ?`, key).Scan(&value, &updatedAt)
	if err == sql.ErrNoRows {
		return Setting{}, ErrNotFound
	}
	if err != nil {
		return Setting{}, err
	}
	st.Value = json.RawMessage(value)
	if st.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Setting{}, fmt.Errorf("parsing updated_at for setting %q: %w", key, err)
	}
	return st, nil
}

// ListSettings returns every setting ordered by key.
func (s *Store) ListSettings() ([]Setting, error) {
	rows, err := s.db.Query(`SELECT key, value_json, updated_at FROM settings ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Setting
	for rows.Next() {
		var st Setting
		var value, updatedAt string
		if err := rows.Scan(&st.Key, &value, &updatedAt); err != nil {
			return nil, err
		}
		st.Value = json.RawMessage(value)
		if st.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at for setting %q: %w", st.Key, err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// LocalDataCounts is what ClearLocalData removed.
type LocalDataCounts struct {
	Actions  int64 `json:"actions"`
	Forms    int64 `json:"forms"`
	Media    int64 `json:"media"`
	Settings int64 `json:"settings"`
}

// ClearLocalData wipes the outbox, drafts, media and settings in one
// transaction. Unsynced writes are lost. The interception cache is kept.
func (s *Store) ClearLocalData() (LocalDataCounts, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return LocalDataCounts{}, err
	}
	defer tx.Rollback()

	var c LocalDataCounts
	for _, t := range []struct {
		table string
		n     *int64
	}{
		{"actions", &c.Actions},
		{"form_drafts", &c.Forms},
		{"media_files", &c.Media},
		{"settings", &c.Settings},
	} {
		res, err := tx.Exec(`DELETE FROM ` + t.table)
		if err != nil {
			return LocalDataCounts{}, fmt.Errorf("clearing %s: %w", t.table, err)
		}
		if *t.n, err = res.RowsAffected(); err != nil {
			return LocalDataCounts{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return LocalDataCounts{}, err
	}
	return c, nil
}
