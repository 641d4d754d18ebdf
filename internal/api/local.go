package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/transsflow/fieldsync/internal/storage"
)

const maxMediaUploadSize = 32 << 20 // 32MB

// LocalStore holds the app's offline drafts, captured media and settings.
type LocalStore interface {
	SaveFormDraft(formID string, data json.RawMessage) (storage.FormDraft, error)
	GetFormDraft(formID string) (storage.FormDraft, error)
	ListFormDrafts() ([]storage.FormDraft, error)
	DeleteFormDraft(formID string) error

	SaveMediaFile(m storage.MediaFile) (storage.MediaFile, error)
	GetMediaFile(id int64) (storage.MediaFile, error)
	ListMediaFiles() ([]storage.MediaFile, error)
	DeleteMediaFile(id int64) error

	PutSetting(key string, value json.RawMessage) error
	GetSetting(key string) (storage.Setting, error)
	ListSettings() ([]storage.Setting, error)

	ClearLocalData() (storage.LocalDataCounts, error)
}

type draftView struct {
	FormID  string          `json:"form_id"`
	Data    json.RawMessage `json:"data"`
	SavedAt string          `json:"saved_at"`
}

type mediaView struct {
	ID          int64           `json:"id"`
	Name        string          `json:"name"`
	ContentType string          `json:"content_type"`
	Metadata    json.RawMessage `json:"metadata"`
	Size        int64           `json:"size"`
	SavedAt     string          `json:"saved_at"`
}

type settingView struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	UpdatedAt string          `json:"updated_at"`
}

func toDraftView(d storage.FormDraft) draftView {
	return draftView{FormID: d.FormID, Data: d.Data, SavedAt: d.SavedAt.Format(time.RFC3339)}
}

func toMediaView(m storage.MediaFile) mediaView {
	return mediaView{
		ID:          m.ID,
		Name:        m.Name,
		ContentType: m.ContentType,
		Metadata:    m.Metadata,
		Size:        m.Size,
		SavedAt:     m.SavedAt.Format(time.RFC3339),
	}
}

func toSettingView(s storage.Setting) settingView {
	return settingView{Key: s.Key, Value: s.Value, UpdatedAt: s.UpdatedAt.Format(time.RFC3339)}
}

// localError answers 404 for missing records and defers to appError otherwise.
func localError(w http.ResponseWriter, what string, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		httpError(w, http.StatusNotFound, "not_found", "%s not found", what)
		return
	}
	appError(w, err)
}

// readJSONBody reads a raw JSON document of at most maxRequestBodySize.
func readJSONBody(w http.ResponseWriter, r *http.Request) (json.RawMessage, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	data, err := io.ReadAll(r.Body)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return nil, false
	}
	if !json.Valid(data) {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "request body must be JSON")
		return nil, false
	}
	return data, true
}

func handleListDrafts(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		drafts, err := deps.Local.ListFormDrafts()
		if err != nil {
			appError(w, err)
			return
		}
		views := make([]draftView, len(drafts))
		for i, d := range drafts {
			views[i] = toDraftView(d)
		}
		writeJSON(w, http.StatusOK, views)
	}
}

func handleGetDraft(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := deps.Local.GetFormDraft(chi.URLParam(r, "formID"))
		if err != nil {
			localError(w, "draft", err)
			return
		}
		writeJSON(w, http.StatusOK, toDraftView(d))
	}
}

// handleSaveDraft stores the request body as the form's draft.
func handleSaveDraft(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, ok := readJSONBody(w, r)
		if !ok {
			return
		}
		d, err := deps.Local.SaveFormDraft(chi.URLParam(r, "formID"), data)
		if err != nil {
			appError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toDraftView(d))
	}
}

func handleDeleteDraft(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Local.DeleteFormDraft(chi.URLParam(r, "formID")); err != nil {
			localError(w, "draft", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleListMedia(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		files, err := deps.Local.ListMediaFiles()
		if err != nil {
			appError(w, err)
			return
		}
		views := make([]mediaView, len(files))
		for i, m := range files {
			views[i] = toMediaView(m)
		}
		writeJSON(w, http.StatusOK, views)
	}
}

// handleUploadMedia takes a multipart form with a "file" part and an
// optional "metadata" JSON field.
func handleUploadMedia(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxMediaUploadSize)
		if err := r.ParseMultipartForm(maxMediaUploadSize); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid upload: %v", err)
			return
		}
		defer r.MultipartForm.RemoveAll()

		f, hdr, err := r.FormFile("file")
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "missing file part: %v", err)
			return
		}
		defer f.Close()
		body, err := io.ReadAll(f)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "reading upload: %v", err)
			return
		}

		m := storage.MediaFile{
			Name:        hdr.Filename,
			ContentType: hdr.Header.Get("Content-Type"),
			Body:        body,
		}
		if meta := r.FormValue("metadata"); meta != "" {
			m.Metadata = json.RawMessage(meta)
		}
		saved, err := deps.Local.SaveMediaFile(m)
		if err != nil {
			appError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toMediaView(saved))
	}
}

func mediaID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "media id must be a positive integer")
		return 0, false
	}
	return id, true
}

// handleGetMedia streams the stored bytes back with their content type.
func handleGetMedia(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := mediaID(w, r)
		if !ok {
			return
		}
		m, err := deps.Local.GetMediaFile(id)
		if err != nil {
			localError(w, "media file", err)
			return
		}
		w.Header().Set("Content-Type", m.ContentType)
		w.Header().Set("Content-Length", strconv.Itoa(len(m.Body)))
		w.WriteHeader(http.StatusOK)
		w.Write(m.Body)
	}
}

func handleDeleteMedia(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := mediaID(w, r)
		if !ok {
			return
		}
		if err := deps.Local.DeleteMediaFile(id); err != nil {
			localError(w, "media file", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleListSettings(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		all, err := deps.Local.ListSettings()
		if err != nil {
			appError(w, err)
			return
		}
		views := make([]settingView, len(all))
		for i, s := range all {
			views[i] = toSettingView(s)
		}
		writeJSON(w, http.StatusOK, views)
	}
}

func handleGetSetting(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := deps.Local.GetSetting(chi.URLParam(r, "key"))
		if err != nil {
			localError(w, "setting", err)
			return
		}
		writeJSON(w, http.StatusOK, toSettingView(s))
	}
}

// handlePutSetting stores the request body as the setting's value.
func handlePutSetting(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		value, ok := readJSONBody(w, r)
		if !ok {
			return
		}
		key := chi.URLParam(r, "key")
		if err := deps.Local.PutSetting(key, value); err != nil {
			appError(w, err)
			return
		}
		s, err := deps.Local.GetSetting(key)
		if err != nil {
			appError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toSettingView(s))
	}
}

// handleClearLocal wipes the outbox, drafts, media and settings. It
// requires ?confirm=yes since unsynced writes are lost.
func handleClearLocal(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("confirm") != "yes" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "clearing local data needs ?confirm=yes")
			return
		}
		n, err := deps.Local.ClearLocalData()
		if err != nil {
			appError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, n)
	}
}
