package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/transsflow/fieldsync/internal/intercept"
)

func TestFormDraftRoutes(t *testing.T) {
	env := setupAppHandler(t, false)

	rr := env.do(t, http.MethodPut, "/forms/inspection-7", `{"roof":"ok"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("PUT status = %d, body = %s", rr.Code, rr.Body.String())
	}

	rr = env.do(t, http.MethodGet, "/forms/inspection-7", "")
	var d draftView
	if err := json.Unmarshal(rr.Body.Bytes(), &d); err != nil {
		t.Fatalf("decoding draft: %v", err)
	}
	if d.FormID != "inspection-7" || string(d.Data) != `{"roof":"ok"}` {
		t.Errorf("draft = %+v", d)
	}

	rr = env.do(t, http.MethodGet, "/forms", "")
	var all []draftView
	json.Unmarshal(rr.Body.Bytes(), &all)
	if len(all) != 1 {
		t.Errorf("GET /forms returned %d drafts, want 1", len(all))
	}

	if rr := env.do(t, http.MethodPut, "/forms/inspection-7", `{"roof":`); rr.Code != http.StatusBadRequest {
		t.Errorf("bad JSON: status = %d, want 400", rr.Code)
	}
	if rr := env.do(t, http.MethodDelete, "/forms/inspection-7", ""); rr.Code != http.StatusNoContent {
		t.Errorf("DELETE status = %d, want 204", rr.Code)
	}
	if rr := env.do(t, http.MethodGet, "/forms/inspection-7", ""); rr.Code != http.StatusNotFound {
		t.Errorf("GET after delete = %d, want 404", rr.Code)
	}
}

func TestMediaRoutes(t *testing.T) {
	env := setupAppHandler(t, false)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("metadata", `{"inspection":7}`)
	part, err := mw.CreateFormFile("file", "roof.jpg")
	if err != nil {
		t.Fatal(err)
	}
	part.Write([]byte("jpeg-bytes"))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/media", &buf)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rr := httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("upload status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var m mediaView
	if err := json.Unmarshal(rr.Body.Bytes(), &m); err != nil {
		t.Fatalf("decoding upload: %v", err)
	}
	if m.Name != "roof.jpg" || m.Size != int64(len("jpeg-bytes")) || string(m.Metadata) != `{"inspection":7}` {
		t.Errorf("upload = %+v", m)
	}

	rr = env.do(t, http.MethodGet, fmt.Sprintf("/media/%d", m.ID), "")
	if rr.Body.String() != "jpeg-bytes" {
		t.Errorf("GET body = %q", rr.Body.String())
	}

	rr = env.do(t, http.MethodGet, "/media", "")
	if strings.Contains(rr.Body.String(), "jpeg-bytes") {
		t.Error("listing includes file bodies")
	}

	if rr := env.do(t, http.MethodGet, "/media/abc", ""); rr.Code != http.StatusBadRequest {
		t.Errorf("bad id: status = %d, want 400", rr.Code)
	}
	if rr := env.do(t, http.MethodDelete, fmt.Sprintf("/media/%d", m.ID), ""); rr.Code != http.StatusNoContent {
		t.Errorf("DELETE status = %d, want 204", rr.Code)
	}
	if rr := env.do(t, http.MethodGet, fmt.Sprintf("/media/%d", m.ID), ""); rr.Code != http.StatusNotFound {
		t.Errorf("GET after delete = %d, want 404", rr.Code)
	}
}

func TestSettingRoutes(t *testing.T) {
	env := setupAppHandler(t, true)

	rr := env.do(t, http.MethodPut, "/settings/theme", `"dark"`)
	if rr.Code != http.StatusOK {
		t.Fatalf("PUT status = %d, body = %s", rr.Code, rr.Body.String())
	}
	rr = env.do(t, http.MethodGet, "/settings/theme", "")
	var s settingView
	json.Unmarshal(rr.Body.Bytes(), &s)
	if string(s.Value) != `"dark"` {
		t.Errorf("theme = %s", s.Value)
	}
	if rr := env.do(t, http.MethodGet, "/settings/missing", ""); rr.Code != http.StatusNotFound {
		t.Errorf("missing setting: status = %d, want 404", rr.Code)
	}
}

func TestClearLocalNeedsConfirmation(t *testing.T) {
	env := setupAppHandler(t, false)
	env.do(t, http.MethodPost, "/outbox", `{"endpoint":"/api/x","payload":{}}`)
	env.do(t, http.MethodPut, "/forms/f1", `{}`)

	if rr := env.do(t, http.MethodDelete, "/local", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("unconfirmed clear: status = %d, want 400", rr.Code)
	}
	if n, _ := env.store.CountPendingActions(); n != 1 {
		t.Fatalf("pending = %d after refused clear, want 1", n)
	}

	rr := env.do(t, http.MethodDelete, "/local?confirm=yes", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("clear status = %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"actions":1`) || !strings.Contains(rr.Body.String(), `"forms":1`) {
		t.Errorf("clear body = %s", rr.Body.String())
	}
}

func TestNotificationsNewestFirst(t *testing.T) {
	env := setupAppHandler(t, true)
	for i := 1; i <= 4; i++ {
		env.pushes.Add(intercept.Notification{Title: "inspect", Body: fmt.Sprintf("n%d", i), ReceivedAt: time.Now()})
	}

	rr := env.do(t, http.MethodGet, "/notifications", "")
	var got []intercept.Notification
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decoding: %v", err)
	}
	if len(got) != 3 || got[0].Body != "n4" || got[2].Body != "n2" {
		t.Errorf("notifications = %+v, want n4..n2", got)
	}
}
