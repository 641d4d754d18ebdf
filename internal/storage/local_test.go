package storage

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/transsflow/fieldsync/internal/apperr"
)

func TestFormDraftReplacesEarlierSave(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.SaveFormDraft("inspection-7", json.RawMessage(`{"step":1}`)); err != nil {
		t.Fatalf("SaveFormDraft: %v", err)
	}
	if _, err := s.SaveFormDraft("inspection-7", json.RawMessage(`{"step":2}`)); err != nil {
		t.Fatalf("SaveFormDraft: %v", err)
	}

	d, err := s.GetFormDraft("inspection-7")
	if err != nil {
		t.Fatalf("GetFormDraft: %v", err)
	}
	if string(d.Data) != `{"step":2}` {
		t.Errorf("Data = %s, want the second save", d.Data)
	}
	drafts, err := s.ListFormDrafts()
	if err != nil {
		t.Fatalf("ListFormDrafts: %v", err)
	}
	if len(drafts) != 1 {
		t.Errorf("got %d drafts, want 1", len(drafts))
	}

	if err := s.DeleteFormDraft("inspection-7"); err != nil {
		t.Fatalf("DeleteFormDraft: %v", err)
	}
	if _, err := s.GetFormDraft("inspection-7"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetFormDraft after delete = %v, want ErrNotFound", err)
	}
	if err := s.DeleteFormDraft("inspection-7"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteFormDraft = %v, want ErrNotFound", err)
	}
}

func TestFormDraftValidation(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.SaveFormDraft("", json.RawMessage(`{}`)); apperr.CodeOf(err) != apperr.CodeInvalid {
		t.Errorf("empty form id: got %v, want invalid", err)
	}
	if _, err := s.SaveFormDraft("f", json.RawMessage(`{`)); apperr.CodeOf(err) != apperr.CodeInvalid {
		t.Errorf("bad JSON: got %v, want invalid", err)
	}
}

func TestMediaFileRoundTrip(t *testing.T) {
	s := openTestStore(t)

	saved, err := s.SaveMediaFile(MediaFile{
		Name:        "roof.jpg",
		ContentType: "image/jpeg",
		Metadata:    json.RawMessage(`{"inspection":7}`),
		Body:        []byte{0xff, 0xd8, 0xff},
	})
	if err != nil {
		t.Fatalf("SaveMediaFile: %v", err)
	}
	if saved.ID == 0 || saved.Size != 3 {
		t.Fatalf("saved = %+v, want an id and size 3", saved)
	}
	if _, err := s.SaveMediaFile(MediaFile{Name: "note.txt", Body: []byte("hi")}); err != nil {
		t.Fatalf("SaveMediaFile: %v", err)
	}

	files, err := s.ListMediaFiles()
	if err != nil {
		t.Fatalf("ListMediaFiles: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("got %d files, want 2", len(files))
	}
	if files[0].Body != nil {
		t.Error("ListMediaFiles returned bodies")
	}
	if files[1].ContentType != "application/octet-stream" || string(files[1].Metadata) != "{}" {
		t.Errorf("defaults not applied: %+v", files[1])
	}

	got, err := s.GetMediaFile(saved.ID)
	if err != nil {
		t.Fatalf("GetMediaFile: %v", err)
	}
	if string(got.Body) != "\xff\xd8\xff" || string(got.Metadata) != `{"inspection":7}` {
		t.Errorf("GetMediaFile = %+v", got)
	}

	if err := s.DeleteMediaFile(saved.ID); err != nil {
		t.Fatalf("DeleteMediaFile: %v", err)
	}
	if _, err := s.GetMediaFile(saved.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetMediaFile after delete = %v, want ErrNotFound", err)
	}
}

func TestSettings(t *testing.T) {
	s := openTestStore(t)

	if err := s.PutSetting("theme", json.RawMessage(`"dark"`)); err != nil {
		t.Fatalf("PutSetting: %v", err)
	}
	if err := s.PutSetting("theme", json.RawMessage(`"light"`)); err != nil {
		t.Fatalf("PutSetting: %v", err)
	}
	if err := s.PutSetting("autoSync", json.RawMessage(`true`)); err != nil {
		t.Fatalf("PutSetting: %v", err)
	}

	st, err := s.GetSetting("theme")
	if err != nil {
		t.Fatalf("GetSetting: %v", err)
	}
	if string(st.Value) != `"light"` {
		t.Errorf("theme = %s, want \"light\"", st.Value)
	}
	all, err := s.ListSettings()
	if err != nil {
		t.Fatalf("ListSettings: %v", err)
	}
	if len(all) != 2 || all[0].Key != "autoSync" {
		t.Errorf("ListSettings = %+v, want two ordered by key", all)
	}
	if _, err := s.GetSetting("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSetting(missing) = %v, want ErrNotFound", err)
	}
	if err := s.PutSetting("x", json.RawMessage(`nope`)); apperr.CodeOf(err) != apperr.CodeInvalid {
		t.Errorf("bad value: got %v, want invalid", err)
	}
}

func TestClearLocalDataKeepsCache(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.EnqueueAction("/api/x", json.RawMessage(`{}`)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SaveFormDraft("f", json.RawMessage(`{}`)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SaveMediaFile(MediaFile{Name: "a", Body: []byte("a")}); err != nil {
		t.Fatal(err)
	}
	if err := s.PutSetting("k", json.RawMessage(`1`)); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateCacheGeneration("app-1-aaa"); err != nil {
		t.Fatal(err)
	}

	got, err := s.ClearLocalData()
	if err != nil {
		t.Fatalf("ClearLocalData: %v", err)
	}
	want := LocalDataCounts{Actions: 1, Forms: 1, Media: 1, Settings: 1}
	if got != want {
		t.Errorf("ClearLocalData = %+v, want %+v", got, want)
	}
	if n, _ := s.CountPendingActions(); n != 0 {
		t.Errorf("pending after clear = %d, want 0", n)
	}
	gens, err := s.ListCacheGenerations()
	if err != nil {
		t.Fatal(err)
	}
	if len(gens) != 1 {
		t.Errorf("cache generations = %v, want the one created", gens)
	}
}
