package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(CodeStorage, "could not save locally", cause)

	want := "[STORAGE_UNAVAILABLE] could not save locally: disk full"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}

	srv := Server(http.StatusBadGateway, "")
	if srv.Error() != "[SERVER_ERROR] Bad Gateway (HTTP 502)" {
		t.Errorf("Error() = %q", srv.Error())
	}
}

func TestIsThroughWrapping(t *testing.T) {
	err := fmt.Errorf("sending action 7: %w", New(CodeNetwork, "connection refused"))

	if !Is(err, CodeNetwork) {
		t.Error("Is(CodeNetwork) = false through fmt.Errorf wrapping")
	}
	if Is(err, CodeServer) {
		t.Error("Is(CodeServer) = true, want false")
	}
	if CodeOf(errors.New("plain")) != "" {
		t.Error("CodeOf(plain error) should be empty")
	}
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"network", New(CodeNetwork, "timeout"), true},
		{"500", Server(500, ""), true},
		{"503", Server(503, ""), true},
		{"408", Server(408, ""), true},
		{"429", Server(429, ""), true},
		{"400", Server(400, "bad line"), false},
		{"404", Server(404, ""), false},
		{"422", Server(422, ""), false},
		{"wrapped 400", fmt.Errorf("action 3: %w", Server(400, "")), false},
		{"invalid", Wrap(CodeInvalid, "creating request", errors.New("bad url")), false},
		{"not found", New(CodeNotFound, "action 9"), false},
		{"unknown", errors.New("boom"), true},
		{"nil", nil, false},
	}
	for _, tc := range cases {
		if got := Retryable(tc.err); got != tc.want {
			t.Errorf("%s: Retryable = %v, want %v", tc.name, got, tc.want)
		}
	}
}
