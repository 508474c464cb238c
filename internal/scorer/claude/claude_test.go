package claude

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/linnemanlabs/guardian/internal/monitor"
)

func TestParseScore(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		reply   string
		want    float64
		wantErr bool
	}{
		{"bare", "0.82", 0.82, false},
		{"whitespace", "  0.5\n", 0.5, false},
		{"leading dot", ".25", 0.25, false},
		{"integer one", "1", 1, false},
		{"prose", "Risk: 0.9 (high)", 0.9, false},
		{"first number wins", "0.1 or maybe 0.7", 0.1, false},
		{"exponent", "5e-1", 0.5, false},
		{"empty", "", 0, true},
		{"words only", "I cannot assess this.", 0, true},
		{"above one", "1.2", 0, true},
		{"negative", "-0.3", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := parseScore(tt.reply)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseScore(%q) = %v, want error", tt.reply, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseScore(%q): %v", tt.reply, err)
			}
			if got != tt.want {
				t.Errorf("parseScore(%q) = %v, want %v", tt.reply, got, tt.want)
			}
		})
	}
}

func TestParseScore_RangeSentinel(t *testing.T) {
	t.Parallel()

	if _, err := parseScore("3"); !errors.Is(err, monitor.ErrInvalidScore) {
		t.Errorf("err = %v, want ErrInvalidScore", err)
	}
}

func TestNew_DefaultModel(t *testing.T) {
	t.Parallel()

	if s := New(Options{APIKey: "k"}); s.model != DefaultModel {
		t.Errorf("model = %q, want %q", s.model, DefaultModel)
	}
	if s := New(Options{APIKey: "k", Model: "claude-sonnet-4-5"}); s.model != "claude-sonnet-4-5" {
		t.Errorf("model = %q, want override", s.model)
	}
}

func fakeMessagesAPI(t *testing.T, status int, reply string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1/messages") {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("X-Api-Key") != "test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var req map[string]any
		if err := json.Unmarshal(body, &req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			_, _ = w.Write([]byte(`{"type":"error","error":{"type":"api_error","message":"boom"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":            "msg_1",
			"type":          "message",
			"role":          "assistant",
			"model":         req["model"],
			"content":       []map[string]any{{"type": "text", "text": reply}},
			"stop_reason":   "end_turn",
			"stop_sequence": nil,
			"usage":         map[string]any{"input_tokens": 10, "output_tokens": 2},
		})
	}))
}

func TestScore_RoundTrip(t *testing.T) {
	t.Parallel()

	srv := fakeMessagesAPI(t, http.StatusOK, "0.73")
	defer srv.Close()

	s := New(Options{APIKey: "test-key", BaseURL: srv.URL, MaxRetries: 1})
	got, err := s.Score(context.Background(), "want to keep a secret?")
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if got != 0.73 {
		t.Errorf("Score = %v, want 0.73", got)
	}
}

func TestScore_APIError(t *testing.T) {
	t.Parallel()

	srv := fakeMessagesAPI(t, http.StatusBadRequest, "")
	defer srv.Close()

	s := New(Options{APIKey: "test-key", BaseURL: srv.URL, MaxRetries: 1})
	if _, err := s.Score(context.Background(), "x"); err == nil {
		t.Fatal("expected error from 400 response")
	}
}
