package server_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tripwire/chainwatch/internal/server"
)

// ---------------------------------------------------------------------------
// Access log
// ---------------------------------------------------------------------------

// accessLog decodes the "server: api request" records written to buf.
func accessLog(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	dec := json.NewDecoder(buf)
	for dec.More() {
		var rec map[string]any
		if err := dec.Decode(&rec); err != nil {
			t.Fatalf("decode log record: %v", err)
		}
		if rec["msg"] == "server: api request" {
			out = append(out, rec)
		}
	}
	return out
}

func TestRouter_AccessLogNamesTokenSubject(t *testing.T) {
	priv := generateKey(t)
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	auth := &server.AuthConfig{PublicKey: &priv.PublicKey, Logger: logger}
	h := server.NewRouter(server.NewServer(fakeStatus{}, &fakeEvents{}, server.WithLogger(logger)), auth)

	claims := validClaims()
	claims.Subject = "deploy-bot"
	if rec := get(t, h, "/api/v1/watches", sign(t, priv, jwt.SigningMethodRS256, claims)); rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	records := accessLog(t, &buf)
	if len(records) != 1 {
		t.Fatalf("access log records = %d, want 1", len(records))
	}
	rec := records[0]
	if rec["subject"] != "deploy-bot" {
		t.Errorf("subject = %v, want deploy-bot", rec["subject"])
	}
	if rec["path"] != "/api/v1/watches" {
		t.Errorf("path = %v", rec["path"])
	}
	if rec["results"] != float64(2) {
		t.Errorf("results = %v, want 2", rec["results"])
	}
	if id, _ := rec["request_id"].(string); id == "" {
		t.Error("request_id is empty")
	}
}

func TestRouter_AccessLogWithoutAuth(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	h := server.NewRouter(server.NewServer(fakeStatus{}, &fakeEvents{}, server.WithLogger(logger)), nil)

	if rec := get(t, h, "/api/v1/events", ""); rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	records := accessLog(t, &buf)
	if len(records) != 1 {
		t.Fatalf("access log records = %d, want 1", len(records))
	}
	if _, ok := records[0]["subject"]; ok {
		t.Errorf("unauthenticated request logged subject %v", records[0]["subject"])
	}
}
