package security

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func newTestAuditor(t *testing.T, enabled bool) (*Auditor, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return NewAuditor(logger, enabled), &buf
}

func TestAuditorLogEvent(t *testing.T) {
	auditor, buf := newTestAuditor(t, true)

	auditor.LogEvent(Event{
		Type:     EventTokenIssued,
		OwnerID:  "owner-42",
		ClientID: "print",
		IP:       "203.0.113.7",
		Details:  map[string]any{"scope": "view_gallery"},
	})

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("unmarshal audit record: %v", err)
	}
	if record["event_type"] != EventTokenIssued {
		t.Errorf("event_type = %v, want %q", record["event_type"], EventTokenIssued)
	}
	if record["severity"] != SeverityInfo {
		t.Errorf("severity = %v, want info", record["severity"])
	}
	if hash, _ := record["owner_id_hash"].(string); hash == "" || strings.Contains(hash, "owner-42") {
		t.Errorf("owner ID must be hashed, got %q", hash)
	}
}

func TestAuditorDisabled(t *testing.T) {
	auditor, buf := newTestAuditor(t, false)
	auditor.LogTokenIssued("owner", "client", "127.0.0.1", "authorization_code", "view_gallery")
	if buf.Len() != 0 {
		t.Errorf("disabled auditor wrote output: %s", buf.String())
	}
}

func TestAuditorCriticalEventsLogAtWarn(t *testing.T) {
	auditor, buf := newTestAuditor(t, true)
	auditor.LogReplayDetected(EventAuthorizationCodeReplay, "owner", "print", "203.0.113.7", 3)

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("unmarshal audit record: %v", err)
	}
	if record["level"] != "WARN" {
		t.Errorf("level = %v, want WARN", record["level"])
	}
	if record["severity"] != SeverityCritical {
		t.Errorf("severity = %v, want critical", record["severity"])
	}
}

func TestHashForLogging(t *testing.T) {
	if got := hashForLogging(""); got != "anonymous" {
		t.Errorf("hashForLogging(\"\") = %q, want anonymous", got)
	}
	a, b := hashForLogging("owner-a"), hashForLogging("owner-b")
	if a == b {
		t.Error("distinct inputs hashed to the same value")
	}
	if len(a) != 16 {
		t.Errorf("hash length = %d, want 16", len(a))
	}
	if a != hashForLogging("owner-a") {
		t.Error("hash is not deterministic")
	}
}
