package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"
)

func capture(t *testing.T, fn func()) []map[string]string {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)

	fn()

	var entries []map[string]string
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]string
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("log line is not JSON: %q", line)
		}
		entries = append(entries, entry)
	}
	return entries
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", DEBUG},
		{"INFO", INFO},
		{"warning", WARN},
		{"Error", ERROR},
		{"garbage", INFO},
		{"", INFO},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	SetLevel(WARN)
	defer SetLevel(INFO)

	entries := capture(t, func() {
		Debug("too quiet")
		Info("still too quiet")
		Warn("heard")
		Error("also heard")
	})
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0]["level"] != "WARN" || entries[1]["level"] != "ERROR" {
		t.Errorf("levels = %s, %s", entries[0]["level"], entries[1]["level"])
	}
}

func TestFieldsAndRedaction(t *testing.T) {
	entries := capture(t, func() {
		Info("send recorded", "email", "john.doe@example.com", "job_id", "j1")
	})
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	e := entries[0]
	if e["msg"] != "send recorded" || e["job_id"] != "j1" {
		t.Errorf("entry = %v", e)
	}
	if e["email"] != "jo***@example.com" {
		t.Errorf("email = %q, want redacted", e["email"])
	}
}

func TestRedactionOfEmbeddedEmails(t *testing.T) {
	entries := capture(t, func() {
		Warn("provider rejected", "detail", "address carol@x.test bounced")
	})
	if got := entries[0]["detail"]; strings.Contains(got, "carol@x.test") {
		t.Errorf("detail leaked the address: %q", got)
	}
}

func TestRedactEmail(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"john.doe@example.com", "jo***@example.com"},
		{"ab@example.com", "***@example.com"},
		{"not-an-email", "***@***"},
	}
	for _, tt := range tests {
		if got := RedactEmail(tt.in); got != tt.want {
			t.Errorf("RedactEmail(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
