package security

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestAuditor_NilSafe(t *testing.T) {
	var auditor *Auditor

	// Every logging method must be a no-op on a nil auditor.
	auditor.LogEvent(Event{Type: EventTokenIssued})
	auditor.LogCodeIssued("user", "client", "openid")
	auditor.LogTokenIssued("user", "client", "1.2.3.4", "openid")
	auditor.LogTokenRefreshed("user", "client", "1.2.3.4", 2)
	auditor.LogTokenRevoked("user", "client", "1.2.3.4", "access_token")
	auditor.LogAuthFailure("user", "client", "1.2.3.4", "secret_mismatch")
	auditor.LogRateLimitExceeded("1.2.3.4", "client")
	auditor.LogClientRegistered("client", "confidential", "owner")
	auditor.LogClientDeactivated("client", "owner")
}

func TestAuditor_Disabled(t *testing.T) {
	var buf bytes.Buffer
	auditor := NewAuditor(slog.New(slog.NewTextHandler(&buf, nil)), false)

	auditor.LogAuthFailure("user-1", "client-1", "1.2.3.4", "secret_mismatch")

	if buf.Len() != 0 {
		t.Errorf("disabled auditor wrote output: %s", buf.String())
	}
}

func TestAuditor_HashesUserID(t *testing.T) {
	var buf bytes.Buffer
	auditor := NewAuditor(slog.New(slog.NewTextHandler(&buf, nil)), true)

	auditor.LogAuthFailure("sensitive-user-id", "client-1", "1.2.3.4", "secret_mismatch")

	output := buf.String()
	if output == "" {
		t.Fatal("enabled auditor wrote nothing")
	}
	if strings.Contains(output, "sensitive-user-id") {
		t.Error("raw user ID appeared in the audit log")
	}
	if !strings.Contains(output, EventAuthFailure) {
		t.Errorf("event type missing from output: %s", output)
	}
	if !strings.Contains(output, "client-1") {
		t.Errorf("client ID missing from output: %s", output)
	}
}

func TestHashForLogging(t *testing.T) {
	if hashForLogging("") != "" {
		t.Error("empty value did not hash to empty")
	}

	first := hashForLogging("user-1")
	if len(first) != 16 {
		t.Errorf("hash length = %d, want 16", len(first))
	}
	if first != hashForLogging("user-1") {
		t.Error("hash is not stable")
	}
	if first == hashForLogging("user-2") {
		t.Error("different values hashed identically")
	}
}
