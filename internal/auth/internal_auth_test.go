package auth

import (
	"testing"
	"time"
)

func TestIssueAndValidateRoundTrip(t *testing.T) {
	now := time.Unix(1700000000, 0)
	issuer := NewInternalTokenIssuer(InternalTokenIssuerConfig{
		SigningSecret: []byte("test-secret"),
		Issuer:        "hub.example.org",
		Clock:         func() time.Time { return now },
	})

	token, err := issuer.Issue("alice", "todo.example.org")
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}

	subject, err := issuer.Validate(token, "todo.example.org")
	if err != nil {
		t.Fatalf("unexpected validate error: %v", err)
	}
	if subject != "alice" {
		t.Fatalf("unexpected subject: %q", subject)
	}
}

func TestValidateRejectsWrongAudience(t *testing.T) {
	now := time.Unix(1700000000, 0)
	issuer := NewInternalTokenIssuer(InternalTokenIssuerConfig{
		SigningSecret: []byte("test-secret"),
		Issuer:        "hub.example.org",
		Clock:         func() time.Time { return now },
	})

	token, err := issuer.Issue("alice", "todo.example.org")
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}
	if _, err := issuer.Validate(token, "lists.example.org"); err == nil {
		t.Fatalf("expected audience mismatch to fail")
	}
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	issued := time.Unix(1700000000, 0)
	current := issued
	issuer := NewInternalTokenIssuer(InternalTokenIssuerConfig{
		SigningSecret: []byte("test-secret"),
		Issuer:        "hub.example.org",
		TokenTTL:      time.Minute,
		Clock:         func() time.Time { return current },
	})

	token, err := issuer.Issue("alice", "todo.example.org")
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}

	current = issued.Add(2 * time.Minute)
	if _, err := issuer.Validate(token, "todo.example.org"); err == nil {
		t.Fatalf("expected expired token to fail")
	}
}

func TestIssueRequiresActingUser(t *testing.T) {
	issuer := NewInternalTokenIssuer(InternalTokenIssuerConfig{
		SigningSecret: []byte("test-secret"),
	})
	if _, err := issuer.Issue("", "todo.example.org"); err == nil {
		t.Fatalf("expected missing subject to fail")
	}
}
