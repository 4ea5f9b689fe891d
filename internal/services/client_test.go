package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/forgehub/hub/internal/auth"
)

func newTestIssuer() *auth.InternalTokenIssuer {
	return auth.NewInternalTokenIssuer(auth.InternalTokenIssuerConfig{
		SigningSecret: []byte("test-secret"),
		Issuer:        "hub.example.org",
	})
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := NewClient(ClientConfig{
		ServiceName: "lists.example.org",
		Endpoint:    server.URL,
		TokenIssuer: newTestIssuer(),
	})
	if err != nil {
		t.Fatalf("unexpected client error: %v", err)
	}
	return client, server
}

func TestDoUnmarshalsData(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); !strings.HasPrefix(got, "Bearer ") {
			t.Errorf("missing bearer credentials, got %q", got)
		}
		var request gqlRequest
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			t.Errorf("unexpected decode error: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data": {"createTool": {"id": 42}}}`))
	})

	var response struct {
		CreateTool struct {
			ID int `json:"id"`
		} `json:"createTool"`
	}
	if err := client.Do(context.Background(), "alice", `mutation {}`, nil, &response); err != nil {
		t.Fatalf("unexpected request error: %v", err)
	}
	if response.CreateTool.ID != 42 {
		t.Fatalf("unexpected tool id: %d", response.CreateTool.ID)
	}
}

func TestDoReportsGraphQLErrors(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"errors": [{"message": "no", "extensions": {"code": "ACCESS_DENIED"}}]}`))
	})

	err := client.Do(context.Background(), "alice", `query {}`, nil, nil)
	if err == nil {
		t.Fatalf("expected a request error")
	}
	if !IsAccessDenied(err) {
		t.Fatalf("expected access denied, got %v", err)
	}
}

func TestDoIdempotentRetriesServerErrors(t *testing.T) {
	attempts := 0
	var seenKeys []string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		seenKeys = append(seenKeys, r.Header.Get("X-Idempotency-Key"))
		if attempts < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data": {}}`))
	})

	if err := client.DoIdempotent(context.Background(), "alice", `mutation {}`, nil, nil); err != nil {
		t.Fatalf("unexpected request error: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected three attempts, got %d", attempts)
	}
	for _, key := range seenKeys {
		if key == "" || key != seenKeys[0] {
			t.Fatalf("idempotency key must be stable across retries: %v", seenKeys)
		}
	}
}

func TestDoIdempotentKeyIsStableAcrossDeliveries(t *testing.T) {
	var seenKeys []string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		seenKeys = append(seenKeys, r.Header.Get("X-Idempotency-Key"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data": {}}`))
	})

	variables := map[string]interface{}{"patchsetID": 1234, "icon": "PENDING"}
	for i := 0; i < 2; i++ {
		if err := client.DoIdempotent(context.Background(), "alice", `mutation {}`, variables, nil); err != nil {
			t.Fatalf("unexpected request error: %v", err)
		}
	}
	if err := client.DoIdempotent(context.Background(), "alice", `mutation {}`,
		map[string]interface{}{"patchsetID": 1235, "icon": "PENDING"}, nil); err != nil {
		t.Fatalf("unexpected request error: %v", err)
	}

	if len(seenKeys) != 3 || seenKeys[0] == "" {
		t.Fatalf("unexpected keys: %v", seenKeys)
	}
	if seenKeys[0] != seenKeys[1] {
		t.Fatalf("redelivered operations must reuse the key: %v", seenKeys)
	}
	if seenKeys[2] == seenKeys[0] {
		t.Fatalf("distinct operations must not share a key: %v", seenKeys)
	}
}

func TestDoIdempotentDoesNotRetryGraphQLErrors(t *testing.T) {
	attempts := 0
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"errors": [{"message": "bad input", "extensions": {"code": "INVALID"}}]}`))
	})

	if err := client.DoIdempotent(context.Background(), "alice", `mutation {}`, nil, nil); err == nil {
		t.Fatalf("expected a request error")
	}
	if attempts != 1 {
		t.Fatalf("expected a single attempt, got %d", attempts)
	}
}

func TestDoHonorsContextCancellation(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		w.Write([]byte(`{"data": {}}`))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := client.DoIdempotent(ctx, "alice", `mutation {}`, nil, nil); err == nil {
		t.Fatalf("expected a timeout error")
	}
}
