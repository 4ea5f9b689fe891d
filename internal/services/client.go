// Package services holds the GraphQL clients for the sibling forge
// services: source control, mailing lists, trackers, and the build farm.
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/forgehub/hub/internal/auth"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 30 * time.Second
	idempotentRetries     = 2
)

// ClientConfig describes a connection to one upstream GraphQL service.
type ClientConfig struct {
	ServiceName string
	Endpoint    string
	TokenIssuer *auth.InternalTokenIssuer
	HTTPClient  *http.Client
	Logger      *zap.Logger
}

// Client executes GraphQL requests against a single upstream service with
// internal-auth credentials minted per request.
type Client struct {
	serviceName string
	endpoint    string
	issuer      *auth.InternalTokenIssuer
	httpClient  *http.Client
	logger      *zap.Logger
}

// NewClient constructs a service client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.ServiceName == "" {
		return nil, fmt.Errorf("services: service name required")
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("services: endpoint required for %s", cfg.ServiceName)
	}
	if cfg.TokenIssuer == nil {
		return nil, fmt.Errorf("services: token issuer required for %s", cfg.ServiceName)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		serviceName: cfg.ServiceName,
		endpoint:    cfg.Endpoint,
		issuer:      cfg.TokenIssuer,
		httpClient:  httpClient,
		logger:      logger,
	}, nil
}

type gqlRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

type gqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []GQLError      `json:"errors"`
}

// Do executes a query as the given user and unmarshals the response data
// into out (which may be nil when the caller ignores the result).
func (c *Client) Do(ctx context.Context, actingUser, query string, variables map[string]interface{}, out interface{}) error {
	return c.execute(ctx, actingUser, query, variables, out, "")
}

// DoIdempotent executes a mutation that is safe to retry: an idempotency
// key derived from the mutation and its variables is attached and
// transport-level failures are retried a bounded number of times.
// GraphQL-level errors are never retried. Because the key is stable for
// the logical operation, a redelivered webhook replays the same key and
// the upstream can drop the duplicate.
func (c *Client) DoIdempotent(ctx context.Context, actingUser, query string, variables map[string]interface{}, out interface{}) error {
	idempotencyKey := idempotencyKeyFor(query, variables)

	var lastErr error
	for attempt := 0; attempt <= idempotentRetries; attempt++ {
		err := c.execute(ctx, actingUser, query, variables, out, idempotencyKey)
		if err == nil {
			return nil
		}
		if _, isRequestError := err.(*RequestError); isRequestError {
			return err
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		c.logger.Warn("retrying upstream request",
			zap.String("service", c.serviceName),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return lastErr
}

// idempotencyKeyFor names the logical mutation. Variables are JSON-encoded
// with sorted map keys, so equal operations always derive the same key.
func idempotencyKeyFor(query string, variables map[string]interface{}) string {
	data := []byte(query)
	if encoded, err := json.Marshal(variables); err == nil {
		data = append(data, encoded...)
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, data).String()
}

func (c *Client) execute(ctx context.Context, actingUser, query string, variables map[string]interface{}, out interface{}, idempotencyKey string) error {
	body, err := json.Marshal(gqlRequest{Query: query, Variables: variables})
	if err != nil {
		return fmt.Errorf("services: encode %s request: %w", c.serviceName, err)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("services: build %s request: %w", c.serviceName, err)
	}
	token, err := c.issuer.Issue(actingUser, c.serviceName)
	if err != nil {
		return fmt.Errorf("services: issue %s credentials: %w", c.serviceName, err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+token)
	if idempotencyKey != "" {
		request.Header.Set("X-Idempotency-Key", idempotencyKey)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("services: reach %s: %w", c.serviceName, err)
	}
	defer response.Body.Close()

	if response.StatusCode >= http.StatusInternalServerError {
		io.Copy(io.Discard, response.Body)
		return fmt.Errorf("services: %s returned status %d", c.serviceName, response.StatusCode)
	}

	var parsed gqlResponse
	if err := json.NewDecoder(response.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("services: decode %s response: %w", c.serviceName, err)
	}
	if len(parsed.Errors) > 0 {
		return &RequestError{Service: c.serviceName, Errors: parsed.Errors}
	}
	if out != nil {
		if err := json.Unmarshal(parsed.Data, out); err != nil {
			return fmt.Errorf("services: decode %s data: %w", c.serviceName, err)
		}
	}
	return nil
}
