package queryservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/vietddude/queryflow/internal/core/domain"
)

// maxErrorBody caps how much of an error response is kept.
const maxErrorBody = 4 << 10

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http %d", e.Code)
	}
	return fmt.Sprintf("http %d: %s", e.Code, e.Body)
}

// StatusCode lets the failure classifier pick up the HTTP status.
func (e *StatusError) StatusCode() int {
	return e.Code
}

// ServiceError is returned when the service answers with success set to false.
// It classifies like a server-side processing failure.
type ServiceError struct {
	Message string
}

func (e *ServiceError) Error() string {
	return e.Message
}

func (e *ServiceError) StatusCode() int {
	return http.StatusInternalServerError
}

// ErrEmptyResponse is returned when the service reports success without data.
var ErrEmptyResponse error = &ServiceError{Message: "query service returned no data"}

// envelope is the service response wrapper.
type envelope[T any] struct {
	Success bool   `json:"success"`
	Data    *T     `json:"data"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// Config configures the client.
type Config struct {
	URL               string
	Timeout           time.Duration
	RequestsPerSecond float64 // 0 = unlimited
	Burst             int
}

// Client talks to the remote query execution service over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a client for the service at cfg.URL.
func NewClient(cfg Config) *Client {
	c := &Client{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	if cfg.RequestsPerSecond > 0 {
		burst := max(cfg.Burst, 1)
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return c
}

// Query posts a query and returns the structured answer.
func (c *Client) Query(ctx context.Context, req domain.QueryRequest) (*domain.QueryResponse, error) {
	var resp domain.QueryResponse
	if err := do(ctx, c, http.MethodPost, "/query", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Personas lists the personas the service supports.
func (c *Client) Personas(ctx context.Context) ([]string, error) {
	var personas []string
	if err := do(ctx, c, http.MethodGet, "/personas", nil, &personas); err != nil {
		return nil, err
	}
	return personas, nil
}

// Health checks the service health endpoint.
func (c *Client) Health(ctx context.Context) error {
	var status map[string]any
	return do(ctx, c, http.MethodGet, "/health", nil, &status)
}

func do[T any](ctx context.Context, c *Client, method, path string, body any, out *T) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
	}

	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Code: resp.StatusCode, Body: errorDetail(data)}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	return decodeEnvelope(raw, out)
}

func decodeEnvelope[T any](raw []byte, out *T) error {
	var env envelope[T]
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	if !env.Success {
		msg := env.Error
		if msg == "" {
			msg = env.Message
		}
		if msg == "" {
			msg = "query service reported failure"
		}
		return &ServiceError{Message: msg}
	}
	if env.Data == nil {
		return ErrEmptyResponse
	}
	*out = *env.Data
	return nil
}

// errorDetail extracts the message from {"detail": ...} or {"error": ...} bodies.
func errorDetail(body []byte) string {
	var parsed struct {
		Detail any    `json:"detail"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		if s, ok := parsed.Detail.(string); ok && s != "" {
			return s
		}
		if parsed.Error != "" {
			return parsed.Error
		}
	}
	return strings.TrimSpace(string(body))
}
