// Package idvapi holds request helpers for the verification service's
// session endpoints. The orchestrator never calls them; callers use the
// session identifier it reports.
package idvapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/danmuck/idvlink/internal/config"
	"github.com/danmuck/idvlink/internal/logging"
)

var (
	ErrSessionIDRequired = errors.New("idvapi: session id required")
	ErrEndpointMissing   = errors.New("idvapi: endpoint not configured")
)

// StatusError carries a non-2xx response.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.URL, e.Code, e.Body)
}

// Result is the decoded JSON response. The service's schema is opaque here.
type Result map[string]any

type sessionRequest struct {
	SessionID string `json:"session_id"`
}

// Client posts {session_id} bodies to the verify and results endpoints.
type Client struct {
	verifyURL  string
	resultsURL string
	client     *http.Client
	log        zerolog.Logger
}

func NewClient(verifyURL, resultsURL string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		verifyURL:  strings.TrimSpace(verifyURL),
		resultsURL: strings.TrimSpace(resultsURL),
		client:     client,
		log:        logging.For("idvapi"),
	}
}

// NewClientFromConfig uses the configured verify and results endpoints.
func NewClientFromConfig(cfg config.Config, client *http.Client) *Client {
	return NewClient(cfg.VerifyEndpointURL, cfg.ResultsEndpointURL, client)
}

// VerifySession asks the service to verify sessionID.
func (c *Client) VerifySession(ctx context.Context, sessionID string) (Result, error) {
	return c.post(ctx, c.verifyURL, sessionID)
}

// GetResult fetches the verification result for sessionID.
func (c *Client) GetResult(ctx context.Context, sessionID string) (Result, error) {
	return c.post(ctx, c.resultsURL, sessionID)
}

func (c *Client) post(ctx context.Context, endpoint, sessionID string) (Result, error) {
	if endpoint == "" {
		return nil, ErrEndpointMissing
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, ErrSessionIDRequired
	}
	data, err := json.Marshal(sessionRequest{SessionID: sessionID})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Method: http.MethodPost, URL: endpoint, Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	var out Result
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("idvapi: decode response: %w", err)
	}
	c.log.Debug().Str("endpoint", endpoint).Str("session_id", sessionID).Msg("session request ok")
	return out, nil
}
