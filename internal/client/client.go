// Package client talks to the inbox REST API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/tullo/inbox/internal/models"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	Status         int    `json:"-"`
	Message        string `json:"error"`
	Code           string `json:"code,omitempty"`
	Field          string `json:"field,omitempty"`
	ConversationID *int64 `json:"conversation_id,omitempty"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%d %s)", e.Message, e.Status, e.Code)
	}
	return fmt.Sprintf("%s (%d)", e.Message, e.Status)
}

// IsStatus reports whether err is an APIError with the given HTTP status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

type Client struct {
	base     *url.URL
	token    string
	clientID string
	http     *retryablehttp.Client
}

// Option adjusts a Client.
type Option func(*Client)

// WithRetries sets how often an idempotent request is retried.
func WithRetries(n int) Option {
	return func(c *Client) { c.http.RetryMax = n }
}

// WithHTTPClient replaces the underlying transport client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http.HTTPClient = hc }
}

// New creates a client for baseURL that authenticates with token.
func New(baseURL, token string, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q", baseURL)
	}

	hc := retryablehttp.NewClient()
	hc.RetryMax = 2
	hc.RetryWaitMin = 100 * time.Millisecond
	hc.RetryWaitMax = time.Second
	hc.Logger = leveledLogger{}
	hc.CheckRetry = retryIdempotent
	hc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	c := &Client{
		base:     base,
		token:    token,
		clientID: uuid.NewString(),
		http:     hc,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type noRetryKey struct{}

// retryIdempotent retries GETs only, so a POST is never sent twice.
func retryIdempotent(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if v, _ := ctx.Value(noRetryKey{}).(bool); v {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// Me returns the caller's profile.
func (c *Client) Me(ctx context.Context) (*models.MeResponse, error) {
	var out models.MeResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/me", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Profile resolves another user by alias.
func (c *Client) Profile(ctx context.Context, alias string) (*models.ProfileResponse, error) {
	var out models.ProfileResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/users/"+url.PathEscape(alias), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Conversations(ctx context.Context) ([]models.ConversationView, error) {
	var out []models.ConversationView
	if err := c.do(ctx, http.MethodGet, "/api/v1/conversations", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Messages returns the conversation's messages with an id above after.
func (c *Client) Messages(ctx context.Context, conversationID, after int64) ([]models.Message, error) {
	path := fmt.Sprintf("/api/v1/conversations/%d/messages", conversationID)
	if after > 0 {
		path += "?after=" + strconv.FormatInt(after, 10)
	}
	var out []models.Message
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Send(ctx context.Context, conversationID int64, content string) (*models.Message, error) {
	var out models.Message
	path := fmt.Sprintf("/api/v1/conversations/%d/messages", conversationID)
	if err := c.do(ctx, http.MethodPost, path, models.SendMessageRequest{Content: content}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MarkRead marks messages up to upTo as read; zero marks everything.
func (c *Client) MarkRead(ctx context.Context, conversationID, upTo int64) (int64, error) {
	var out models.MarkReadResponse
	path := fmt.Sprintf("/api/v1/conversations/%d/read", conversationID)
	err := c.do(ctx, http.MethodPost, path, models.MarkReadRequest{UpTo: upTo}, &out)
	return out.Marked, err
}

func (c *Client) Requests(ctx context.Context) (*models.RequestList, error) {
	var out models.RequestList
	if err := c.do(ctx, http.MethodGet, "/api/v1/conversation-requests", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CreateRequest(ctx context.Context, recipientAlias, message string) (*models.ConversationRequest, error) {
	var out models.ConversationRequest
	body := models.CreateRequestRequest{Recipient: recipientAlias, Message: message}
	if err := c.do(ctx, http.MethodPost, "/api/v1/conversation-requests", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Respond accepts or denies a request; action is "accept" or "deny".
func (c *Client) Respond(ctx context.Context, requestID int64, action string) (*models.RespondResponse, error) {
	var out models.RespondResponse
	path := fmt.Sprintf("/api/v1/conversation-requests/%d/respond", requestID)
	if err := c.do(ctx, http.MethodPost, path, models.RespondRequest{Action: action}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}
	if method != http.MethodGet {
		ctx = context.WithValue(ctx, noRetryKey{}, true)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Client-ID", c.clientID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// leveledLogger routes retry chatter to the debug level.
type leveledLogger struct{}

func (leveledLogger) Error(msg string, kv ...any) { log.Debug(msg, kv...) }
func (leveledLogger) Info(msg string, kv ...any)  { log.Debug(msg, kv...) }
func (leveledLogger) Debug(msg string, kv ...any) { log.Debug(msg, kv...) }
func (leveledLogger) Warn(msg string, kv ...any)  { log.Debug(msg, kv...) }
