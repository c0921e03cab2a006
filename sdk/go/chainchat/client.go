// Package chainchat is a Go client for the ChainChat HTTP API.
package chainchat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"

	"ChainChat/pkg/envelope"
	"ChainChat/pkg/txflow"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
// Chat turns wait on the language model, so it is longer than a plain REST call.
const DefaultHTTPTimeout = 90 * time.Second

// Client wraps the HTTP interactions with the ChainChat REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

var _ txflow.Notifier = (*Client)(nil)

// Message is one chat history entry.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Messages []Message `json:"messages"`
	Account  *Account  `json:"account,omitempty"`
}

// Account identifies the connected wallet.
type Account struct {
	Address string `json:"address"`
}

// Receipt acknowledges an outcome report.
type Receipt struct {
	ReportID  string `json:"report_id,omitempty"`
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

// Dispatch is a stored chat turn.
type Dispatch struct {
	ID             string `json:"id"`
	Address        string `json:"address"`
	Prompt         string `json:"prompt"`
	Tool           string `json:"tool,omitempty"`
	Envelope       string `json:"envelope"`
	HasTransaction bool   `json:"has_transaction"`
	OutcomeCode    string `json:"outcome_code,omitempty"`
	TxHash         string `json:"tx_hash,omitempty"`
	OutcomeError   string `json:"outcome_error,omitempty"`
	CreatedAt      int64  `json:"created_at"`
	UpdatedAt      int64  `json:"updated_at"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("chainchat api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("chainchat api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the ChainChat API. When httpClient is
// nil a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q: scheme and host are required", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Chat sends the conversation and returns the assistant's envelope.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (envelope.Envelope, error) {
	var reply envelope.Reply
	if err := c.post(ctx, "/api/chat", req, &reply); err != nil {
		return envelope.Envelope{}, err
	}
	return reply.Messages, nil
}

// ReportOutcome posts a terminal transaction outcome for a message.
func (c *Client) ReportOutcome(ctx context.Context, outcome txflow.Outcome) (Receipt, error) {
	var receipt Receipt
	if err := c.post(ctx, "/api/v1/outcomes", outcome, &receipt); err != nil {
		return Receipt{}, err
	}
	return receipt, nil
}

// Notify lets the client act as the state machine's outcome notifier.
func (c *Client) Notify(ctx context.Context, outcome txflow.Outcome) error {
	_, err := c.ReportOutcome(ctx, outcome)
	return err
}

// GetDispatch fetches a stored chat turn by id.
func (c *Client) GetDispatch(ctx context.Context, id string) (Dispatch, error) {
	var d Dispatch
	if err := c.get(ctx, "/api/v1/dispatches/"+url.PathEscape(id), nil, &d); err != nil {
		return Dispatch{}, err
	}
	return d, nil
}

// ListDispatches returns the most recent chat turns.
func (c *Client) ListDispatches(ctx context.Context, limit int) ([]Dispatch, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var list []Dispatch
	if err := c.get(ctx, "/api/v1/dispatches", query, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	if len(query) > 0 {
		rel.RawQuery = query.Encode()
	}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// IsRateLimited reports whether err is a 429 answer from the server.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests
}
