// Package dispatch implements the HTTP client for the MemoVoz backend: it
// sends one transcript plus the conversation snapshot and receives the
// backend's classification of the exchange. The backend owns all domain
// logic (note classification, event creation, audio synthesis); this client
// only speaks its request/response contract.
package dispatch

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

	"github.com/memovoz/memovoz/internal/conversation"
)

const (
	messagePath      = "/assistant/message"
	conversationPath = "/notes/conversation"

	defaultTimeout = 30 * time.Second

	// maxResponseBytes caps how much of a response body is read. Synthesized
	// audio payloads dominate the size; 16 MiB covers well over a minute of
	// base64-encoded speech.
	maxResponseBytes = 16 << 20
)

// ErrBadResponse is returned (wrapped) when the backend answers with a
// non-success status or a semantically invalid body. The session controller
// treats any error from this package as a dispatch failure.
var ErrBadResponse = errors.New("dispatch: bad backend response")

// Client talks to the MemoVoz backend API. Safe for concurrent use.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client. Intended for tests
// and for callers that need custom transports.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithAPIKey sets a bearer token sent with every request. The backend
// accepts anonymous requests when no key is configured.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithTimeout sets the per-request timeout. Default: 30s.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// New creates a Client for the backend rooted at baseURL
// (e.g. "https://memo-backend-production.up.railway.app/api").
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("dispatch: baseURL must not be empty")
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// messageRequest is the wire shape of one dispatched exchange.
type messageRequest struct {
	Message             string                 `json:"message"`
	ConversationHistory []conversation.Message `json:"conversationHistory"`
}

// messageResponse is the wire shape of the backend's classification.
type messageResponse struct {
	Type            string `json:"type"`
	Response        string `json:"response"`
	AudioData       string `json:"audioData,omitempty"`
	AudioMimeType   string `json:"audioMimeType,omitempty"`
	ShouldOfferSave bool   `json:"shouldOfferSave,omitempty"`
}

// Send dispatches one user message together with the conversation history
// as of dispatch time and returns the backend's classification.
//
// A non-2xx status, malformed JSON, an unknown result type, or an empty
// response text for type "conversation" all yield an error wrapping
// [ErrBadResponse].
func (c *Client) Send(ctx context.Context, message string, history []conversation.Message) (Result, error) {
	if strings.TrimSpace(message) == "" {
		return Result{}, errors.New("dispatch: message must not be empty")
	}
	if history == nil {
		history = []conversation.Message{}
	}

	var resp messageResponse
	if err := c.postJSON(ctx, messagePath, messageRequest{
		Message:             message,
		ConversationHistory: history,
	}, &resp); err != nil {
		return Result{}, err
	}

	kind := Kind(resp.Type)
	if !kind.IsValid() {
		return Result{}, fmt.Errorf("%w: unknown result type %q", ErrBadResponse, resp.Type)
	}
	if kind == KindConversation && strings.TrimSpace(resp.Response) == "" {
		return Result{}, fmt.Errorf("%w: empty response text for conversation result", ErrBadResponse)
	}

	return Result{
		Kind:            kind,
		Response:        resp.Response,
		AudioData:       resp.AudioData,
		AudioMimeType:   resp.AudioMimeType,
		ShouldOfferSave: resp.ShouldOfferSave,
	}, nil
}

// exportedMessage is the generic shape drained conversations are persisted
// as. This mapping is the only persistence side effect the session
// controller initiates directly.
type exportedMessage struct {
	Sender string `json:"sender"`
	Text   string `json:"text"`
}

// saveRequest is the wire shape of a persisted conversation.
type saveRequest struct {
	Messages []exportedMessage `json:"messages"`
}

// SaveConversation sends drained messages to the backend's note-creation
// endpoint. An empty slice is rejected — the caller should not offer saving
// an empty conversation in the first place.
func (c *Client) SaveConversation(ctx context.Context, messages []conversation.Message) error {
	if len(messages) == 0 {
		return errors.New("dispatch: refusing to save an empty conversation")
	}

	req := saveRequest{Messages: make([]exportedMessage, len(messages))}
	for i, m := range messages {
		req.Messages[i] = exportedMessage{Sender: string(m.Role), Text: m.Text}
	}
	return c.postJSON(ctx, conversationPath, req, nil)
}

// Ping probes backend reachability for readiness checks. Any HTTP response
// counts as reachable; only transport failures are errors.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL, nil)
	if err != nil {
		return fmt.Errorf("dispatch: build ping request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch: ping: %w", err)
	}
	resp.Body.Close()
	return nil
}

// postJSON posts body as JSON to path and decodes the response into out
// when out is non-nil. Transport errors are returned as-is; protocol-level
// problems wrap [ErrBadResponse].
func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("dispatch: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("dispatch: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch: %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("dispatch: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s returned status %d", ErrBadResponse, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrBadResponse, path, err)
	}
	return nil
}
