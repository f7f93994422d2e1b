package runtime

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"agent-relay/internal/domain"
)

// InvokeInput is the request to one agent turn. An empty SessionID starts a
// new session; Snapshot carries the restored working-directory contents when
// resuming.
type InvokeInput struct {
	SessionID string
	Message   string
	Snapshot  domain.WorkspaceSnapshot
}

// InvokeResult is the runtime's reply. SessionID is always set on success,
// including for new sessions, where the runtime assigns it. Snapshot is the
// updated working state to persist.
type InvokeResult struct {
	Response    string
	SessionID   string
	Snapshot    domain.WorkspaceSnapshot
	CostUSD     float64
	NumTurns    int
	IsError     bool
	ErrorDetail string
}

// invokeRequest is the wire shape sent to the runtime. Workspace members are
// base64 encoded.
type invokeRequest struct {
	SessionID   string            `json:"session_id,omitempty"`
	MessageText string            `json:"message_text"`
	Workspace   map[string]string `json:"workspace,omitempty"`
}

type invokeResponse struct {
	ResponseText string            `json:"response_text"`
	SessionID    string            `json:"session_id"`
	Workspace    map[string]string `json:"workspace,omitempty"`
	CostUSD      float64           `json:"cost_usd"`
	NumTurns     int               `json:"num_turns"`
	IsError      bool              `json:"is_error"`
	ErrorDetail  string            `json:"error_detail,omitempty"`
}

// tokenPayload is the expected JSON shape stored in SSM for the auth token.
type tokenPayload struct {
	Token string `json:"token"`
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("runtime: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client invokes the external agent runtime over HTTP. The runtime is opaque
// beyond this contract; an invocation may take tens of seconds, so the
// client timeout is generous and must stay below the queue's visibility
// window.
type Client struct {
	endpoint    string
	httpClient  *http.Client
	getter      Getter
	paramPrefix string

	tokenOnce sync.Once
	authToken string
	tokenErr  error
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a runtime Client for the given endpoint. The bearer
// token is fetched from SSM on the first invocation and reused for the
// lifetime of the process.
func NewClient(endpoint string, ps Getter, paramPrefix string, opts ...Option) (*Client, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("runtime: endpoint must not be empty")
	}
	if ps == nil {
		return nil, errors.New("runtime: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("runtime: parameter prefix must not be empty")
	}
	c := &Client{
		endpoint:    endpoint,
		httpClient:  &http.Client{Timeout: 600 * time.Second},
		getter:      ps,
		paramPrefix: paramPrefix,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) resolveToken(ctx context.Context) (string, error) {
	c.tokenOnce.Do(func() {
		raw, err := c.getter.GetParameter(ctx, c.paramPrefix+"/runtime-auth-token")
		if err != nil {
			c.tokenErr = fmt.Errorf("runtime: fetch auth token: %w", err)
			return
		}
		var tp tokenPayload
		if err := json.Unmarshal([]byte(raw), &tp); err != nil {
			c.tokenErr = fmt.Errorf("runtime: unmarshal auth token value as JSON: %w", err)
			return
		}
		if tp.Token == "" {
			c.tokenErr = errors.New("runtime: auth token is empty")
			return
		}
		c.authToken = tp.Token
	})
	return c.authToken, c.tokenErr
}

// Invoke runs one agent turn.
func (c *Client) Invoke(ctx context.Context, in InvokeInput) (InvokeResult, error) {
	if strings.TrimSpace(in.Message) == "" {
		return InvokeResult{}, errors.New("runtime: message must not be empty")
	}

	token, err := c.resolveToken(ctx)
	if err != nil {
		return InvokeResult{}, err
	}

	body, err := json.Marshal(invokeRequest{
		SessionID:   in.SessionID,
		MessageText: in.Message,
		Workspace:   encodeWorkspace(in.Snapshot),
	})
	if err != nil {
		return InvokeResult{}, fmt.Errorf("runtime: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return InvokeResult{}, fmt.Errorf("runtime: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return InvokeResult{}, fmt.Errorf("runtime: request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return InvokeResult{}, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        c.endpoint,
			Body:       string(buf),
		}
	}

	raw, err := io.ReadAll(io.LimitReader(res.Body, 64<<20))
	if err != nil {
		return InvokeResult{}, fmt.Errorf("runtime: read response body: %w", err)
	}

	var payload invokeResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return InvokeResult{}, fmt.Errorf("runtime: decode response: %w", err)
	}

	snapshot, err := decodeWorkspace(payload.Workspace)
	if err != nil {
		return InvokeResult{}, fmt.Errorf("runtime: decode workspace: %w", err)
	}

	return InvokeResult{
		Response:    payload.ResponseText,
		SessionID:   payload.SessionID,
		Snapshot:    snapshot,
		CostUSD:     payload.CostUSD,
		NumTurns:    payload.NumTurns,
		IsError:     payload.IsError,
		ErrorDetail: payload.ErrorDetail,
	}, nil
}

func encodeWorkspace(snapshot domain.WorkspaceSnapshot) map[string]string {
	if len(snapshot) == 0 {
		return nil
	}
	out := make(map[string]string, len(snapshot))
	for member, data := range snapshot {
		out[member] = base64.StdEncoding.EncodeToString(data)
	}
	return out
}

func decodeWorkspace(encoded map[string]string) (domain.WorkspaceSnapshot, error) {
	if len(encoded) == 0 {
		return nil, nil
	}
	out := make(domain.WorkspaceSnapshot, len(encoded))
	for member, data := range encoded {
		decoded, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			return nil, fmt.Errorf("member %s: %w", member, err)
		}
		out[member] = decoded
	}
	return out, nil
}
