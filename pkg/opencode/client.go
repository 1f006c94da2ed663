package opencode

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ralphd/ralphd/internal/common/logger"
)

// Client manages HTTP communication with an opencode agent server.
// A single client serves one server instance; event streams opened
// through it are cancelled when the client is closed.
type Client struct {
	baseURL    string
	directory  string
	password   string
	httpClient *http.Client
	logger     *logger.Logger

	mu      sync.Mutex
	streams map[int]context.CancelFunc
	nextID  int
	closed  bool
}

// NewClient creates a new agent server client. directory is the workspace
// path the server was started in; every request carries it so the server
// resolves files against the right tree.
func NewClient(baseURL, directory, password string, log *logger.Logger) *Client {
	return &Client{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		directory: directory,
		password:  password,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:  log,
		streams: make(map[int]context.CancelFunc),
	}
}

// GenerateServerPassword generates a cryptographically secure random password
func GenerateServerPassword() string {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to a timestamp-based string if random fails
		return fmt.Sprintf("opencode-%d", time.Now().UnixNano())
	}
	return base64.RawURLEncoding.EncodeToString(bytes)
}

// buildAuthHeader creates the Basic auth header value
func (c *Client) buildAuthHeader() string {
	credentials := base64.StdEncoding.EncodeToString([]byte("opencode:" + c.password))
	return "Basic " + credentials
}

// doRequest performs an HTTP request with auth headers
func (c *Client) doRequest(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	url := c.baseURL + path
	if strings.Contains(path, "?") {
		url += "&directory=" + c.directory
	} else {
		url += "?directory=" + c.directory
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", c.buildAuthHeader())
	req.Header.Set("X-OpenCode-Directory", c.directory)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

// doPromptRequest performs an HTTP request with a longer timeout suitable for
// prompts. Prompts can take minutes to complete, so this uses a 60-minute
// timeout instead of the default client.
func (c *Client) doPromptRequest(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	url := c.baseURL + path
	if strings.Contains(path, "?") {
		url += "&directory=" + c.directory
	} else {
		url += "?directory=" + c.directory
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", c.buildAuthHeader())
	req.Header.Set("X-OpenCode-Directory", c.directory)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	promptClient := &http.Client{
		Timeout: 60 * time.Minute,
	}
	return promptClient.Do(req)
}

// Health probes GET /global/health once and returns the parsed response.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/global/health", nil)
	if err != nil {
		return nil, fmt.Errorf("health request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read health response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("health check HTTP %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var health HealthResponse
	if err := json.Unmarshal(bodyBytes, &health); err != nil {
		return nil, fmt.Errorf("parse health response (got: %q): %w", string(bodyBytes), err)
	}

	return &health, nil
}

// WaitForHealth polls the health endpoint until the server reports healthy.
// Server startup normally takes a few seconds; 20 is the budget before
// giving up.
func (c *Client) WaitForHealth(ctx context.Context) error {
	deadline := time.Now().Add(20 * time.Second)
	var lastErr error

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		health, err := c.Health(ctx)
		if err != nil {
			lastErr = err
			c.logger.Debug("health check failed", zap.Error(err))
			time.Sleep(150 * time.Millisecond)
			continue
		}

		if health.Healthy {
			c.logger.Info("agent server healthy", zap.String("version", health.Version))
			return nil
		}

		lastErr = fmt.Errorf("server unhealthy (version %s)", health.Version)
		time.Sleep(150 * time.Millisecond)
	}

	if lastErr != nil {
		return fmt.Errorf("health check timeout: %w", lastErr)
	}
	return fmt.Errorf("health check timeout")
}

// CreateSession creates a new session on the agent server.
func (c *Client) CreateSession(ctx context.Context, title string) (string, error) {
	body, err := json.Marshal(sessionCreateRequest{Title: title})
	if err != nil {
		return "", fmt.Errorf("marshal session request: %w", err)
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/session", strings.NewReader(string(body)))
	if err != nil {
		return "", fmt.Errorf("create session request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("create session failed: HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	var session SessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return "", fmt.Errorf("parse session response: %w", err)
	}

	return session.ID, nil
}

// chatResponseBody covers both bodies POST /session/{id}/message can return:
// success is {info, parts}, failure is {name, data:{message}}.
type chatResponseBody struct {
	Info  *MessageInfo `json:"info"`
	Parts []Part       `json:"parts"`
	Name  string       `json:"name"`
	Data  *struct {
		Message string `json:"message,omitempty"`
	} `json:"data"`
}

// Chat submits a prompt to a session and blocks until the agent has finished
// responding. The returned parts are the assistant message's final parts;
// incremental text arrives separately on the event stream.
func (c *Client) Chat(ctx context.Context, sessionID, prompt string) (*ChatResponse, error) {
	req := PromptRequest{
		Parts: []TextPartInput{
			{Type: "text", Text: prompt},
		},
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal prompt request: %w", err)
	}

	path := fmt.Sprintf("/session/%s/message", sessionID)
	resp, err := c.doPromptRequest(ctx, http.MethodPost, path, strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("send prompt request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read prompt response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("prompt failed: HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	trimmed := strings.TrimSpace(string(respBody))
	if trimmed == "" {
		return nil, fmt.Errorf("prompt returned empty response")
	}

	var parsed chatResponseBody
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		return nil, fmt.Errorf("parse prompt response: %w", err)
	}

	if parsed.Name != "" {
		message := "unknown error"
		if parsed.Data != nil && parsed.Data.Message != "" {
			message = parsed.Data.Message
		}
		return nil, fmt.Errorf("prompt error: %s: %s", parsed.Name, message)
	}

	if parsed.Info == nil {
		return nil, fmt.Errorf("prompt response missing message info")
	}

	return &ChatResponse{Info: *parsed.Info, Parts: parsed.Parts}, nil
}

// Abort sends an abort request to stop the current operation
func (c *Client) Abort(ctx context.Context, sessionID string) error {
	path := fmt.Sprintf("/session/%s/abort", sessionID)

	// Use a short timeout for abort
	abortCtx, cancel := context.WithTimeout(ctx, 800*time.Millisecond)
	defer cancel()

	resp, err := c.doRequest(abortCtx, http.MethodPost, path, nil)
	if err != nil {
		return nil // Ignore abort errors
	}
	defer func() { _ = resp.Body.Close() }()

	// Drain body
	_, _ = io.ReadAll(resp.Body)
	return nil
}

// ReplyPermission sends a permission reply
func (c *Client) ReplyPermission(ctx context.Context, requestID, reply string, message *string) error {
	payload := PermissionReplyRequest{
		Reply: reply,
	}
	if message != nil {
		payload.Message = *message
	} else if reply == PermissionReplyReject {
		payload.Message = "Request denied"
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal permission reply: %w", err)
	}

	path := fmt.Sprintf("/permission/%s/reply", requestID)
	resp, err := c.doRequest(ctx, http.MethodPost, path, strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("permission reply request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Drain body
	_, _ = io.ReadAll(resp.Body)
	return nil
}

// Events connects to the server's /event stream and delivers every event on
// the returned channel until the stream ends or ctx is cancelled, at which
// point the channel is closed. The stream is server-wide: callers that care
// about a single session filter with MatchesSession.
func (c *Client) Events(ctx context.Context) (<-chan *SDKEventEnvelope, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("client closed")
	}
	c.mu.Unlock()

	url := c.baseURL + "/event?directory=" + c.directory

	streamCtx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create event stream request: %w", err)
	}

	req.Header.Set("Authorization", c.buildAuthHeader())
	req.Header.Set("X-OpenCode-Directory", c.directory)
	req.Header.Set("Accept", "text/event-stream")

	// SSE connections stay open indefinitely, so no client timeout here.
	sseClient := &http.Client{}
	resp, err := sseClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("connect event stream: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("event stream failed: HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	id := c.trackStream(cancel)
	ch := make(chan *SDKEventEnvelope, 64)

	go c.readEvents(streamCtx, id, resp.Body, ch)

	return ch, nil
}

func (c *Client) trackStream(cancel context.CancelFunc) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.streams[id] = cancel
	return id
}

func (c *Client) untrackStream(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cancel, ok := c.streams[id]; ok {
		cancel()
		delete(c.streams, id)
	}
}

// readEvents parses the SSE wire format: "data: " lines accumulate until a
// blank line terminates the event.
func (c *Client) readEvents(ctx context.Context, id int, body io.ReadCloser, ch chan<- *SDKEventEnvelope) {
	defer func() {
		_ = body.Close()
		c.untrackStream(id)
		close(ch)
		c.logger.Debug("event stream ended")
	}()

	scanner := bufio.NewScanner(body)
	// Increase buffer size for potentially large events
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	var dataBuffer strings.Builder

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Text()

		// SSE format: "data: {...}"
		if strings.HasPrefix(line, "data: ") {
			dataBuffer.WriteString(strings.TrimPrefix(line, "data: "))
			continue
		}

		// Empty line signals end of event
		if line == "" && dataBuffer.Len() > 0 {
			data := strings.TrimSpace(dataBuffer.String())
			dataBuffer.Reset()

			if data == "" {
				continue
			}

			event, err := ParseSDKEvent([]byte(data))
			if err != nil {
				c.logger.Warn("failed to parse agent event", zap.Error(err))
				continue
			}

			select {
			case ch <- event:
			case <-ctx.Done():
				return
			}
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		c.logger.Error("event stream error", zap.Error(err))
	}
}

// Close cancels every open event stream. In-flight REST requests are not
// interrupted; their own contexts govern them.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true

	for id, cancel := range c.streams {
		cancel()
		delete(c.streams, id)
	}
}
