package compositor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// HTTPSpec describes an HTTP-backed mount.
type HTTPSpec struct {
	Endpoint string
	Headers  map[string]string
	// TokenSource, if set, supplies a bearer credential applied to every
	// request.
	TokenSource oauth2.TokenSource
	Timeout     time.Duration
}

// httpRetryPolicy is the SSE reconnect policy: initial 100ms, exponential,
// capped at 3s, 3 attempts.
var httpRetryPolicy = struct {
	initial    time.Duration
	cap        time.Duration
	maxAttempt int
}{initial: 100 * time.Millisecond, cap: 3 * time.Second, maxAttempt: 3}

// HTTPBackend implements Backend over a request/response HTTP endpoint
// plus a long-lived SSE stream for server-initiated notifications.
type HTTPBackend struct {
	spec   HTTPSpec
	logger *slog.Logger
	client *http.Client

	events chan NotificationEvent
	done   chan struct{}
	wg     sync.WaitGroup

	// sseDead is set once the SSE reconnect loop exhausts its retry
	// budget. This is not proactively propagated to the Mount Table; it
	// surfaces as BackendDied only on the *next* operation that consults
	// diedErr(), to avoid false positives from transient network glitches.
	sseDead atomic.Bool
}

// NewHTTPBackend constructs a backend bound to spec.
func NewHTTPBackend(spec HTTPSpec, logger *slog.Logger) *HTTPBackend {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := spec.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPBackend{
		spec:   spec,
		logger: logger.With("component", "http_backend", "endpoint", spec.Endpoint),
		client: &http.Client{Timeout: timeout},
		events: make(chan NotificationEvent, 256),
		done:   make(chan struct{}),
	}
}

// Start establishes readiness and begins the SSE listener. Unlike Stdio's
// Start, no network round-trip is required to "connect" an HTTP backend;
// initialize() is the first real request.
func (b *HTTPBackend) Start(ctx context.Context) error {
	if b.spec.Endpoint == "" {
		return fmt.Errorf("%w: http backend requires an endpoint", ErrInvalidName)
	}
	b.wg.Add(1)
	go b.sseLoop(ctx)
	return nil
}

func (b *HTTPBackend) diedErr() error {
	if b.sseDead.Load() {
		return fmt.Errorf("%w: sse stream exhausted retry budget", ErrBackendDied)
	}
	return nil
}

func (b *HTTPBackend) do(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := b.diedErr(); err != nil {
		return nil, err
	}

	req := struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      string          `json:"id"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params,omitempty"`
	}{JSONRPC: "2.0", ID: uuid.New().String(), Method: method}

	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = data
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.spec.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range b.spec.Headers {
		httpReq.Header.Set(k, v)
	}
	if b.spec.TokenSource != nil {
		tok, err := b.spec.TokenSource.Token()
		if err == nil {
			tok.SetAuthHeader(httpReq)
		}
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(msg))
	}

	var rpcResp httpRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		if rpcResp.Error.Code == ReservedGatewayErrorCode {
			// The gateway handles the remap; here we just pass the raw
			// error through as a normal backend error.
		}
		return nil, fmt.Errorf("backend error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

func (b *HTTPBackend) Initialize(ctx context.Context) (InitializeResult, error) {
	raw, err := b.do(ctx, methodInitialize, nil)
	if err != nil {
		return InitializeResult{}, fmt.Errorf("%w: %v", ErrBackendInitFailed, err)
	}
	var res InitializeResult
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &res); err != nil {
			return InitializeResult{}, fmt.Errorf("%w: decode initialize result: %v", ErrBackendInitFailed, err)
		}
	}
	return res, nil
}

func (b *HTTPBackend) ListTools(ctx context.Context) ([]Tool, error) {
	raw, err := b.do(ctx, methodListTools, nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Tools []Tool `json:"tools"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode list_tools: %w", err)
	}
	return out.Tools, nil
}

func (b *HTTPBackend) CallTool(ctx context.Context, name string, argumentsJSON json.RawMessage) (ToolResult, error) {
	raw, err := b.do(ctx, methodCallTool, callToolParams{Name: name, Arguments: argumentsJSON})
	if err != nil {
		return ToolResult{}, err
	}
	var res ToolResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return ToolResult{}, fmt.Errorf("decode call_tool result: %w", err)
	}
	return res, nil
}

func (b *HTTPBackend) ListResources(ctx context.Context) ([]Resource, error) {
	raw, err := b.do(ctx, methodListResources, nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Resources []Resource `json:"resources"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode list_resources: %w", err)
	}
	return out.Resources, nil
}

func (b *HTTPBackend) ReadResource(ctx context.Context, uri string) ([]ContentPart, error) {
	raw, err := b.do(ctx, methodReadResource, resourceURIParams{URI: uri})
	if err != nil {
		return nil, err
	}
	var out struct {
		Content []ContentPart `json:"content"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode read_resource: %w", err)
	}
	return out.Content, nil
}

func (b *HTTPBackend) Subscribe(ctx context.Context, uri string) error {
	_, err := b.do(ctx, methodSubscribe, resourceURIParams{URI: uri})
	return err
}

func (b *HTTPBackend) Unsubscribe(ctx context.Context, uri string) error {
	_, err := b.do(ctx, methodUnsubscribe, resourceURIParams{URI: uri})
	return err
}

func (b *HTTPBackend) SubscribeListChanges(ctx context.Context) error {
	_, err := b.do(ctx, methodSubscribeListChanges, nil)
	return err
}

func (b *HTTPBackend) UnsubscribeListChanges(ctx context.Context) error {
	_, err := b.do(ctx, methodUnsubscribeListChanges, nil)
	return err
}

func (b *HTTPBackend) Notifications() <-chan NotificationEvent { return b.events }

func (b *HTTPBackend) Shutdown(ctx context.Context) error {
	select {
	case <-b.done:
		return nil
	default:
	}
	close(b.done)
	b.wg.Wait()
	close(b.events)
	return nil
}

// sseLoop maintains the long-lived notification stream, reconnecting with
// the documented retry policy. Once maxAttempt consecutive failures are
// observed, it marks the backend dead and stops trying.
func (b *HTTPBackend) sseLoop(ctx context.Context) {
	defer b.wg.Done()

	sseURL := strings.TrimSuffix(b.spec.Endpoint, "/") + "/sse"
	backoff := httpRetryPolicy.initial
	attempts := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		default:
		}

		ok := b.connectSSE(ctx, sseURL)
		if ok {
			attempts = 0
			backoff = httpRetryPolicy.initial
			continue
		}

		attempts++
		if attempts >= httpRetryPolicy.maxAttempt {
			b.logger.Error("sse retry budget exhausted", "attempts", attempts)
			b.sseDead.Store(true)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > httpRetryPolicy.cap {
			backoff = httpRetryPolicy.cap
		}
	}
}

// connectSSE opens the stream and reads from it until it ends. Returns
// true whenever the stream connected with a 200 response, even if it then
// delivered nothing (i.e. the failure was not at connect time), so the
// caller can decide whether to reset the backoff.
func (b *HTTPBackend) connectSSE(ctx context.Context, sseURL string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sseURL, nil)
	if err != nil {
		return false
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	for k, v := range b.spec.Headers {
		req.Header.Set(k, v)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		b.logger.Debug("sse connect failed", "error", err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b.logger.Debug("sse non-200", "status", resp.StatusCode)
		return false
	}

	connected := true
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return connected
		case <-b.done:
			return connected
		default:
		}

		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		var notif rpcNotification
		if err := json.Unmarshal([]byte(data), &notif); err != nil || notif.Method == "" {
			continue
		}
		ev, ok := decodeNotification(notif)
		if !ok {
			continue
		}
		select {
		case b.events <- ev:
		default:
			b.logger.Warn("notification channel full, dropping")
		}
	}
	return connected
}
