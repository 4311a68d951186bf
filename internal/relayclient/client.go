// Package relayclient is the Go SDK for talking to a relay server. It
// discovers the server through the candidate-port resolver, retries once
// through a fresh resolve when a cached address goes stale, and degrades to
// a clearly-labeled simulated response when no relay is running at all.
package relayclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/chatrelay/chatrelay/internal/discovery"
	"github.com/chatrelay/chatrelay/internal/logging"
	"github.com/chatrelay/chatrelay/internal/provider"
)

// Options configures the client.
type Options struct {
	// Timeout for non-streaming HTTP requests (default: 30s).
	Timeout time.Duration
	// DisableFallback turns off the simulated degraded mode; with it set,
	// calls fail with discovery.ErrNoServerFound instead.
	DisableFallback bool
}

// Client talks to a relay server found via discovery.
type Client struct {
	resolver *discovery.Resolver
	options  Options

	httpClient   *http.Client
	streamClient *http.Client // no timeout: SSE responses stay open
	fallback     *provider.Simulated
}

// StatusInfo mirrors the relay's /api/status response.
type StatusInfo struct {
	Success            bool   `json:"success"`
	Status             string `json:"status"`
	Port               int    `json:"port"`
	Clients            int    `json:"clients"`
	ActiveSessionCount int    `json:"activeSessionCount"`
	Timestamp          string `json:"timestamp"`
}

// ChatResult is the outcome of a chat exchange.
type ChatResult struct {
	Content   string
	ModelID   string
	Simulated bool // true when served by the degraded-mode fallback
}

// New creates a client around a resolver.
func New(resolver *discovery.Resolver, opts Options) *Client {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Client{
		resolver:     resolver,
		options:      opts,
		httpClient:   &http.Client{Timeout: opts.Timeout},
		streamClient: &http.Client{},
		fallback:     provider.NewSimulated(),
	}
}

// Resolver returns the underlying resolver.
func (c *Client) Resolver() *discovery.Resolver { return c.resolver }

// do performs fn against the resolved base URL. When a transport-level
// failure hits a cached address, the cache is invalidated and the call
// retried once through a fresh resolve; the relay may have restarted on
// another port. Application-level failures (a relay that answered with an
// error) are never retried.
func (c *Client) do(ctx context.Context, fn func(baseURL string) error) error {
	hadCache := c.resolver.Cached() != ""

	baseURL, err := c.resolver.ResolveBaseURL(ctx)
	if err != nil {
		return err
	}

	if err := fn(baseURL); err != nil {
		var urlErr *url.Error
		if !hadCache || !errors.As(err, &urlErr) {
			return err
		}
		logging.Debug().Err(err).Msg("request failed on cached address, re-resolving")
		c.resolver.Invalidate()

		baseURL, rerr := c.resolver.ResolveBaseURL(ctx)
		if rerr != nil {
			return rerr
		}
		return fn(baseURL)
	}
	return nil
}

// getJSON fetches path and decodes into out.
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	return c.do(ctx, func(baseURL string) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+path, nil)
		if err != nil {
			return err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%s returned %s", path, resp.Status)
		}
		return json.NewDecoder(resp.Body).Decode(out)
	})
}

// Status fetches the relay's /api/status.
func (c *Client) Status(ctx context.Context) (*StatusInfo, error) {
	var info StatusInfo
	if err := c.getJSON(ctx, "/api/status", &info); err != nil {
		if errors.Is(err, discovery.ErrNoServerFound) {
			return &StatusInfo{Status: "disconnected", Timestamp: time.Now().UTC().Format(time.RFC3339)}, nil
		}
		return nil, err
	}
	return &info, nil
}

// Models lists the relay's models, or the static catalog in degraded mode.
func (c *Client) Models(ctx context.Context) ([]provider.Model, error) {
	var body struct {
		Success bool             `json:"success"`
		Models  []provider.Model `json:"models"`
	}
	if err := c.getJSON(ctx, "/api/models", &body); err != nil {
		if c.degraded(err) {
			return provider.FallbackModels(), nil
		}
		return nil, err
	}
	return body.Models, nil
}

// Chat streams a completion, invoking onChunk for every content chunk in
// order. When no relay is found it streams the simulated fallback instead.
func (c *Client) Chat(ctx context.Context, messages []provider.Message, modelID string, onChunk func(chunk string)) (*ChatResult, error) {
	result := &ChatResult{ModelID: modelID}

	err := c.do(ctx, func(baseURL string) error {
		return c.streamChat(ctx, baseURL, messages, modelID, onChunk, result)
	})
	if err != nil {
		if c.degraded(err) {
			return c.simulatedChat(ctx, messages, modelID, onChunk)
		}
		return nil, err
	}
	return result, nil
}

// streamChat posts /api/chat and parses the SSE frame stream.
func (c *Client) streamChat(ctx context.Context, baseURL string, messages []provider.Message, modelID string, onChunk func(string), result *ChatResult) error {
	payload, err := json.Marshal(map[string]any{
		"messages": messages,
		"modelId":  modelID,
		"stream":   true,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("chat returned %s", resp.Status)
	}

	var content strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var frame struct {
			Content string `json:"content"`
			Done    bool   `json:"done"`
			Error   string `json:"error"`
		}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame); err != nil {
			return fmt.Errorf("malformed stream frame: %w", err)
		}

		if frame.Done {
			if frame.Error != "" {
				return errors.New(frame.Error)
			}
			result.Content = content.String()
			return nil
		}
		content.WriteString(frame.Content)
		if onChunk != nil {
			onChunk(frame.Content)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return io.ErrUnexpectedEOF
}

// ChatBlocking performs a non-streaming chat exchange.
func (c *Client) ChatBlocking(ctx context.Context, messages []provider.Message, modelID string) (*ChatResult, error) {
	result := &ChatResult{}

	err := c.do(ctx, func(baseURL string) error {
		payload, err := json.Marshal(map[string]any{
			"messages": messages,
			"modelId":  modelID,
			"stream":   false,
		})
		if err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/chat", bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		var body struct {
			Success bool   `json:"success"`
			Error   string `json:"error"`
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			ModelID string `json:"modelId"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return err
		}
		if !body.Success {
			return errors.New(body.Error)
		}
		result.Content = body.Message.Content
		result.ModelID = body.ModelID
		return nil
	})
	if err != nil {
		if c.degraded(err) {
			return c.simulatedChat(ctx, messages, modelID, nil)
		}
		return nil, err
	}
	return result, nil
}

// CancelSession asks the relay to cancel a session explicitly.
func (c *Client) CancelSession(ctx context.Context, sessionID string) error {
	return c.do(ctx, func(baseURL string) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			baseURL+"/api/sessions/"+sessionID+"/cancel", nil)
		if err != nil {
			return err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("cancel returned %s", resp.Status)
		}
		return nil
	})
}

// degraded reports whether err should route to the simulated fallback.
func (c *Client) degraded(err error) bool {
	return !c.options.DisableFallback && errors.Is(err, discovery.ErrNoServerFound)
}

// simulatedChat serves the degraded-mode response locally. The result keeps
// the caller's requested model ID so CLI output stays consistent with the
// connected path; only an unspecified model falls back to the simulated one.
func (c *Client) simulatedChat(ctx context.Context, messages []provider.Message, modelID string, onChunk func(string)) (*ChatResult, error) {
	logging.Warn().Msg("no relay found, serving simulated response")

	producer, err := c.fallback.Complete(ctx, &provider.Request{Messages: messages, ModelID: modelID})
	if err != nil {
		return nil, err
	}

	var content strings.Builder
	for {
		chunk, err := producer.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		content.WriteString(chunk)
		if onChunk != nil {
			onChunk(chunk)
		}
	}

	if modelID == "" {
		modelID = c.fallback.ID()
	}
	return &ChatResult{Content: content.String(), ModelID: modelID, Simulated: true}, nil
}
