package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/chartreuse/sentry-agent/internal/httpkit"
)

// retryableStatus is the set of HTTP status codes worth a retry for the
// remote API tier — transient server-side or rate-limit conditions,
// never a 4xx that indicates a bad request.
var retryableStatus = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// retryDelays is the escalating wait between attempts on a retryable
// status; httpkit.WithRetry's fixed-delay retry doesn't distinguish by
// status code, so the remote client retries explicitly in Chat/ChatStream.
var retryDelays = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

// RemoteClient talks to any OpenAI-compatible chat-completions
// endpoint — this is the API tier's provider, reached when the router
// escalates past the local tiers.
type RemoteClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewRemoteClient builds a client for an OpenAI-compatible API. baseURL
// should not include the /chat/completions suffix.
func NewRemoteClient(baseURL, apiKey string, logger *slog.Logger) *RemoteClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &RemoteClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		logger:  logger.With("provider", "remote"),
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(2*time.Minute),
			httpkit.WithLogger(logger),
		),
	}
}

type remoteMessage struct {
	Role       string          `json:"role"`
	Content    string          `json:"content,omitempty"`
	ToolCalls  []remoteToolRef `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

type remoteToolRef struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type remoteRequest struct {
	Model    string           `json:"model"`
	Messages []remoteMessage  `json:"messages"`
	Stream   bool             `json:"stream"`
	Tools    []map[string]any `json:"tools,omitempty"`
}

type remoteResponse struct {
	Choices []struct {
		Message remoteMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func toRemoteMessages(messages []Message) []remoteMessage {
	out := make([]remoteMessage, len(messages))
	for i, m := range messages {
		out[i] = remoteMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
	}
	return out
}

// Chat sends a non-streaming chat completion request, retrying on a
// retryable status with the escalating delay schedule.
func (c *RemoteClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	reqBody := remoteRequest{Model: model, Messages: toRemoteMessages(messages), Tools: tools}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		resp, err := c.doRequest(ctx, body)
		if err == nil {
			defer resp.Body.Close()
			if !retryableStatus[resp.StatusCode] {
				return c.decode(resp)
			}
			lastErr = fmt.Errorf("API error %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 2048))
		} else {
			lastErr = err
		}

		if attempt >= len(retryDelays) {
			return nil, lastErr
		}
		c.logger.Warn("retrying remote request", "attempt", attempt+1, "error", lastErr)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryDelays[attempt]):
		}
	}
}

// ChatStream has no incremental-token support for the remote provider
// in this runtime — it falls back to Chat and delivers the whole
// response through a single callback invocation, matching the
// teacher's own streaming-optional Client contract.
func (c *RemoteClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	resp, err := c.Chat(ctx, model, messages, tools)
	if err != nil {
		return nil, err
	}
	if callback != nil && resp.Message.Content != "" {
		callback(resp.Message.Content)
	}
	return resp, nil
}

func (c *RemoteClient) doRequest(ctx context.Context, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return c.httpClient.Do(httpReq)
}

func (c *RemoteClient) decode(resp *http.Response) (*ChatResponse, error) {
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 2048))
	}
	var wire remoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(wire.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}
	msg := wire.Choices[0].Message
	return &ChatResponse{
		CreatedAt:    time.Now(),
		Message:      Message{Role: msg.Role, Content: msg.Content},
		Done:         true,
		InputTokens:  wire.Usage.PromptTokens,
		OutputTokens: wire.Usage.CompletionTokens,
	}, nil
}

// Ping verifies the remote endpoint is reachable by listing models.
func (c *RemoteClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error %d", resp.StatusCode)
	}
	return nil
}
