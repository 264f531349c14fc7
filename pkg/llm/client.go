// Package llm provides a client for interacting with Large Language Models.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"lumina-iq/internal/config"
	"lumina-iq/pkg/apperr"
	"lumina-iq/pkg/breaker"
	"lumina-iq/pkg/log"
	"lumina-iq/pkg/metrics"
)

// MessageWriter defines an interface for writing WebSocket messages.
// This allows both a standard websocket.Conn and our interceptor to be used.
type MessageWriter interface {
	WriteMessage(messageType int, data []byte) error
}

// Client defines the interface for an LLM client.
type Client interface {
	// Complete 以非流式方式调用聊天接口并返回完整回答。
	Complete(ctx context.Context, messages []Message, gen *GenerationParams) (string, error)
	// StreamChatMessages 以 role-based 消息与可选生成参数调用聊天接口，并将流式分块写入 writer。
	StreamChatMessages(ctx context.Context, messages []Message, gen *GenerationParams, writer MessageWriter) error
	Model() string
}

type openAICompatibleClient struct {
	cfg     config.LLMConfig
	client  *http.Client
	limiter *rate.Limiter
	breaker *breaker.Breaker
}

// NewClient creates a new LLM client. br 可以为 nil，表示不做熔断。
func NewClient(cfg config.LLMConfig, br *breaker.Breaker) Client {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return &openAICompatibleClient{
		cfg:     cfg,
		client:  &http.Client{},
		limiter: limiter,
		breaker: br,
	}
}

// Message 表示一条角色消息
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
}

type chatStreamResponse struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

// GenerationParams 控制生成行为
type GenerationParams struct {
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

func (c *openAICompatibleClient) Model() string { return c.cfg.Model }

// Complete calls {base_url}/chat/completions without streaming.
func (c *openAICompatibleClient) Complete(ctx context.Context, messages []Message, gen *GenerationParams) (string, error) {
	const op = "llm.Complete"
	var answer string
	err := c.guard(func() (err error) {
		start := time.Now()
		defer observe(start, &err)

		ctx, cancel := c.withTimeout(ctx)
		defer cancel()

		resp, err := c.post(ctx, c.buildRequest(messages, gen, false))
		if err != nil {
			return apperr.Wrap(apperr.UpstreamUnavailable, op, err)
		}
		defer resp.Body.Close()
		if err := checkStatus(resp); err != nil {
			return apperr.Wrap(statusKind(resp.StatusCode), op, err)
		}

		var out chatResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return apperr.Wrap(apperr.UpstreamError, op, fmt.Errorf("failed to decode chat response: %w", err))
		}
		if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
			return apperr.New(apperr.UpstreamError, op, "language model returned an empty answer")
		}
		answer = out.Choices[0].Message.Content
		return nil
	})
	return answer, err
}

// StreamChatMessages 流式调用聊天接口；空回答同样视为上游错误。
func (c *openAICompatibleClient) StreamChatMessages(ctx context.Context, messages []Message, gen *GenerationParams, writer MessageWriter) error {
	const op = "llm.StreamChatMessages"
	return c.guard(func() (err error) {
		start := time.Now()
		defer observe(start, &err)

		ctx, cancel := c.withTimeout(ctx)
		defer cancel()

		resp, err := c.post(ctx, c.buildRequest(messages, gen, true))
		if err != nil {
			return apperr.Wrap(apperr.UpstreamUnavailable, op, err)
		}
		defer resp.Body.Close()
		if err := checkStatus(resp); err != nil {
			return apperr.Wrap(statusKind(resp.StatusCode), op, err)
		}

		written := 0
		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil && err != io.EOF {
				return apperr.Wrap(apperr.UpstreamUnavailable, op, fmt.Errorf("failed to read from stream: %w", err))
			}

			if strings.HasPrefix(line, "data: ") {
				data := strings.TrimSpace(strings.TrimPrefix(line, "data: "))
				if data == "[DONE]" {
					break
				}
				var chunk chatStreamResponse
				if jsonErr := json.Unmarshal([]byte(data), &chunk); jsonErr == nil && len(chunk.Choices) > 0 {
					content := chunk.Choices[0].Delta.Content
					if content != "" {
						written += len(content)
						if werr := writer.WriteMessage(websocket.TextMessage, []byte(content)); werr != nil {
							// 客户端断开不算上游故障
							return apperr.Wrap(apperr.Internal, op, fmt.Errorf("failed to write message to websocket: %w", werr))
						}
					}
				}
			}
			if err == io.EOF {
				break
			}
		}
		if written == 0 {
			return apperr.New(apperr.UpstreamError, op, "language model returned an empty answer")
		}
		return nil
	})
}

func (c *openAICompatibleClient) guard(fn func() error) error {
	if c.breaker == nil {
		return fn()
	}
	return c.breaker.Do(fn)
}

func (c *openAICompatibleClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.Timeout > 0 {
		return context.WithTimeout(ctx, c.cfg.Timeout)
	}
	return context.WithCancel(ctx)
}

func (c *openAICompatibleClient) buildRequest(messages []Message, gen *GenerationParams, stream bool) chatRequest {
	reqBody := chatRequest{
		Model:    c.cfg.Model,
		Messages: messages,
		Stream:   stream,
	}
	// 从配置或传参注入生成参数（传参优先生效）
	if gen != nil {
		reqBody.Temperature = gen.Temperature
		reqBody.TopP = gen.TopP
		reqBody.MaxTokens = gen.MaxTokens
		return reqBody
	}
	if c.cfg.Generation.Temperature != 0 {
		t := c.cfg.Generation.Temperature
		reqBody.Temperature = &t
	}
	if c.cfg.Generation.TopP != 0 {
		p := c.cfg.Generation.TopP
		reqBody.TopP = &p
	}
	if c.cfg.Generation.MaxTokens != 0 {
		m := c.cfg.Generation.MaxTokens
		reqBody.MaxTokens = &m
	}
	return reqBody
}

func (c *openAICompatibleClient) post(ctx context.Context, body chatRequest) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	reqBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(reqBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body.Stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	log.Infof("[LLMClient] 调用聊天接口, model: %s, messages: %d, stream: %t", body.Model, len(body.Messages), body.Stream)
	resp, err := c.client.Do(req)
	if err != nil {
		log.Errorf("[LLMClient] 调用聊天接口失败, error: %v", err)
		return nil, fmt.Errorf("failed to call chat api: %w", err)
	}
	return resp, nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return fmt.Errorf("chat api returned non-200 status: %s, body: %s", resp.Status, string(bodyBytes))
}

func statusKind(status int) apperr.Kind {
	if status == http.StatusTooManyRequests || status >= 500 {
		return apperr.UpstreamUnavailable
	}
	return apperr.UpstreamError
}

func observe(start time.Time, errp *error) {
	metrics.UpstreamCalls.WithLabelValues("llm", metrics.Outcome(*errp)).Inc()
	metrics.UpstreamDuration.WithLabelValues("llm").Observe(time.Since(start).Seconds())
}
