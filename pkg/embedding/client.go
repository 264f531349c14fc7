// Package embedding provides a client for OpenAI-compatible embedding APIs.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"golang.org/x/time/rate"

	"lumina-iq/internal/config"
	"lumina-iq/pkg/apperr"
	"lumina-iq/pkg/log"
	"lumina-iq/pkg/metrics"
)

// Client defines the interface for an embedding client.
type Client interface {
	// CreateEmbeddings returns one vector per input, in input order.
	CreateEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
}

type openAICompatibleClient struct {
	cfg     config.EmbeddingConfig
	client  *http.Client
	limiter *rate.Limiter
}

// NewClient creates a new embedding client from config.
func NewClient(cfg config.EmbeddingConfig) Client {
	return newClient(cfg, &http.Client{})
}

func newClient(cfg config.EmbeddingConfig, hc *http.Client) *openAICompatibleClient {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return &openAICompatibleClient{cfg: cfg, client: hc, limiter: limiter}
}

type embeddingRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (c *openAICompatibleClient) Model() string { return c.cfg.Model }

// CreateEmbeddings calls {base_url}/embeddings once for the whole slice.
func (c *openAICompatibleClient) CreateEmbeddings(ctx context.Context, texts []string) (vectors [][]float32, err error) {
	const op = "embedding.CreateEmbeddings"
	if len(texts) == 0 {
		return nil, nil
	}

	start := time.Now()
	defer func() {
		metrics.UpstreamCalls.WithLabelValues("embedding", metrics.Outcome(err)).Inc()
		metrics.UpstreamDuration.WithLabelValues("embedding").Observe(time.Since(start).Seconds())
	}()

	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, apperr.Wrap(apperr.UpstreamUnavailable, op, err)
	}

	log.Infof("[EmbeddingClient] 开始调用 Embedding API, model: %s, batch: %d", c.cfg.Model, len(texts))
	reqBytes, err := json.Marshal(embeddingRequest{
		Model:      c.cfg.Model,
		Input:      texts,
		Dimensions: c.cfg.Dimensions,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, op, fmt.Errorf("failed to marshal embedding request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/embeddings", bytes.NewReader(reqBytes))
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, op, fmt.Errorf("failed to create embedding request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		log.Errorf("[EmbeddingClient] 调用 Embedding API 失败, error: %v", err)
		return nil, apperr.Wrap(apperr.UpstreamUnavailable, op, fmt.Errorf("failed to call embedding api: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		log.Errorf("[EmbeddingClient] Embedding API 返回非 200 状态码: %s", resp.Status)
		kind := apperr.UpstreamError
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			kind = apperr.UpstreamUnavailable
		}
		return nil, apperr.Wrap(kind, op, fmt.Errorf("embedding api returned %s: %s", resp.Status, string(body)))
	}

	var embeddingResp embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&embeddingResp); err != nil {
		log.Errorf("[EmbeddingClient] 解析 Embedding API 响应失败, error: %v", err)
		return nil, apperr.Wrap(apperr.UpstreamError, op, fmt.Errorf("failed to decode embedding response: %w", err))
	}
	if len(embeddingResp.Data) != len(texts) {
		return nil, apperr.Wrap(apperr.UpstreamError, op, fmt.Errorf("embedding api returned %d vectors for %d inputs", len(embeddingResp.Data), len(texts)))
	}

	sort.SliceStable(embeddingResp.Data, func(i, j int) bool {
		return embeddingResp.Data[i].Index < embeddingResp.Data[j].Index
	})
	vectors = make([][]float32, len(texts))
	for i, d := range embeddingResp.Data {
		if len(d.Embedding) == 0 {
			return nil, apperr.Wrap(apperr.UpstreamError, op, fmt.Errorf("received empty embedding at index %d", i))
		}
		vectors[i] = d.Embedding
	}

	log.Infof("[EmbeddingClient] 成功获取向量, 数量: %d, 维度: %d", len(vectors), len(vectors[0]))
	return vectors, nil
}
