// Package qdrant 是 Qdrant REST API 的向量库客户端。
package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"lumina-iq/internal/config"
	"lumina-iq/internal/model"
	"lumina-iq/pkg/log"
	"lumina-iq/pkg/metrics"
)

const (
	payloadRecordIDKey = "record_id"
	maxErrorBodyBytes  = 1024
	defaultBatchSize   = 100
)

var pointIDNamespace = uuid.MustParse("6f3a2c1e-8d4b-4f7a-9c2e-1b5d7e9f0a3c")

// Client 实现 repository.VectorStore。
type Client struct {
	baseURL    string
	apiKey     string
	collection string
	dim        int
	batchSize  int
	http       *http.Client
}

type envelope struct {
	Result json.RawMessage `json:"result"`
	Status json.RawMessage `json:"status"`
	Time   float64         `json:"time"`
}

type point struct {
	ID      json.RawMessage `json:"id"`
	Score   float64         `json:"score"`
	Payload map[string]any  `json:"payload"`
}

// NewClient 创建客户端。dim 为向量维度，用于建集合与校验。
func NewClient(cfg config.QdrantConfig, dim, batchSize int) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		apiKey:     cfg.APIKey,
		collection: cfg.Collection,
		dim:        dim,
		batchSize:  batchSize,
		http:       &http.Client{Timeout: timeout},
	}
}

func (c *Client) Name() string { return "qdrant" }

// PointID 把任意记录 ID 映射为 Qdrant 接受的 UUID，已是 UUID 的原样返回。
func PointID(recordID string) string {
	if _, err := uuid.Parse(recordID); err == nil {
		return recordID
	}
	return uuid.NewSHA1(pointIDNamespace, []byte(recordID)).String()
}

func (c *Client) collectionPath(suffix string) string {
	return "/collections/" + c.collection + suffix
}

// EnsureCollection 集合不存在时按余弦距离创建，并确保 file_hash 上有 keyword 索引。
func (c *Client) EnsureCollection(ctx context.Context) error {
	const op = "ensure_collection"
	err := c.doJSON(ctx, op, http.MethodGet, c.collectionPath(""), nil, nil)
	if err != nil {
		if !isStatus(err, http.StatusNotFound) {
			return err
		}
		log.Infof("[Qdrant] 集合 '%s' 不存在，正在创建 (dim=%d, distance=Cosine)", c.collection, c.dim)
		req := map[string]any{
			"vectors": map[string]any{"size": c.dim, "distance": "Cosine"},
		}
		if err := c.doJSON(ctx, op, http.MethodPut, c.collectionPath(""), req, nil); err != nil {
			return err
		}
	}

	// 不建索引时按 file_hash 过滤会报错
	index := map[string]any{"field_name": model.PayloadFileHash, "field_schema": "keyword"}
	if err := c.doJSON(ctx, op, http.MethodPut, c.collectionPath("/index?wait=true"), index, nil); err != nil {
		return err
	}
	log.Infof("[Qdrant] 集合 '%s' 就绪", c.collection)
	return nil
}

// Upsert 分批写入记录，ID 由记录 ID 确定性地派生，重复写入会覆盖。
func (c *Client) Upsert(ctx context.Context, records []model.VectorRecord) error {
	const op = "upsert"
	for start := 0; start < len(records); start += c.batchSize {
		end := start + c.batchSize
		if end > len(records) {
			end = len(records)
		}
		points := make([]map[string]any, 0, end-start)
		for _, r := range records[start:end] {
			if strings.TrimSpace(r.ID) == "" {
				return opErr(op, OperationErrorValidation, "record id is required", nil)
			}
			if len(r.Vector) == 0 {
				return opErr(op, OperationErrorValidation, fmt.Sprintf("record %q has an empty vector", r.ID), nil)
			}
			if c.dim > 0 && len(r.Vector) != c.dim {
				return opErr(op, OperationErrorValidation, fmt.Sprintf("record %q dimension mismatch: expected=%d got=%d", r.ID, c.dim, len(r.Vector)), nil)
			}
			payload := make(map[string]any, len(r.Payload)+2)
			for k, v := range r.Payload {
				payload[k] = v
			}
			payload[model.PayloadText] = r.Text
			payload[payloadRecordIDKey] = r.ID
			points = append(points, map[string]any{
				"id":      PointID(r.ID),
				"vector":  r.Vector,
				"payload": payload,
			})
		}
		if err := c.doJSON(ctx, op, http.MethodPut, c.collectionPath("/points?wait=true"), map[string]any{"points": points}, nil); err != nil {
			return err
		}
	}
	return nil
}

// Search 返回按相似度降序排列的命中。
func (c *Client) Search(ctx context.Context, vector []float32, topK int, filter model.Filter, scoreThreshold float64) ([]model.SearchHit, error) {
	const op = "search"
	if len(vector) == 0 {
		return nil, opErr(op, OperationErrorValidation, "query vector required", nil)
	}
	if topK <= 0 {
		topK = 5
	}
	req := map[string]any{
		"vector":       vector,
		"limit":        topK,
		"with_payload": true,
		"with_vector":  false,
	}
	if f := translateFilter(filter); f != nil {
		req["filter"] = f
	}
	if scoreThreshold > 0 {
		req["score_threshold"] = scoreThreshold
	}

	var raw []point
	if err := c.doJSON(ctx, op, http.MethodPost, c.collectionPath("/points/search"), req, &raw); err != nil {
		return nil, err
	}
	hits := make([]model.SearchHit, 0, len(raw))
	for _, p := range raw {
		hits = append(hits, toHit(p))
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	return hits, nil
}

// Delete 删除匹配过滤条件的全部点。空过滤条件会被拒绝，避免清空集合。
func (c *Client) Delete(ctx context.Context, filter model.Filter) error {
	const op = "delete"
	f := translateFilter(filter)
	if f == nil {
		return opErr(op, OperationErrorValidation, "refusing to delete without a filter", nil)
	}
	return c.doJSON(ctx, op, http.MethodPost, c.collectionPath("/points/delete?wait=true"), map[string]any{"filter": f}, nil)
}

// Scroll 分页列出匹配的点。
func (c *Client) Scroll(ctx context.Context, filter model.Filter, limit int, offset string) ([]model.SearchHit, string, error) {
	const op = "scroll"
	if limit <= 0 {
		limit = 100
	}
	req := map[string]any{
		"limit":        limit,
		"with_payload": true,
		"with_vector":  false,
	}
	if f := translateFilter(filter); f != nil {
		req["filter"] = f
	}
	if offset != "" {
		req["offset"] = offset
	}

	var result struct {
		Points         []point         `json:"points"`
		NextPageOffset json.RawMessage `json:"next_page_offset"`
	}
	if err := c.doJSON(ctx, op, http.MethodPost, c.collectionPath("/points/scroll"), req, &result); err != nil {
		return nil, "", err
	}
	hits := make([]model.SearchHit, 0, len(result.Points))
	for _, p := range result.Points {
		hits = append(hits, toHit(p))
	}
	return hits, rawID(result.NextPageOffset), nil
}

// Exists 用 limit=1 的 scroll 判断是否存在匹配的点。
func (c *Client) Exists(ctx context.Context, filter model.Filter) (bool, error) {
	hits, _, err := c.Scroll(ctx, filter, 1, "")
	if err != nil {
		return false, err
	}
	return len(hits) > 0, nil
}

// Ping 调用 /readyz。
func (c *Client) Ping(ctx context.Context) error {
	const op = "ping"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/readyz", nil)
	if err != nil {
		return opErr(op, OperationErrorTransportFailed, "build ready request failed", err)
	}
	c.setHeaders(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return classifyHTTPCallError(op, "qdrant ready check failed", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return wrap(&OperationError{Code: OperationErrorQueryFailed, Operation: op, StatusCode: resp.StatusCode, Message: "qdrant is not ready"})
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}
}

func (c *Client) doJSON(ctx context.Context, op, method, path string, in any, out any) (err error) {
	start := time.Now()
	defer func() {
		metrics.UpstreamCalls.WithLabelValues("qdrant", metrics.Outcome(err)).Inc()
		metrics.UpstreamDuration.WithLabelValues("qdrant").Observe(time.Since(start).Seconds())
	}()

	var body io.Reader
	if in != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(in); err != nil {
			return opErr(op, OperationErrorEncodeFailed, "encode request failed", err)
		}
		body = &buf
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return opErr(op, OperationErrorTransportFailed, "build request failed", err)
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyHTTPCallError(op, "qdrant request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return classifyHTTPCallError(op, "read response failed", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return wrap(&OperationError{
			Code:       OperationErrorQueryFailed,
			Operation:  op,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("http status=%d body=%q", resp.StatusCode, truncate(raw)),
		})
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return opErr(op, OperationErrorDecodeFailed, "decode qdrant envelope failed", err)
	}
	if msg := envelopeError(env.Status); msg != "" {
		return wrap(&OperationError{Code: OperationErrorQueryFailed, Operation: op, StatusCode: resp.StatusCode, Message: msg})
	}
	if out == nil || len(env.Result) == 0 || string(env.Result) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return opErr(op, OperationErrorDecodeFailed, "decode qdrant result failed", err)
	}
	return nil
}

// translateFilter 把等值条件转换为 Qdrant 的 must 过滤。
func translateFilter(filter model.Filter) map[string]any {
	if len(filter) == 0 {
		return nil
	}
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	must := make([]map[string]any, 0, len(keys))
	for _, k := range keys {
		must = append(must, map[string]any{"key": k, "match": map[string]any{"value": filter[k]}})
	}
	return map[string]any{"must": must}
}

func toHit(p point) model.SearchHit {
	hit := model.SearchHit{ID: rawID(p.ID), Score: p.Score, Payload: p.Payload}
	if hit.Payload == nil {
		hit.Payload = map[string]any{}
	}
	if text, ok := hit.Payload[model.PayloadText].(string); ok {
		hit.Text = text
	}
	if rid, ok := hit.Payload[payloadRecordIDKey].(string); ok && rid != "" {
		hit.ID = rid
	}
	return hit
}

// rawID 把字符串或数字形式的点 ID 统一成字符串。
func rawID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

func envelopeError(status json.RawMessage) string {
	if len(status) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(status, &s); err == nil {
		if s == "ok" || s == "acknowledged" || s == "completed" {
			return ""
		}
		return s
	}
	var obj struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(status, &obj); err == nil && obj.Error != "" {
		return obj.Error
	}
	return ""
}

func isStatus(err error, code int) bool {
	var oe *OperationError
	return errors.As(err, &oe) && oe.StatusCode == code
}

func truncate(b []byte) string {
	if len(b) > maxErrorBodyBytes {
		return string(b[:maxErrorBodyBytes]) + "..."
	}
	return string(b)
}
