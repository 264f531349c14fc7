// Package es 提供基于 Elasticsearch dense_vector 的向量库后端。
package es

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"lumina-iq/internal/config"
	"lumina-iq/internal/model"
	"lumina-iq/pkg/apperr"
	"lumina-iq/pkg/log"
	"lumina-iq/pkg/metrics"
)

const (
	fieldVector   = "vector"
	fieldRecordID = "record_id"
)

// Client 实现 repository.VectorStore。
type Client struct {
	es        *elasticsearch.Client
	index     string
	dim       int
	batchSize int
}

// NewClient 创建 Elasticsearch 客户端。
func NewClient(esCfg config.ElasticsearchConfig, dim, batchSize int) (*Client, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: strings.Split(esCfg.Addresses, ","),
		Username:  esCfg.Username,
		Password:  esCfg.Password,
	})
	if err != nil {
		return nil, err
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Client{es: client, index: esCfg.IndexName, dim: dim, batchSize: batchSize}, nil
}

func (c *Client) Name() string { return "elasticsearch" }

// document 是索引中的一条文档。
type document struct {
	RecordID   string    `json:"record_id"`
	FileHash   string    `json:"file_hash,omitempty"`
	FileName   string    `json:"filename,omitempty"`
	Page       int       `json:"page,omitempty"`
	ChunkIndex int       `json:"chunk_index"`
	Total      int       `json:"total_chunks,omitempty"`
	Text       string    `json:"text"`
	Vector     []float32 `json:"vector"`
}

// EnsureCollection 检查索引是否存在，如果不存在则创建它。
func (c *Client) EnsureCollection(ctx context.Context) error {
	const op = "es.EnsureCollection"
	res, err := c.es.Indices.Exists([]string{c.index}, c.es.Indices.Exists.WithContext(ctx))
	if err != nil {
		return apperr.Wrap(apperr.UpstreamUnavailable, op, err)
	}
	res.Body.Close()
	if res.StatusCode == http.StatusOK {
		log.Infof("[ES] 索引 '%s' 已存在", c.index)
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		return apperr.Wrap(statusKind(res.StatusCode), op, fmt.Errorf("检查索引是否存在时收到意外的状态码: %d", res.StatusCode))
	}

	mapping := map[string]any{
		"mappings": map[string]any{
			"properties": map[string]any{
				fieldRecordID:            map[string]any{"type": "keyword"},
				model.PayloadFileHash:    map[string]any{"type": "keyword"},
				model.PayloadFileName:    map[string]any{"type": "keyword"},
				model.PayloadPage:        map[string]any{"type": "integer"},
				model.PayloadChunkIndex:  map[string]any{"type": "integer"},
				model.PayloadTotalChunks: map[string]any{"type": "integer"},
				model.PayloadText:        map[string]any{"type": "text"},
				fieldVector: map[string]any{
					"type":       "dense_vector",
					"dims":       c.dim,
					"index":      true,
					"similarity": "cosine",
				},
			},
		},
	}
	body, _ := json.Marshal(mapping)
	res, err = c.es.Indices.Create(c.index, c.es.Indices.Create.WithBody(bytes.NewReader(body)), c.es.Indices.Create.WithContext(ctx))
	if err != nil {
		return apperr.Wrap(apperr.UpstreamUnavailable, op, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return apperr.Wrap(statusKind(res.StatusCode), op, fmt.Errorf("创建索引时 Elasticsearch 返回错误: %s", res.String()))
	}
	log.Infof("[ES] 索引 '%s' 创建成功", c.index)
	return nil
}

// Upsert 使用 bulk API 分批写入，文档 ID 即记录 ID，重复写入会覆盖。
func (c *Client) Upsert(ctx context.Context, records []model.VectorRecord) (err error) {
	const op = "es.Upsert"
	defer observe(time.Now(), &err)

	for start := 0; start < len(records); start += c.batchSize {
		end := start + c.batchSize
		if end > len(records) {
			end = len(records)
		}
		var buf bytes.Buffer
		for _, r := range records[start:end] {
			if r.ID == "" || len(r.Vector) == 0 {
				return apperr.New(apperr.Validation, op, "record id and vector are required")
			}
			if c.dim > 0 && len(r.Vector) != c.dim {
				return apperr.New(apperr.Validation, op, fmt.Sprintf("record %q dimension mismatch: expected=%d got=%d", r.ID, c.dim, len(r.Vector)))
			}
			meta, _ := json.Marshal(map[string]any{"index": map[string]any{"_index": c.index, "_id": r.ID}})
			doc, err := json.Marshal(toDocument(r))
			if err != nil {
				return apperr.Wrap(apperr.Internal, op, err)
			}
			buf.Write(meta)
			buf.WriteByte('\n')
			buf.Write(doc)
			buf.WriteByte('\n')
		}

		req := esapi.BulkRequest{Body: &buf, Refresh: "wait_for"}
		res, err := req.Do(ctx, c.es)
		if err != nil {
			return apperr.Wrap(apperr.UpstreamUnavailable, op, err)
		}
		var result struct {
			Errors bool `json:"errors"`
			Items  []map[string]struct {
				Status int `json:"status"`
				Error  any `json:"error"`
			} `json:"items"`
		}
		decodeErr := decode(res, &result)
		if decodeErr != nil {
			return apperr.Wrap(apperr.UpstreamError, op, decodeErr)
		}
		if result.Errors {
			for _, item := range result.Items {
				for _, v := range item {
					if v.Error != nil {
						return apperr.Wrap(apperr.UpstreamError, op, fmt.Errorf("bulk item failed: status=%d error=%v", v.Status, v.Error))
					}
				}
			}
		}
	}
	return nil
}

// Search 使用 kNN 检索。Elasticsearch 的余弦得分为 (1+cos)/2，这里换算回余弦值。
func (c *Client) Search(ctx context.Context, vector []float32, topK int, filter model.Filter, scoreThreshold float64) (hits []model.SearchHit, err error) {
	const op = "es.Search"
	defer observe(time.Now(), &err)

	if len(vector) == 0 {
		return nil, apperr.New(apperr.Validation, op, "query vector required")
	}
	if topK <= 0 {
		topK = 5
	}
	candidates := topK * 10
	if candidates < 100 {
		candidates = 100
	}
	knn := map[string]any{
		"field":          fieldVector,
		"query_vector":   vector,
		"k":              topK,
		"num_candidates": candidates,
	}
	if f := termFilters(filter); len(f) > 0 {
		knn["filter"] = map[string]any{"bool": map[string]any{"filter": f}}
	}
	body := map[string]any{
		"knn":     knn,
		"size":    topK,
		"_source": map[string]any{"excludes": []string{fieldVector}},
	}

	resp, err := c.search(ctx, body)
	if err != nil {
		return nil, apperr.Wrap(apperr.UpstreamUnavailable, op, err)
	}
	for _, h := range resp.Hits.Hits {
		hit := h.toHit()
		hit.Score = 2*h.Score - 1
		if scoreThreshold > 0 && hit.Score < scoreThreshold {
			continue
		}
		hits = append(hits, hit)
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	return hits, nil
}

// Delete 通过 delete_by_query 删除匹配的文档，空过滤条件会被拒绝。
func (c *Client) Delete(ctx context.Context, filter model.Filter) (err error) {
	const op = "es.Delete"
	defer observe(time.Now(), &err)

	f := termFilters(filter)
	if len(f) == 0 {
		return apperr.New(apperr.Validation, op, "refusing to delete without a filter")
	}
	body, _ := json.Marshal(map[string]any{"query": map[string]any{"bool": map[string]any{"filter": f}}})
	res, err := c.es.DeleteByQuery([]string{c.index}, bytes.NewReader(body),
		c.es.DeleteByQuery.WithContext(ctx),
		c.es.DeleteByQuery.WithRefresh(true),
	)
	if err != nil {
		return apperr.Wrap(apperr.UpstreamUnavailable, op, err)
	}
	if err := decode(res, nil); err != nil {
		return apperr.Wrap(apperr.UpstreamError, op, err)
	}
	return nil
}

// Scroll 按 record_id 排序并用 search_after 翻页，offset 为上一页最后一条的 record_id。
func (c *Client) Scroll(ctx context.Context, filter model.Filter, limit int, offset string) (hits []model.SearchHit, next string, err error) {
	const op = "es.Scroll"
	defer observe(time.Now(), &err)

	if limit <= 0 {
		limit = 100
	}
	query := map[string]any{"match_all": map[string]any{}}
	if f := termFilters(filter); len(f) > 0 {
		query = map[string]any{"bool": map[string]any{"filter": f}}
	}
	body := map[string]any{
		"query":   query,
		"size":    limit,
		"sort":    []any{map[string]any{fieldRecordID: "asc"}},
		"_source": map[string]any{"excludes": []string{fieldVector}},
	}
	if offset != "" {
		body["search_after"] = []string{offset}
	}

	resp, err := c.search(ctx, body)
	if err != nil {
		return nil, "", apperr.Wrap(apperr.UpstreamUnavailable, op, err)
	}
	for _, h := range resp.Hits.Hits {
		hits = append(hits, h.toHit())
	}
	if len(hits) == limit {
		next = hits[len(hits)-1].ID
	}
	return hits, next, nil
}

// Exists 判断是否存在匹配的文档。
func (c *Client) Exists(ctx context.Context, filter model.Filter) (bool, error) {
	hits, _, err := c.Scroll(ctx, filter, 1, "")
	if err != nil {
		return false, err
	}
	return len(hits) > 0, nil
}

// Ping 探测集群是否可达。
func (c *Client) Ping(ctx context.Context) error {
	res, err := c.es.Ping(c.es.Ping.WithContext(ctx))
	if err != nil {
		return apperr.Wrap(apperr.UpstreamUnavailable, "es.Ping", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return apperr.New(apperr.UpstreamUnavailable, "es.Ping", res.Status())
	}
	return nil
}

type searchResponse struct {
	Hits struct {
		Hits []searchHit `json:"hits"`
	} `json:"hits"`
}

type searchHit struct {
	ID     string         `json:"_id"`
	Score  float64        `json:"_score"`
	Source map[string]any `json:"_source"`
}

func (h searchHit) toHit() model.SearchHit {
	hit := model.SearchHit{ID: h.ID, Score: h.Score, Payload: h.Source}
	if hit.Payload == nil {
		hit.Payload = map[string]any{}
	}
	if text, ok := hit.Payload[model.PayloadText].(string); ok {
		hit.Text = text
	}
	if rid, ok := hit.Payload[fieldRecordID].(string); ok && rid != "" {
		hit.ID = rid
	}
	return hit
}

func (c *Client) search(ctx context.Context, body map[string]any) (*searchResponse, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	res, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(c.index),
		c.es.Search.WithBody(bytes.NewReader(raw)),
	)
	if err != nil {
		return nil, err
	}
	var out searchResponse
	if err := decode(res, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func decode(res *esapi.Response, out any) error {
	defer res.Body.Close()
	if res.IsError() {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		return &statusError{status: res.StatusCode, body: string(body)}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}

type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("elasticsearch returned status %d: %s", e.status, e.body)
}

func statusKind(status int) apperr.Kind {
	if status >= 500 || status == http.StatusTooManyRequests {
		return apperr.UpstreamUnavailable
	}
	return apperr.UpstreamError
}

func toDocument(r model.VectorRecord) document {
	d := document{RecordID: r.ID, Text: r.Text, Vector: r.Vector}
	if v, ok := r.Payload[model.PayloadFileHash].(string); ok {
		d.FileHash = v
	}
	if v, ok := r.Payload[model.PayloadFileName].(string); ok {
		d.FileName = v
	}
	d.Page = intValue(r.Payload[model.PayloadPage])
	d.ChunkIndex = intValue(r.Payload[model.PayloadChunkIndex])
	d.Total = intValue(r.Payload[model.PayloadTotalChunks])
	return d
}

func intValue(v any) int {
	switch x := v.(type) {
	case int:
		return x
	case int64:
		return int(x)
	case float64:
		return int(x)
	}
	return 0
}

func termFilters(filter model.Filter) []any {
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]any, 0, len(keys))
	for _, k := range keys {
		out = append(out, map[string]any{"term": map[string]any{k: filter[k]}})
	}
	return out
}

func observe(start time.Time, errp *error) {
	var err error
	if errp != nil {
		err = *errp
	}
	metrics.UpstreamCalls.WithLabelValues("elasticsearch", metrics.Outcome(err)).Inc()
	metrics.UpstreamDuration.WithLabelValues("elasticsearch").Observe(time.Since(start).Seconds())
}
