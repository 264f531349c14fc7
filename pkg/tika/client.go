// Package tika 提供了一个与 Apache Tika 服务器交互的客户端。
package tika

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"

	"lumina-iq/internal/config"
	"lumina-iq/internal/model"
	"lumina-iq/pkg/apperr"
	"lumina-iq/pkg/metrics"
)

// Client 是 Tika 服务器的客户端。
type Client struct {
	serverURL string
	client    *http.Client
}

// NewClient 创建一个新的 Tika 客户端实例。
func NewClient(cfg config.TikaConfig) *Client {
	return &Client{
		serverURL: strings.TrimRight(cfg.ServerURL, "/"),
		client:    &http.Client{Timeout: cfg.Timeout},
	}
}

// ExtractPages 以 XHTML 形式调用 /tika，按 <div class="page"> 切分出逐页文本。
// 页码从 1 开始，空白页不出现在结果中。
func (c *Client) ExtractPages(ctx context.Context, data []byte, fileName string) (pages []model.Page, err error) {
	const op = "tika.ExtractPages"
	defer observe(time.Now(), &err)

	resp, err := c.put(ctx, "/tika", "text/html", data, fileName)
	if err != nil {
		return nil, apperr.Wrap(apperr.UpstreamUnavailable, op, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, apperr.Wrap(statusKind(resp.StatusCode), op, err)
	}

	pages, err = ParsePages(resp.Body)
	if err != nil {
		return nil, apperr.Wrap(apperr.UpstreamError, op, fmt.Errorf("解析 Tika 响应失败: %w", err))
	}
	return pages, nil
}

// Metadata 调用 /meta 读取文档元信息。
func (c *Client) Metadata(ctx context.Context, data []byte, fileName string) (meta model.DocumentMetadata, err error) {
	const op = "tika.Metadata"
	defer observe(time.Now(), &err)

	resp, err := c.put(ctx, "/meta", "application/json", data, fileName)
	if err != nil {
		return meta, apperr.Wrap(apperr.UpstreamUnavailable, op, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return meta, apperr.Wrap(statusKind(resp.StatusCode), op, err)
	}

	var raw map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return meta, apperr.Wrap(apperr.UpstreamError, op, fmt.Errorf("解析 Tika 元信息失败: %w", err))
	}
	meta = MetadataFromTika(raw)
	meta.FileSize = int64(len(data))
	return meta, nil
}

// Ping 通过 /version 检查 Tika 是否可用。
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.serverURL+"/version", nil)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "tika.Ping", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.UpstreamUnavailable, "tika.Ping", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apperr.New(apperr.UpstreamUnavailable, "tika.Ping", resp.Status)
	}
	return nil
}

func (c *Client) put(ctx context.Context, path, accept string, data []byte, fileName string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.serverURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("Content-Type", detectMimeType(fileName))

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("调用 Tika 失败: %w", err)
	}
	return resp, nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return fmt.Errorf("Tika 返回错误 [%d]: %s", resp.StatusCode, string(body))
}

// 422 表示文档本身无法解析（加密、损坏），不是可重试的上游故障。
func statusKind(status int) apperr.Kind {
	switch {
	case status == http.StatusUnprocessableEntity || status == http.StatusUnsupportedMediaType:
		return apperr.Validation
	case status >= 500:
		return apperr.UpstreamUnavailable
	default:
		return apperr.UpstreamError
	}
}

// ParsePages 从 Tika 的 XHTML 输出中切出逐页文本。
// 没有 page 分隔时整个 body 视为第 1 页。
func ParsePages(r io.Reader) ([]model.Page, error) {
	z := html.NewTokenizer(r)

	var (
		pages    []model.Page
		current  strings.Builder
		body     strings.Builder
		inPage   bool
		depth    int
		pageNo   int
		sawPages bool
		skip     int
	)
	flush := func() {
		text := normalize(current.String())
		if text != "" {
			pages = append(pages, model.Page{Number: pageNo, Text: text})
		}
		current.Reset()
	}

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if z.Err() == io.EOF {
				if inPage {
					flush()
				}
				if !sawPages {
					if text := normalize(body.String()); text != "" {
						pages = append(pages, model.Page{Number: 1, Text: text})
					}
				}
				return pages, nil
			}
			return nil, z.Err()

		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			tag := string(name)
			switch tag {
			case "head", "script", "style":
				if tt == html.StartTagToken {
					skip++
				}
				continue
			case "div":
				if tt == html.SelfClosingTagToken {
					continue
				}
				if inPage {
					depth++
				} else if hasAttr && hasClass(z, "page") {
					sawPages = true
					inPage = true
					depth = 1
					pageNo++
					continue
				}
			}
			if isBlock(tag) {
				writeBreak(&current, &body, inPage)
			}

		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			switch tag {
			case "head", "script", "style":
				if skip > 0 {
					skip--
				}
				continue
			case "div":
				if inPage {
					depth--
					if depth == 0 {
						inPage = false
						flush()
						continue
					}
				}
			}
			if isBlock(tag) {
				writeBreak(&current, &body, inPage)
			}

		case html.TextToken:
			if skip > 0 {
				continue
			}
			text := string(z.Text())
			if inPage {
				current.WriteString(text)
			} else {
				body.WriteString(text)
			}
		}
	}
}

func hasClass(z *html.Tokenizer, class string) bool {
	for {
		key, val, more := z.TagAttr()
		if string(key) == "class" {
			for _, f := range strings.Fields(string(val)) {
				if f == class {
					return true
				}
			}
		}
		if !more {
			return false
		}
	}
}

func isBlock(tag string) bool {
	switch tag {
	case "p", "br", "div", "li", "tr", "h1", "h2", "h3", "h4", "h5", "h6":
		return true
	}
	return false
}

func writeBreak(current, body *strings.Builder, inPage bool) {
	if inPage {
		current.WriteByte('\n')
	} else {
		body.WriteByte('\n')
	}
}

// normalize 去掉每行首尾空白并合并多余空行。
func normalize(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, l)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// MetadataFromTika 把 Tika 的 Dublin Core / XMP 键映射为文档元信息。
func MetadataFromTika(raw map[string]any) model.DocumentMetadata {
	meta := model.DocumentMetadata{
		Title:            first(raw, "dc:title", "title", "pdf:docinfo:title"),
		Author:           first(raw, "dc:creator", "Author", "meta:author", "pdf:docinfo:creator"),
		Subject:          first(raw, "dc:subject", "subject", "pdf:docinfo:subject"),
		Creator:          first(raw, "xmp:CreatorTool", "pdf:docinfo:creator_tool"),
		Producer:         first(raw, "pdf:producer", "pdf:docinfo:producer", "producer"),
		CreationDate:     first(raw, "dcterms:created", "pdf:docinfo:created", "Creation-Date"),
		ModificationDate: first(raw, "dcterms:modified", "pdf:docinfo:modified", "Last-Modified"),
	}
	if n, err := strconv.Atoi(first(raw, "xmpTPg:NPages")); err == nil {
		meta.Pages = n
	}
	return meta
}

func first(raw map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := raw[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case []any:
			for _, item := range v {
				if s, ok := item.(string); ok && s != "" {
					return s
				}
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

// detectMimeType 根据文件扩展名判断 Content-Type
func detectMimeType(fileName string) string {
	ext := filepath.Ext(fileName)
	if ext == "" {
		return "application/pdf"
	}
	mimeType := mime.TypeByExtension(ext)
	if mimeType == "" {
		// fallback 默认
		return "application/octet-stream"
	}
	return mimeType
}

func observe(start time.Time, errp *error) {
	metrics.UpstreamCalls.WithLabelValues("tika", metrics.Outcome(*errp)).Inc()
	metrics.UpstreamDuration.WithLabelValues("tika").Observe(time.Since(start).Seconds())
}
