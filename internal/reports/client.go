// Package reports reads the authoritative job list from the report server.
package reports

import (
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

	"reportpulse/internal/model"
	logx "reportpulse/pkg/logx"
)

const DefaultPath = "/request"

// ErrStatus wraps non-2xx responses.
var ErrStatus = errors.New("report server returned an error status")

type Config struct {
	BaseURL    string
	Path       string
	Timeout    time.Duration
	Headers    map[string]string
	HTTPClient *http.Client
	// MaxBodyBytes caps how much of the list response is read.
	MaxBodyBytes int64
}

type Client struct {
	url     string
	headers map[string]string
	http    *http.Client
	max     int64
	log     logx.Logger
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return nil, errors.New("reports: base url is required")
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("reports: base url: %w", err)
	}
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = DefaultPath
	}
	ref, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("reports: path: %w", err)
	}
	target := u.JoinPath(ref.Path)
	if ref.RawQuery != "" {
		target.RawQuery = ref.RawQuery
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}
	max := cfg.MaxBodyBytes
	if max <= 0 {
		max = 8 << 20
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		url:     target.String(),
		headers: cfg.Headers,
		http:    hc,
		max:     max,
		log:     log.With(logx.String("comp", "reports")),
	}, nil
}

// List fetches GET <base>/request. The body may be a bare array or an
// object wrapping it under "results" or "data".
func (c *Client) List(ctx context.Context) ([]model.Report, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.max))
	if err != nil {
		return nil, fmt.Errorf("list reports: read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("list reports: %w: %d %s", ErrStatus, resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	reports, err := DecodeList(body)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	c.log.Debug("reports listed", logx.Int("count", len(reports)), logx.Duration("took", time.Since(start)))
	return reports, nil
}

// DecodeList accepts [...], {"results": [...]} or {"data": [...]}. Any
// other object yields an empty list.
func DecodeList(body []byte) ([]model.Report, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, errors.New("empty body")
	}
	if body[0] == '[' {
		var out []model.Report
		if err := json.Unmarshal(body, &out); err != nil {
			return nil, err
		}
		return out, nil
	}

	var wrapped struct {
		Results []model.Report `json:"results"`
		Data    []model.Report `json:"data"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, err
	}
	if wrapped.Results != nil {
		return wrapped.Results, nil
	}
	if wrapped.Data != nil {
		return wrapped.Data, nil
	}
	return []model.Report{}, nil
}
