package tool

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultFetchMaxChars = 50000
	fetchTimeout         = 30 * time.Second
	fetchUserAgent       = "orchestra-agent/1.0"
)

// WebFetchTool fetches a URL and returns its body, truncated to maxChars.
// Grounded on the teacher's internal/tools/web_fetch.go (scheme validation,
// timeout, user agent, truncation), stripped of its HTML→markdown
// conversion and response cache since those are presentation concerns
// outside this spec's scope.
type WebFetchTool struct {
	maxChars int
	client   *http.Client
}

func NewWebFetchTool(maxChars int) *WebFetchTool {
	if maxChars <= 0 {
		maxChars = defaultFetchMaxChars
	}
	return &WebFetchTool{maxChars: maxChars, client: &http.Client{Timeout: fetchTimeout}}
}

func (t *WebFetchTool) Name() string { return "web_fetch" }
func (t *WebFetchTool) Description() string {
	return "Fetch a URL over HTTP/HTTPS and return its text content"
}
func (t *WebFetchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{"type": "string", "description": "HTTP or HTTPS URL to fetch"},
		},
		"required": []string{"url"},
	}
}

func (t *WebFetchTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	rawURL, _ := args["url"].(string)
	if rawURL == "" {
		return ErrorResult("url is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ErrorResult(fmt.Sprintf("invalid URL: %v", err))
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return ErrorResult("only http/https URLs are supported")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return ErrorResult(err.Error())
	}
	req.Header.Set("User-Agent", fetchUserAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return ErrorResult(fmt.Sprintf("fetch failed: %v", err))
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, int64(t.maxChars)*4)
	body, err := io.ReadAll(limited)
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed reading response: %v", err))
	}

	text := string(body)
	if len(text) > t.maxChars {
		text = text[:t.maxChars] + "\n[truncated]"
	}
	if resp.StatusCode >= 400 {
		return ErrorResult(fmt.Sprintf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(text)))
	}
	return NewResult(text)
}
