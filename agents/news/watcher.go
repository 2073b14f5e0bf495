// Package news implements the article-fetching agent: it downloads a page,
// extracts the readable article, and returns it as Markdown.
package news

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"

	"github.com/c360studio/autopilot/agent"
	"github.com/c360studio/autopilot/logging"
)

const maxBodyBytes = 4 << 20 // pages larger than this are cut off

// Watcher fetches and summarises web articles.
type Watcher struct {
	*agent.Base
	client    *http.Client
	converter *Converter
}

// New creates the news agent. client may be nil for a default with a
// conservative timeout.
func New(client *http.Client, logRoot string) *Watcher {
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	return &Watcher{
		Base:      agent.NewBase("news", "1.0.0", "Fetches web articles as Markdown", logRoot),
		client:    client,
		converter: NewConverter(),
	}
}

// Capabilities lists the fetch surface.
func (w *Watcher) Capabilities() []agent.Capability {
	return []agent.Capability{
		{
			Name:        "news:fetch",
			Description: "Fetch a web page and extract the readable article",
			Priority:    agent.PriorityLow,
			TimeoutMS:   agent.DefaultTimeoutMS,
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"url": map[string]any{"type": "string", "format": "uri"},
				},
				"required": []any{"url"},
			},
		},
	}
}

// CanHandle reports capability-table membership.
func (w *Watcher) CanHandle(task *agent.Task) bool {
	return agent.CanHandleWith(w.Capabilities(), task)
}

// Execute fetches the payload URL and returns {title, markdown, url}.
func (w *Watcher) Execute(ctx context.Context, task *agent.Task) (*agent.Result, error) {
	if task.Type != "news:fetch" {
		return agent.Fail(agent.CodeUnknownTaskType,
			fmt.Sprintf("unknown task type: %s", task.Type), false), nil
	}

	rawURL, _ := task.Payload["url"].(string)
	if rawURL == "" {
		return agent.Fail("BAD_INPUT", "url is required", false), nil
	}
	pageURL, err := url.Parse(rawURL)
	if err != nil || (pageURL.Scheme != "http" && pageURL.Scheme != "https") {
		return agent.Fail("BAD_INPUT", fmt.Sprintf("invalid url: %s", rawURL), false), nil
	}

	w.Logger().Info(ctx, "execute:news:fetch", logging.Data{
		Input: map[string]any{"taskId": task.ID, "url": rawURL},
	})

	body, err := w.fetch(ctx, rawURL)
	if err != nil {
		if agentErr, ok := err.(*agent.Error); ok {
			return agent.FailWith(agentErr), nil
		}
		// Connection-level failures are retryable.
		return agent.Fail(agent.CodeExecutionError, err.Error(), true), nil
	}

	title, markdown := w.extract(body, pageURL)

	w.RecordCompletion()
	return agent.Succeed(map[string]any{
		"url":        rawURL,
		"title":      title,
		"markdown":   markdown,
		"fetched_at": time.Now().Format(time.RFC3339Nano),
	}), nil
}

func (w *Watcher) fetch(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "autopilot-news/1.0")

	resp, err := w.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", agent.HTTPError(resp.StatusCode,
			fmt.Sprintf("fetch %s: %s", rawURL, resp.Status))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// extract pulls the readable article out of the page. When readability or
// conversion fails the raw page title and an empty body are returned rather
// than an error; a page with no extractable article is not a fetch failure.
func (w *Watcher) extract(body string, pageURL *url.URL) (title, markdown string) {
	title = extractHTMLTitle(body)

	article, err := readability.FromReader(strings.NewReader(body), pageURL)
	if err != nil {
		return title, ""
	}
	if article.Title != "" {
		title = article.Title
	}

	markdown, err = w.converter.Convert(article.Content)
	if err != nil {
		return title, ""
	}
	return title, markdown
}
