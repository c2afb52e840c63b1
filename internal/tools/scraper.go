package tools

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-shiori/go-readability"
	"github.com/microcosm-cc/bluemonday"
)

const maxListingText = 50000

// ScraperTool imports the text of a published listing or portal page.
type ScraperTool struct {
	UserAgent string
	Client    *http.Client
}

func NewScraperTool() *ScraperTool {
	return &ScraperTool{
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36",
		Client:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *ScraperTool) Name() string {
	return "scraper"
}

func (s *ScraperTool) Description() string {
	return "Fetch a listing page and extract its main content as sanitized text."
}

func (s *ScraperTool) Actions() []string {
	return []string{"import"}
}

func (s *ScraperTool) Parameters(action string) map[string]any {
	if action != "import" {
		return nil
	}
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"pattern":     "^https?://",
				"description": "The full URL of the listing page",
			},
		},
		"required": []string{"url"},
	}
}

func (s *ScraperTool) Execute(ctx context.Context, action string, args map[string]any, rc RunContext) (Result, error) {
	rawURL := stringArg(args, "url")
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return Result{Success: false, Error: fmt.Sprintf("invalid url: %v", err)}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Result{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", s.UserAgent)

	resp, err := s.Client.Do(req)
	if err != nil {
		return Result{Success: false, Error: fmt.Sprintf("failed to fetch page: %v", err)}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{Success: false, Error: fmt.Sprintf("failed to fetch page: status code %d", resp.StatusCode)}, nil
	}

	article, err := readability.FromReader(resp.Body, parsedURL)
	if err != nil {
		return Result{Success: false, Error: fmt.Sprintf("failed to parse page: %v", err)}, nil
	}

	p := bluemonday.StrictPolicy()
	content := p.Sanitize(article.TextContent)
	if len(content) > maxListingText {
		content = content[:maxListingText] + "\n... (content truncated) ..."
	}

	return Result{
		Success: true,
		Output: map[string]any{
			"title":   p.Sanitize(article.Title),
			"excerpt": p.Sanitize(article.Excerpt),
			"content": content,
		},
		OutputRef: rawURL,
	}, nil
}
