// Package websearch provides a web search tool backed by the DuckDuckGo
// HTML endpoint, with article text extracted from the top result pages via
// go-readability so the model sees content, not just snippets.
package websearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	readability "github.com/go-shiori/go-readability"
	"golang.org/x/net/html"

	warren "github.com/nevindra/warren"
)

const (
	searchEndpoint = "https://html.duckduckgo.com/html/"
	userAgent      = "Mozilla/5.0 (compatible; WarrenBot/1.0)"

	maxResults     = 5
	fetchTop       = 3    // result pages fetched for article text
	maxArticleLen  = 4000 // chars of extracted text kept per page
	fetchBodyLimit = 512 << 10
)

// Tool performs web searches.
type Tool struct {
	client *http.Client
}

// Option configures a Tool.
type Option func(*Tool)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Tool) { t.client = c }
}

// New creates a web search tool.
func New(opts ...Option) *Tool {
	t := &Tool{client: &http.Client{Timeout: 10 * time.Second}}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tool) Definitions() []warren.ToolDefinition {
	return []warren.ToolDefinition{{
		Name:        "web_search",
		Description: "Search the web for current information. Use for recent events, news, prices, weather, or anything that requires up-to-date data.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"query":{"type":"string","description":"Search query optimized for search engines"}},"required":["query"]}`),
	}}
}

func (t *Tool) Execute(ctx context.Context, _ string, args json.RawMessage) (warren.ToolResult, error) {
	var params struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return warren.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	if strings.TrimSpace(params.Query) == "" {
		return warren.ToolResult{Error: "query must not be empty"}, nil
	}

	content, err := t.Search(ctx, params.Query)
	if err != nil {
		return warren.ToolResult{Error: err.Error()}, nil
	}
	return warren.ToolResult{Content: content}, nil
}

type searchResult struct {
	Title   string
	URL     string
	Snippet string
	Content string // extracted article text, may be empty
}

// Search runs the query and formats results with extracted page content.
func (t *Tool) Search(ctx context.Context, query string) (string, error) {
	results, err := t.search(ctx, query)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return fmt.Sprintf("No results found for %q.", query), nil
	}
	if len(results) > maxResults {
		results = results[:maxResults]
	}

	t.fetchContent(ctx, results)

	var b strings.Builder
	for i, r := range results {
		fmt.Fprintf(&b, "[%d] %s\n%s\n", i+1, r.Title, r.URL)
		if r.Content != "" {
			b.WriteString(r.Content + "\n")
		} else if r.Snippet != "" {
			b.WriteString(r.Snippet + "\n")
		}
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String()), nil
}

// search posts the query to the HTML endpoint and parses the result list.
func (t *Tool) search(ctx context.Context, query string) ([]searchResult, error) {
	form := url.Values{"q": {query}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, searchEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", userAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, fetchBodyLimit))
	if err != nil {
		return nil, fmt.Errorf("read search response: %w", err)
	}
	return parseResults(body), nil
}

// parseResults walks the result page for result__a links and result__snippet
// spans, the stable markers of the HTML endpoint's layout.
func parseResults(body []byte) []searchResult {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil
	}

	var results []searchResult
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch {
			case n.Data == "a" && hasClass(n, "result__a"):
				if href := resolveHref(attr(n, "href")); href != "" {
					results = append(results, searchResult{Title: textOf(n), URL: href})
				}
			case hasClass(n, "result__snippet"):
				if len(results) > 0 && results[len(results)-1].Snippet == "" {
					results[len(results)-1].Snippet = textOf(n)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return results
}

// resolveHref unwraps the endpoint's redirect links (//duckduckgo.com/l/?uddg=<url>).
func resolveHref(href string) string {
	if href == "" {
		return ""
	}
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	if u.Scheme == "http" || u.Scheme == "https" {
		return href
	}
	return ""
}

// fetchContent fetches the top result pages concurrently and extracts
// readable article text. Fetch failures leave Content empty; the snippet
// still renders.
func (t *Tool) fetchContent(ctx context.Context, results []searchResult) {
	n := fetchTop
	if len(results) < n {
		n = len(results)
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(r *searchResult) {
			defer wg.Done()
			r.Content = t.fetchAndExtract(ctx, r.URL)
		}(&results[i])
	}
	wg.Wait()
}

func (t *Tool) fetchAndExtract(ctx context.Context, pageURL string) string {
	fetchCtx, cancel := context.WithTimeout(ctx, 8*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, pageURL, nil)
	if err != nil {
		return ""
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return ""
	}

	parsedURL, err := url.Parse(pageURL)
	if err != nil {
		return ""
	}
	article, err := readability.FromReader(io.LimitReader(resp.Body, fetchBodyLimit), parsedURL)
	if err != nil {
		return ""
	}

	text := strings.TrimSpace(article.TextContent)
	if len(text) > maxArticleLen {
		text = text[:maxArticleLen] + "..."
	}
	return text
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func textOf(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.TrimSpace(b.String())
}

// Compile-time interface check.
var _ warren.Tool = (*Tool)(nil)
