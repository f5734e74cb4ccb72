package websearch

import (
	"context"
	"encoding/json"
	"testing"
)

const resultPage = `<html><body>
<div class="results">
  <div class="result results_links results_links_deep web-result">
    <h2 class="result__title">
      <a rel="nofollow" class="result__a" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fexample.com%2Fgo&amp;rut=abc">The Go Programming Language</a>
    </h2>
    <a class="result__snippet" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fexample.com%2Fgo">Go is an open source programming language.</a>
  </div>
  <div class="result results_links results_links_deep web-result">
    <h2 class="result__title">
      <a rel="nofollow" class="result__a" href="https://example.org/direct">Direct Link Result</a>
    </h2>
    <div class="result__snippet">A result with a plain href.</div>
  </div>
  <div class="result">
    <a class="result__a" href="javascript:void(0)">Bogus Scheme</a>
  </div>
</div>
</body></html>`

func TestParseResults(t *testing.T) {
	results := parseResults([]byte(resultPage))
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}

	first := results[0]
	if first.Title != "The Go Programming Language" {
		t.Errorf("got title %q", first.Title)
	}
	if first.URL != "https://example.com/go" {
		t.Errorf("got URL %q, want unwrapped redirect target", first.URL)
	}
	if first.Snippet != "Go is an open source programming language." {
		t.Errorf("got snippet %q", first.Snippet)
	}

	second := results[1]
	if second.URL != "https://example.org/direct" {
		t.Errorf("got URL %q, want direct href kept", second.URL)
	}
	if second.Snippet != "A result with a plain href." {
		t.Errorf("got snippet %q", second.Snippet)
	}
}

func TestParseResults_EmptyPage(t *testing.T) {
	if results := parseResults([]byte("<html><body>no results</body></html>")); len(results) != 0 {
		t.Errorf("got %d results, want 0", len(results))
	}
}

func TestResolveHref(t *testing.T) {
	for _, tc := range []struct {
		href, want string
	}{
		{"//duckduckgo.com/l/?uddg=https%3A%2F%2Fexample.com%2Fpage&rut=x", "https://example.com/page"},
		{"https://example.com/plain", "https://example.com/plain"},
		{"http://example.com/plain", "http://example.com/plain"},
		{"javascript:void(0)", ""},
		{"/relative/only", ""},
		{"", ""},
	} {
		if got := resolveHref(tc.href); got != tc.want {
			t.Errorf("resolveHref(%q) = %q, want %q", tc.href, got, tc.want)
		}
	}
}

func TestExecute_EmptyQuery(t *testing.T) {
	tool := New()
	args, _ := json.Marshal(map[string]string{"query": "  "})
	result, err := tool.Execute(context.Background(), "web_search", args)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Error == "" {
		t.Error("expected a tool error for an empty query")
	}
}
