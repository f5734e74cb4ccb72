// Package file provides a read-only file tool rooted at an allowlisted
// directory. Plain text files are returned up to a character cap; PDF files
// are run through text extraction (ledongthuc/pdf, pure Go, no CGO).
package file

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	ledpdf "github.com/ledongthuc/pdf"

	warren "github.com/nevindra/warren"
)

// defaultMaxChars caps the content returned to the model.
const defaultMaxChars = 8000

// Tool reads files under a root directory.
type Tool struct {
	root     string
	maxChars int
}

// Option configures a Tool.
type Option func(*Tool)

// WithMaxChars caps the returned content length (default: 8000).
func WithMaxChars(n int) Option {
	return func(t *Tool) {
		if n > 0 {
			t.maxChars = n
		}
	}
}

// New creates a file reader restricted to root.
func New(root string, opts ...Option) *Tool {
	t := &Tool{root: filepath.Clean(root), maxChars: defaultMaxChars}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tool) Definitions() []warren.ToolDefinition {
	return []warren.ToolDefinition{{
		Name:        "read_file",
		Description: "Read a local file. Returns the file content as text; PDF files are converted to plain text. Content is truncated if large.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"File path relative to the allowed directory"}},"required":["path"]}`),
	}}
}

func (t *Tool) Execute(ctx context.Context, _ string, args json.RawMessage) (warren.ToolResult, error) {
	var params struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return warren.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}

	resolved, err := t.resolvePath(params.Path)
	if err != nil {
		return warren.ToolResult{Error: err.Error()}, nil
	}

	content, err := t.read(resolved)
	if err != nil {
		return warren.ToolResult{Error: err.Error()}, nil
	}
	return warren.ToolResult{Content: content}, nil
}

// resolvePath confines the requested path to the root directory.
func (t *Tool) resolvePath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path must not be empty")
	}
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("absolute paths not allowed: %s", path)
	}
	resolved := filepath.Join(t.root, path)
	rel, err := filepath.Rel(t.root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes allowed directory: %s", path)
	}
	return resolved, nil
}

func (t *Tool) read(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("file not found: %s", filepath.Base(path))
		}
		return "", fmt.Errorf("read error: %v", err)
	}

	var content string
	if strings.EqualFold(filepath.Ext(path), ".pdf") {
		content, err = extractPDF(data)
		if err != nil {
			return "", err
		}
	} else {
		content = string(data)
	}

	if len(content) > t.maxChars {
		content = content[:t.maxChars] + "\n... (truncated)"
	}
	return content, nil
}

// extractPDF extracts plain text page by page, skipping unreadable pages.
func extractPDF(data []byte) (string, error) {
	r, err := ledpdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %v", err)
	}

	var text strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		if pageText = strings.TrimSpace(pageText); pageText == "" {
			continue
		}
		if text.Len() > 0 {
			text.WriteString("\n\n")
		}
		text.WriteString(pageText)
	}
	return strings.TrimSpace(text.String()), nil
}

// Compile-time interface check.
var _ warren.Tool = (*Tool)(nil)
