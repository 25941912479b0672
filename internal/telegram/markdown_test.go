package telegram

import (
	"strings"
	"testing"
)

func TestRenderHTML(t *testing.T) {
	tests := []struct {
		name string
		md   string
		want string
	}{
		{
			name: "plain text",
			md:   "just words",
			want: "just words",
		},
		{
			name: "bold and italic",
			md:   "**bold** and *italic*",
			want: "<b>bold</b> and <i>italic</i>",
		},
		{
			name: "inline code",
			md:   "run `go test` now",
			want: "run <code>go test</code> now",
		},
		{
			name: "heading becomes bold",
			md:   "# Title",
			want: "<b>Title</b>",
		},
		{
			name: "list becomes bullets",
			md:   "- one\n- two",
			want: "• one\n• two",
		},
		{
			name: "entities stay escaped",
			md:   "a < b && c > d",
			want: "a &lt; b &amp;&amp; c &gt; d",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := RenderHTML(tt.md)
			if err != nil {
				t.Fatalf("RenderHTML error: %v", err)
			}
			if got != tt.want {
				t.Errorf("RenderHTML(%q) = %q, want %q", tt.md, got, tt.want)
			}
		})
	}
}

func TestRenderHTMLKeepsCodeBlocks(t *testing.T) {
	got, err := RenderHTML("```\nfmt.Println(1)\n```")
	if err != nil {
		t.Fatalf("RenderHTML error: %v", err)
	}
	if !strings.Contains(got, "<pre>") || !strings.Contains(got, "<code>") {
		t.Errorf("RenderHTML = %q, want pre/code preserved", got)
	}
	if !strings.Contains(got, "fmt.Println(1)") {
		t.Errorf("RenderHTML = %q, want code content preserved", got)
	}
}

func TestRenderHTMLKeepsLinks(t *testing.T) {
	got, err := RenderHTML("[docs](https://example.com)")
	if err != nil {
		t.Fatalf("RenderHTML error: %v", err)
	}
	if !strings.Contains(got, `<a href="https://example.com">docs</a>`) {
		t.Errorf("RenderHTML = %q, want anchor preserved", got)
	}
}

// The Bot API rejects the whole message on unknown tags, so everything
// outside its allowlist must be stripped.
func TestSanitizeStripsUnknownTags(t *testing.T) {
	got := sanitizeHTML(`<table><tr><td>cell</td></tr></table><b>keep</b>`)
	if strings.Contains(got, "<table>") || strings.Contains(got, "<td>") {
		t.Errorf("sanitizeHTML = %q, table markup should be stripped", got)
	}
	if !strings.Contains(got, "<b>keep</b>") {
		t.Errorf("sanitizeHTML = %q, allowed tags should survive", got)
	}
}
