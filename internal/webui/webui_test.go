package webui

import (
	"strings"
	"testing"
)

func TestIndexHTML(t *testing.T) {
	t.Parallel()

	html := IndexHTML()
	for _, want := range []string{"<form", "/v1/images/generations", "/v1/schedulers"} {
		if !strings.Contains(html, want) {
			t.Fatalf("index page is missing %q", want)
		}
	}
}
