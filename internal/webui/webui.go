// Package webui embeds the single-page form served at the root of the HTTP
// API.
package webui

import (
	_ "embed"
)

//go:embed static/index.html
var index string

// IndexHTML returns the generation form.
func IndexHTML() string { return index }
