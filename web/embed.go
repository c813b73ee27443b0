package web

import "embed"

// FS contains the embedded battery dashboard (HTML, CSS, JS).
//
//go:embed *.html *.css *.js
var FS embed.FS
