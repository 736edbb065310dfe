package web

import "embed"

// FS holds the monitor page assets.
//
//go:embed *.html *.css *.js
var FS embed.FS
