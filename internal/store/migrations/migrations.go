// Package migrations embeds the core_* schema's .sql files so the binary
// carries its own migrations instead of depending on files on disk at
// deploy time.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
