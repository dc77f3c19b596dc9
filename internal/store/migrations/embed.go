// Package migrations embeds the dev server's schema migrations.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
