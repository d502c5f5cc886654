// Package migrations embeds the marker store's schema migrations.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
