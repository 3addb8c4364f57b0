// Package migrations embeds the goose SQL migrations for the state database.
package migrations

import "embed"

// FS holds the embedded migration files, applied by [state.Open].
//
//go:embed *.sql
var FS embed.FS
