// Package migrations embeds the Postgres schema so the API binary carries it.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
