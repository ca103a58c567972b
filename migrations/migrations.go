// Package migrations embeds the SQL migration files applied to the cascade
// schema (log rows, RAG chunks/manifest, session records) by
// cmd/migrate and by testutil's embedded-postgres test harness.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
