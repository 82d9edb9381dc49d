// Package migrations embeds SQL migration files for use at runtime.
// Migrations are embedded so they work regardless of working directory.
package migrations

import "embed"

// FS is the embedded migrations filesystem.
// Contains all .sql files in this directory (001_initial.sql, 002_source_embeddings.sql, ...).
//
//go:embed *.sql
var FS embed.FS
