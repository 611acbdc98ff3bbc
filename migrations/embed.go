// Package migrations embeds the PostgreSQL schema migrations applied by
// cmd/migrate.
package migrations

import "embed"

// FS holds every NNN_name.up.sql file in this directory.
//
//go:embed *.up.sql
var FS embed.FS
