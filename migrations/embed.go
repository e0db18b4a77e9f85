// Package migrations embeds the Postgres schema for Atelier.
// Migrations are embedded so they work regardless of working directory.
package migrations

import "embed"

// FS holds every .sql file in this directory, applied in filename order.
//
//go:embed *.sql
var FS embed.FS
