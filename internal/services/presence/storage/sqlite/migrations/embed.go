package migrations

import "embed"

// FS contains embedded SQLite migrations for the assignment journal.
//
//go:embed *.sql
var FS embed.FS
