package migrations

import "embed"

// FS contains embedded SQLite migrations for reader study storage.
//
//go:embed *.sql
var FS embed.FS
