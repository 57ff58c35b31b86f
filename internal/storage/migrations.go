package storage

import "embed"

// PostgresMigrations and SQLiteMigrations hold the goose SQL migration
// files for each backend, embedded so cmd/migrate ships them in the binary
// rather than depending on a file path at runtime.
//
//go:embed migrations/postgres/*.sql
var PostgresMigrations embed.FS

//go:embed migrations/sqlite/*.sql
var SQLiteMigrations embed.FS
