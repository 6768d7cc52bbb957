package migrations

import "embed"

// Files embeds the schema migrations applied by db.Migrate.
//
//go:embed *.sql
var Files embed.FS
