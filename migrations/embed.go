// Package migrations embeds the policy store's SQL migrations into the binary.
package migrations

import (
	"embed"
	"io/fs"
)

//go:embed *.sql
var files embed.FS

// FS exposes the embedded migration files for database.DB.Migrate.
var FS fs.FS = files
