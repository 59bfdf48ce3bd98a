// Package schema holds the Postgres DDL applied by database.Migrate.
package schema

import "embed"

//go:embed *.sql
var Files embed.FS
