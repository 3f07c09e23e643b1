// Package migrations embeds the SQL migrations for the postgres entity store.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
