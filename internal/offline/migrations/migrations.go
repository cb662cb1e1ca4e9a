// Package migrations embeds the client-side queue schema.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
