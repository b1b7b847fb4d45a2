// Package migrations embeds the registry schema so integration tests can
// apply it to a fresh database.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
