// Package migrations embeds the schema so tests and the migrator can apply
// it without depending on the repository layout at runtime.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
