// Package migrations embeds the goose SQL migrations for the kv_rows table
// so the schema-bootstrap binary ships them without a separate file copy step.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
