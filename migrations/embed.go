// Package migrations embeds the goose migration set
package migrations

import "embed"

// FS carries the SQL migrations for the consent schema
//
//go:embed *.sql
var FS embed.FS
