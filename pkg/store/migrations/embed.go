// Package migrations embeds the SQL schema for the SQLite store.
package migrations

import "embed"

//go:embed sqlite/*.sql
var SQLite embed.FS
