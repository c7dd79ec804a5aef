// Package migrations embeds the schema and seed SQL shipped with the binary.
package migrations

import "embed"

//go:embed sql seeds
var Files embed.FS

const (
	// Dir is the embedded path of the *.up.sql / *.down.sql pairs.
	Dir = "sql"
	// SeedsDir is the embedded path of the idempotent seed files.
	SeedsDir = "seeds"
)
