// Package migrations embeds the Postgres schema so it can be applied by the
// goose programmatic API at startup and by the agent-runner tool.
package migrations

import "embed"

// FS holds all *.sql migration files embedded at compile time.
//
//go:embed *.sql
var FS embed.FS
