package migrations

import "embed"

// FS contains all versioned SQL migrations, one directory per
// migration group.
//
//go:embed */*.sql
var FS embed.FS
