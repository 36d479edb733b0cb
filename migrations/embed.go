// Package migrations embeds the SQL schema files applied by `ecg-server migrate`.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
