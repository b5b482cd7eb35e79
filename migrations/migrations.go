// Package migrations embeds the SQL schema and seed files.
package migrations

import (
	"embed"
	"io/fs"
)

//go:embed sql/*.sql seeds/*.sql
var files embed.FS

// SQL holds NNNN_name.up.sql / NNNN_name.down.sql pairs.
func SQL() fs.FS { return mustSub("sql") }

// Seeds holds idempotent seed files applied in lexical order.
func Seeds() fs.FS { return mustSub("seeds") }

func mustSub(dir string) fs.FS {
	sub, err := fs.Sub(files, dir)
	if err != nil {
		panic(err)
	}
	return sub
}
