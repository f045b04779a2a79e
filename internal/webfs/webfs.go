// Package webfs provides the embedded web UI.
package webfs

import (
	"embed"
	"io/fs"
)

//go:embed all:static
var FS embed.FS

// Static returns the UI rooted at the static directory.
func Static() fs.FS {
	sub, err := fs.Sub(FS, "static")
	if err != nil {
		panic(err)
	}
	return sub
}
