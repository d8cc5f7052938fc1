// Package embedded carries the defaults compiled into the binary: the
// baseline configuration layer, the three lifecycle machines, the stock
// validator roster, and the composition source material packs and
// projects override.
package embedded

import (
	"embed"
	"io/fs"
)

//go:embed all:defaults
var defaults embed.FS

// Defaults returns the bundled tree rooted at its top level: config/,
// lifecycle/, validators/, agents/, guidelines/, constitutions/.
func Defaults() fs.FS {
	sub, err := fs.Sub(defaults, "defaults")
	if err != nil {
		panic(err)
	}
	return sub
}
