// Package assets embeds the files shipped inside the binary.
package assets

import _ "embed"

//go:embed icon.png
var IconData []byte
