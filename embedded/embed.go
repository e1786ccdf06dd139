// Package embedded carries the built-in demo image used to smoke-test a
// device without a firmware file at hand.
package embedded

import (
	_ "embed"
)

//go:embed demo.hex
var demo []byte

// Demo returns a small known-good Intel-HEX image: a 256-byte ramp pattern
// starting at address 0.
func Demo() []byte {
	return demo
}
