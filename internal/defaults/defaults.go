// Package defaults provides embedded copies of the default
// configuration and an example persona for the companion init
// subcommand.
package defaults

import _ "embed"

// ConfigYAML is the annotated example configuration.
//
//go:embed config.example.yaml
var ConfigYAML []byte

// PersonaMD is an example persona definition.
//
//go:embed persona.example.md
var PersonaMD []byte
