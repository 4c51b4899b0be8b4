// Package config provides the embedded default configuration for storyplay.
package config

import _ "embed"

// DefaultConfigYAML is the commented default configuration written by
// `storyplay config create` for YAML paths.
//
//go:embed config.default.yaml
var DefaultConfigYAML []byte
