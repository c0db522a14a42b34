// Package config loads rollup settings from an optional YAML file and
// ROLLUP_* environment variables, validates them, and wires the logger,
// client and tracker they describe.
package config
