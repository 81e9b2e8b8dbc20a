// Package config loads and validates the server configuration from
// YAML, with usable defaults for a single-node deployment.
package config
