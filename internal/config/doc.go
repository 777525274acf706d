// Package config loads the mailbridge YAML configuration. Values support
// ${VAR} environment expansion, and duration fields (cache TTL, provider
// timeout) are parsed from their string form at load time.
package config
