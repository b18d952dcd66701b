// Package config loads the listen-engine runtime configuration from a JSON
// file. Relative paths are resolved against the file's directory and secrets
// may be supplied through environment variables named by *_env fields.
package config
