// Package config loads the PharmAssist runtime configuration from JSON or
// YAML files, fills in defaults relative to the file location and lets
// environment variables override credentials.
package config
