// Package config loads and validates the application configuration.
//
// Configuration is read from an optional config.yaml via viper, with
// defaults for every key so the server runs with no config file at all.
// Validation fails fast on settings that would weaken the sandbox, most
// notably any attempt to enable network access for executions.
package config
