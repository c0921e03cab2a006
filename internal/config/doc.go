// Package config loads the daemon configuration from JSON or YAML files,
// applies defaults and resolves secrets from the environment.
package config
