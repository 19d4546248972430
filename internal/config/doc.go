// Package config loads fp-stamp settings from a TOML file, an optional .env
// file and the process environment.
//
// Precedence, lowest first: Default, the TOML file, environment variables.
package config
