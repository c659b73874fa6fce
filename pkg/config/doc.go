// Package config loads daemon configuration from defaults, named presets,
// an optional file, and FOREMAN_* environment variables. Interval values
// are milliseconds everywhere.
package config
