// Package config loads, normalizes, and validates conveyor configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and overlays CONVEYOR_* environment variables
// for secrets, DSNs, and backend selection. Normalization derives a StageConfig
// seed for every pipeline stage so a bare config boots a working pipeline.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths and clear validation errors naming the offending key.
package config
