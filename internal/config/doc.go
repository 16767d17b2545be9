// Package config loads, normalizes, and validates loom configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours the USEAPI_TOKEN environment
// fallback. The Config type centralizes every knob the run controller and CLI
// need: state file locations, remote endpoints, the webhook reply URL, the
// pipeline shape, and backoff windows.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical button labels, and clear validation errors.
package config
