// Package config loads and validates the reconciler service configuration.
//
// Configuration is a single YAML file. ${VAR} references are expanded from
// the environment before parsing, so credentials never need to live in the
// file itself. Load, LoadWithDefaults and LoadAndValidate layer reading,
// default application and validation so tests can exercise each step.
package config
