// Package config loads and validates the controller's YAML
// configuration and syncs declared challenges into the store.
package config
