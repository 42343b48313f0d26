// Package config loads the panel configuration from YAML or JSON, applies
// defaults and republishes it on change.
package config
