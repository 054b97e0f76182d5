// Package config provides the gateway configuration model, YAML loading
// with environment variable substitution, validation and file watching
// for hot reload.
//
// Loading starts from DefaultConfig, overlays the YAML document, fills
// zero values with defaults and validates the result. Values may
// reference the environment as ${VAR} or ${VAR:-default}; "$$" escapes
// a literal dollar sign.
//
//	cfg, err := config.Load("configs/gateway.yaml")
//	if err != nil {
//	    return err
//	}
//
// A Watcher reloads the file when it changes and hands every valid new
// configuration to a callback. Invalid files are reported and the
// previous configuration stays active.
package config
