// Package config loads engine configuration from defaults, an optional YAML
// file and JOBENGINE_ prefixed environment variables, in increasing order of
// precedence. Loaded configuration is validated before it is returned.
package config
