// Package config loads the daemon configuration from a JSON file and fills
// unset fields with defaults. Relative paths resolve against the directory of
// the configuration file.
package config
