// Package config loads relay and CLI configuration from YAML.
//
// ${VAR} references are expanded from the environment before parsing, so
// secrets such as the realtime token and database password stay out of the
// file. LoadAndValidate applies defaults and checks required fields.
package config
