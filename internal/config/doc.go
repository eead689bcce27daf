// Package config loads the tool's configuration from multiple sources (YAML
// files, environment variables, CLI flags) with precedence: CLI flags > YAML
// config > Environment variables > Defaults. It decides where the key and
// proxy marker files live and how the HTTP surface behaves, and hands the
// settings loader its paths and options.
package config
