// Package config provides configuration types and loading for netwatch.
//
// Configuration is layered with the following precedence (highest to
// lowest):
//
//  1. Command-line flags
//  2. Environment variables (NETWATCH_* prefix)
//  3. Config file (--config, NETWATCH_CONFIG, .netwatch.yaml in the current
//     directory, or ~/.config/netwatch/config.yaml)
//  4. Default values
//
// Sources records where each non-default value came from.
package config
