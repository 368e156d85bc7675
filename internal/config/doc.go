// SPDX-License-Identifier: MPL-2.0

// Package config loads devup configuration. Files are written in CUE,
// validated against an embedded schema and layered over built-in defaults
// with Viper.
package config
