// SPDX-License-Identifier: MPL-2.0

// Package config loads frt's INI configuration file.
//
// The file lives at /etc/frt.conf unless FRT_CONFIG or --config names another
// one. It is read with Viper, every key may be overridden from the environment
// (FRT_SERVER_HOST, FRT_CLIENT_WORKINGDIRECTORY, ...), and the merged settings
// are validated against an embedded CUE schema (config_schema.cue) before they
// are decoded into typed values. Section and key names are case-insensitive.
//
// A configuration that lacks a required Server key still yields the client
// settings: the proxy can always run the tool locally.
package config
