// SPDX-License-Identifier: MPL-2.0

// Package cueutil checks untyped settings against an embedded CUE schema.
//
// The configuration loader flattens the INI file and the environment into
// JSON, which is valid CUE, and decodes it through the #Config definition:
//
//	schema, err := cueutil.Compile(schemaBytes, "#Config")
//	...
//	var raw rawConfig
//	if err := schema.Decode(settingsJSON, "/etc/frt.conf", &raw); err != nil {
//	    var ve *cueutil.ValidationError
//	    errors.As(err, &ve) // ve.Violations names each rejected key
//	}
package cueutil
