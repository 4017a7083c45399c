// SPDX-License-Identifier: MPL-2.0

// Package argv classifies and rewrites the argument vectors of the tools frt
// stands in for.
//
// Each supported program is described by a declarative Rules table: flags that
// take a path, flags that take some other value, boolean switches and
// informational flags. Scan walks an argument vector against its table and
// reports every argument that names a client-side file as a PathArgument.
// Rewrite then substitutes replacement text for exactly those arguments,
// leaving every other element, and the order of all elements, untouched.
//
// Adding support for another tool is a matter of calling Register with a new
// table; nothing outside this package needs to change.
package argv
