// SPDX-License-Identifier: MPL-2.0

package cueutil

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// MaxInputSize bounds the data Decode accepts.
const MaxInputSize = 5 << 20

// Schema is one definition of an embedded CUE schema. A cue.Context is not
// safe for concurrent use, so every Decode compiles into a fresh one and a
// Schema may be shared between goroutines.
type Schema struct {
	src        []byte
	definition string
}

// Compile checks that src compiles and defines definition (for example
// "#Config"). Errors here are bugs in the embedded schema, not user input.
func Compile(src []byte, definition string) (*Schema, error) {
	s := &Schema{src: src, definition: definition}
	if _, err := s.root(cuecontext.New()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Schema) root(ctx *cue.Context) (cue.Value, error) {
	v := ctx.CompileBytes(s.src)
	if err := v.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("compile schema: %w", err)
	}
	def := v.LookupPath(cue.ParsePath(s.definition))
	if err := def.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("schema has no %s: %w", s.definition, err)
	}
	return def, nil
}

// Decode unifies data (CUE or JSON) with the definition and decodes the
// result into out. Fields the schema leaves optional may stay unset. source
// names the data in errors; every rejected value is reported as a
// *ValidationError.
func (s *Schema) Decode(data []byte, source string, out any) error {
	if err := CheckSize(data, source); err != nil {
		return err
	}

	ctx := cuecontext.New()
	def, err := s.root(ctx)
	if err != nil {
		return err
	}
	v := ctx.CompileBytes(data, cue.Filename(source))
	if err := v.Err(); err != nil {
		return newValidationError(source, err)
	}

	unified := def.Unify(v)
	if err := unified.Validate(); err != nil {
		return newValidationError(source, err)
	}
	if err := unified.Decode(out); err != nil {
		return newValidationError(source, err)
	}
	return nil
}

// CheckSize rejects data larger than MaxInputSize before anything parses it.
func CheckSize(data []byte, source string) error {
	if len(data) > MaxInputSize {
		return fmt.Errorf("%s: %d bytes exceeds the %d byte limit", source, len(data), MaxInputSize)
	}
	return nil
}
