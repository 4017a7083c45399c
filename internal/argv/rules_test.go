// SPDX-License-Identifier: MPL-2.0

package argv

import (
	"errors"
	"slices"
	"testing"
)

func TestBuiltinRulesAreValid(t *testing.T) {
	t.Parallel()

	for _, r := range []*Rules{FFmpegRules(), FFprobeRules()} {
		if err := r.Validate(); err != nil {
			t.Errorf("%s: Validate() = %v", r.Program, err)
		}
	}
}

func TestRulesValidateRejectsConflicts(t *testing.T) {
	t.Parallel()

	r := &Rules{
		Program:    "tool",
		PathFlags:  map[string]PathFlag{"-o": {Role: RoleOutput}, "-x": {}},
		ValueFlags: []string{"-o", "bad"},
		FormatFlag: "-f",
	}
	err := r.Validate()
	if !errors.Is(err, ErrInvalidRules) {
		t.Fatalf("Validate() = %v, want ErrInvalidRules", err)
	}
	var ire *InvalidRulesError
	if !errors.As(err, &ire) {
		t.Fatalf("error type = %T", err)
	}
	if len(ire.Reasons) != 4 {
		t.Errorf("reasons = %v, want 4 entries", ire.Reasons)
	}
}

func TestRegistryRegisterNewTool(t *testing.T) {
	t.Parallel()

	reg := DefaultRegistry()
	err := reg.Register(&Rules{
		Program:    "x264",
		PathFlags:  map[string]PathFlag{"-o": {Role: RoleOutput}, "--output": {Role: RoleOutput}},
		ValueFlags: []string{"--crf", "--preset"},
		Positional: RoleInput,
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if got := reg.Programs(); !slices.Equal(got, []Program{"ffmpeg", "ffprobe", "x264"}) {
		t.Errorf("Programs() = %v", got)
	}
}

func TestLookupStripsStreamSpecifier(t *testing.T) {
	t.Parallel()

	r := FFmpegRules()
	if err := r.Validate(); err != nil {
		t.Fatal(err)
	}
	for _, flag := range []string{"-c:v", "-b:a:0", "-metadata:s:a:0"} {
		if kind, _ := r.lookup(flag); kind != kindValue {
			t.Errorf("lookup(%q) = %v, want value flag", flag, kind)
		}
	}
}

func TestProgramFromPath(t *testing.T) {
	t.Parallel()

	tests := map[string]Program{
		"/usr/lib/jellyfin-ffmpeg/ffmpeg": ProgramFFmpeg,
		"ffprobe":                         ProgramFFprobe,
		"/opt/frt/bin/ffmpeg.exe":         ProgramFFmpeg,
	}
	for in, want := range tests {
		if got := ProgramFromPath(in); got != want {
			t.Errorf("ProgramFromPath(%q) = %q, want %q", in, got, want)
		}
	}
}
