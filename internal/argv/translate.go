// SPDX-License-Identifier: MPL-2.0

package argv

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// filePrefix is the ffmpeg protocol prefix for plain files. It is kept on
// rewritten arguments.
const filePrefix = "file:"

type (
	// PathArgument is one element of an argument vector that names a file on
	// the client.
	PathArgument struct {
		// Index is the position in the full argument vector (argv[0] included).
		Index int
		// Role says whether the tool reads or writes the file.
		Role Role
		// Original is the argument text as received.
		Original string
		// Prefix is the protocol prefix to keep in front of the rewritten path.
		Prefix string
		// ClientPath is the cleaned absolute path on the client.
		ClientPath string
		// LinkParent asks the workspace to link the containing directory rather
		// than the file, because the tool creates several files next to it.
		LinkParent bool
	}

	// Mapper returns the replacement path for a path argument, or false to
	// leave the argument as it is.
	Mapper func(PathArgument) (string, bool)

	// Translator scans and rewrites argument vectors.
	Translator struct {
		registry *Registry
		// WorkDir resolves relative paths. When empty, the process working
		// directory is used.
		WorkDir string
		stat    func(string) (os.FileInfo, error)
	}
)

// NewTranslator creates a translator backed by reg.
func NewTranslator(reg *Registry) *Translator {
	return &Translator{registry: reg, stat: os.Stat}
}

// Supports reports whether a rule table is registered for program.
func (t *Translator) Supports(program Program) bool {
	_, ok := t.registry.Lookup(program)
	return ok
}

// Scan classifies the path arguments of args, where args[0] is the program
// name as invoked. Arguments that are not confidently file paths are not
// reported. A reported argument that cannot be resolved on the client yields
// a *TranslationError.
func (t *Translator) Scan(program Program, args []string) ([]PathArgument, error) {
	rules, err := t.registry.Get(program)
	if err != nil {
		return nil, err
	}

	var (
		paths     []PathArgument
		format    string
		info      bool
		claimed   = make([]bool, len(args))
		unknownOf = make([]bool, len(args))
	)
	for i := 1; i < len(args); i++ {
		if _, ok := rules.infos[args[i]]; ok {
			info = true
		}
	}

	add := func(i int, role Role, pattern bool) error {
		claimed[i] = true
		p, ok, err := t.classify(rules, i, args[i], role, pattern, format)
		if err != nil {
			return err
		}
		if ok {
			paths = append(paths, p)
		}
		format = ""
		return nil
	}

	for i := 1; i < len(args); i++ {
		a := args[i]
		if !isFlag(a) {
			if rules.Positional == 0 || info {
				continue
			}
			if err := add(i, rules.Positional, false); err != nil {
				return nil, err
			}
			continue
		}

		// ffmpeg reads the value of "-/option" from the named file.
		if strings.HasPrefix(a, "-/") && i+1 < len(args) {
			i++
			if err := add(i, RoleInput, false); err != nil {
				return nil, err
			}
			continue
		}

		kind, pf := rules.lookup(a)
		switch kind {
		case kindPath:
			if i+1 < len(args) {
				i++
				if err := add(i, pf.Role, pf.Pattern); err != nil {
					return nil, err
				}
			}
		case kindValue:
			if i+1 < len(args) {
				i++
				claimed[i] = true
				if rules.FormatFlag != "" && a == rules.FormatFlag {
					format = args[i]
				}
			}
		case kindSwitch, kindInfo:
		default:
			// Unknown options are assumed to take a value, which is true of
			// the vast majority of ffmpeg's AVOptions.
			if i+1 < len(args) {
				i++
				unknownOf[i] = true
			}
		}
	}

	// The original grammar treats the last argument as the output even when
	// an unrecognised flag precedes it.
	last := len(args) - 1
	if rules.TrailingOutput && !info && last >= 1 && unknownOf[last] && !claimed[last] && !isFlag(args[last]) {
		if err := add(last, RoleOutput, false); err != nil {
			return nil, err
		}
	}

	return paths, nil
}

// Translate scans args and rewrites every path argument through mapper.
func (t *Translator) Translate(program Program, args []string, mapper Mapper) ([]string, []PathArgument, error) {
	paths, err := t.Scan(program, args)
	if err != nil {
		return nil, nil, err
	}
	return Rewrite(args, paths, mapper), paths, nil
}

// Rewrite returns a copy of args in which each mapped path argument is
// replaced by its protocol prefix followed by the mapped path. The result has
// the same length and order as args.
func Rewrite(args []string, paths []PathArgument, mapper Mapper) []string {
	out := slices.Clone(args)
	for _, p := range paths {
		if p.Index <= 0 || p.Index >= len(out) {
			continue
		}
		if replacement, ok := mapper(p); ok {
			out[p.Index] = p.Prefix + replacement
		}
	}
	return out
}

// classify decides whether arg names a client file and resolves it.
func (t *Translator) classify(rules *Rules, index int, arg string, role Role, pattern bool, format string) (PathArgument, bool, error) {
	prefix, path, ok := splitFileArg(arg)
	if !ok {
		return PathArgument{}, false, nil
	}

	if !filepath.IsAbs(path) {
		wd := t.WorkDir
		if wd == "" {
			var err error
			if wd, err = os.Getwd(); err != nil {
				return PathArgument{}, false, &TranslationError{Index: index, Arg: arg, Cause: fmt.Errorf("resolve relative path: %w", err)}
			}
		}
		path = filepath.Join(wd, path)
	}
	path = filepath.Clean(path)

	p := PathArgument{
		Index:      index,
		Role:       role,
		Original:   arg,
		Prefix:     prefix,
		ClientPath: path,
		LinkParent: pattern,
	}

	switch role {
	case RoleInput:
		if _, err := t.stat(path); err != nil {
			// Image sequences such as img%03d.png never exist under their
			// template name.
			if !errors.Is(err, os.ErrNotExist) || !strings.Contains(filepath.Base(path), "%") {
				return PathArgument{}, false, &TranslationError{Index: index, Arg: arg, Cause: err}
			}
			p.LinkParent = true
		}
		if slices.Contains(rules.DirectoryExtensions, strings.ToLower(filepath.Ext(path))) {
			p.LinkParent = true
		}
	case RoleOutput:
		if strings.Contains(filepath.Base(path), "%") ||
			slices.Contains(rules.DirectoryFormats, format) ||
			slices.Contains(rules.DirectoryExtensions, strings.ToLower(filepath.Ext(path))) {
			p.LinkParent = true
		}
	}

	if p.LinkParent || role == RoleOutput {
		dir := filepath.Dir(path)
		fi, err := t.stat(dir)
		if err != nil {
			return PathArgument{}, false, &TranslationError{Index: index, Arg: arg, Cause: err}
		}
		if !fi.IsDir() {
			return PathArgument{}, false, &TranslationError{Index: index, Arg: arg, Cause: fmt.Errorf("%s is not a directory", dir)}
		}
	}

	return p, true, nil
}

// splitFileArg separates an optional file: prefix from the path. It reports
// false for arguments that are not local files: pipes, stdio, URLs, other
// protocols and device nodes.
func splitFileArg(arg string) (prefix, path string, ok bool) {
	if arg == "" || arg == "-" {
		return "", "", false
	}
	if strings.HasPrefix(arg, filePrefix) {
		prefix, arg = filePrefix, strings.TrimPrefix(arg, filePrefix)
		if arg == "" || arg == "-" {
			return "", "", false
		}
	} else {
		if strings.Contains(arg, "://") {
			return "", "", false
		}
		// protocol:rest, where the protocol part holds no path separator
		if i := strings.IndexByte(arg, ':'); i > 0 && !strings.ContainsRune(arg[:i], '/') {
			return "", "", false
		}
	}
	for _, dev := range []string{"/dev/", "/proc/"} {
		if strings.HasPrefix(arg, dev) {
			return "", "", false
		}
	}
	return prefix, arg, true
}

// isFlag reports whether arg is an option name. A lone "-" is stdio.
func isFlag(arg string) bool {
	return len(arg) > 1 && arg[0] == '-'
}
