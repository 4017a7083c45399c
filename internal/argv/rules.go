// SPDX-License-Identifier: MPL-2.0

package argv

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"
)

// Program identities with built-in rule tables.
const (
	ProgramFFmpeg  Program = "ffmpeg"
	ProgramFFprobe Program = "ffprobe"
)

// Path roles.
const (
	// RoleInput marks a file the tool reads.
	RoleInput Role = iota + 1
	// RoleOutput marks a file the tool writes.
	RoleOutput
)

type (
	// Program identifies a tool by its invocation name.
	Program string

	// Role says whether a path argument is read or written by the tool.
	Role int

	// PathFlag describes a flag whose value names a file.
	PathFlag struct {
		Role Role
		// Pattern marks values that are templates or prefixes rather than
		// literal file names (ffmpeg expands them into several files).
		Pattern bool
	}

	// Rules is the declarative grammar of one program.
	Rules struct {
		Program Program
		// PathFlags maps a flag to the role of the argument following it.
		PathFlags map[string]PathFlag
		// ValueFlags take a following argument that is never a path.
		ValueFlags []string
		// Switches take no argument.
		Switches []string
		// InfoFlags make the tool print information and exit. Their presence
		// disables positional classification.
		InfoFlags []string
		// Positional is the role of bare arguments that follow no flag.
		Positional Role
		// TrailingOutput treats the final argument as a positional output even
		// when it follows an unrecognised flag.
		TrailingOutput bool
		// FormatFlag names the flag selecting the container format of the next
		// file, used together with DirectoryFormats.
		FormatFlag string
		// DirectoryFormats are formats that write sidecar files next to the
		// named output (playlists, segments), so the whole directory is linked.
		DirectoryFormats []string
		// DirectoryExtensions has the same effect keyed on file extension, for
		// inputs and outputs alike: playlists reference their segments by
		// relative URI.
		DirectoryExtensions []string

		values   map[string]struct{}
		switches map[string]struct{}
		infos    map[string]struct{}
	}

	// Registry holds the rule tables known to a translator.
	Registry struct {
		mu    sync.RWMutex
		rules map[Program]*Rules
	}
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleInput:
		return "input"
	case RoleOutput:
		return "output"
	default:
		return "none"
	}
}

// String returns the program name.
func (p Program) String() string { return string(p) }

// ProgramFromPath derives a program identity from an executable path such as
// os.Args[0]. Extensions and directories are ignored.
func ProgramFromPath(path string) Program {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return Program(base)
}

// Validate checks the table for contradictions and builds its lookup sets.
func (r *Rules) Validate() error {
	var reasons []string
	if strings.TrimSpace(string(r.Program)) == "" {
		reasons = append(reasons, "program name is empty")
	}
	if r.Positional != 0 && r.Positional != RoleInput && r.Positional != RoleOutput {
		reasons = append(reasons, fmt.Sprintf("positional role %d is not a path role", r.Positional))
	}

	seen := make(map[string]string)
	claim := func(kind, flag string) {
		if !strings.HasPrefix(flag, "-") || len(flag) < 2 {
			reasons = append(reasons, fmt.Sprintf("%s %q is not a flag", kind, flag))
			return
		}
		if prev, ok := seen[flag]; ok && prev != kind {
			reasons = append(reasons, fmt.Sprintf("flag %q is both %s and %s", flag, prev, kind))
			return
		}
		seen[flag] = kind
	}
	for flag, pf := range r.PathFlags {
		claim("path flag", flag)
		if pf.Role != RoleInput && pf.Role != RoleOutput {
			reasons = append(reasons, fmt.Sprintf("path flag %q has no role", flag))
		}
	}
	for _, flag := range r.ValueFlags {
		claim("value flag", flag)
	}
	for _, flag := range r.Switches {
		claim("switch", flag)
	}
	for _, flag := range r.InfoFlags {
		claim("info flag", flag)
	}
	if r.FormatFlag != "" && !slices.Contains(r.ValueFlags, r.FormatFlag) {
		reasons = append(reasons, fmt.Sprintf("format flag %q must be a value flag", r.FormatFlag))
	}

	if len(reasons) > 0 {
		return &InvalidRulesError{Program: string(r.Program), Reasons: reasons}
	}

	r.values = toSet(r.ValueFlags)
	r.switches = toSet(r.Switches)
	r.infos = toSet(r.InfoFlags)
	return nil
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{rules: make(map[Program]*Rules)}
}

// DefaultRegistry returns a registry holding the built-in ffmpeg and ffprobe
// tables. It panics if a built-in table is invalid, which is a programming
// error caught by the package tests.
func DefaultRegistry() *Registry {
	reg := NewRegistry()
	for _, r := range []*Rules{FFmpegRules(), FFprobeRules()} {
		if err := reg.Register(r); err != nil {
			panic(err)
		}
	}
	return reg
}

// Register validates a table and adds it, replacing any previous table for
// the same program.
func (g *Registry) Register(r *Rules) error {
	if err := r.Validate(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rules[r.Program] = r
	return nil
}

// Get returns the table for a program.
func (g *Registry) Get(p Program) (*Rules, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.rules[p]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProgram, p)
	}
	return r, nil
}

// Lookup is Get without the error, for callers that only branch on presence.
func (g *Registry) Lookup(p Program) (*Rules, bool) {
	r, err := g.Get(p)
	return r, err == nil
}

// Programs lists the registered programs in sorted order.
func (g *Registry) Programs() []Program {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Program, 0, len(g.rules))
	for p := range g.rules {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// lookup classifies a flag. Stream specifiers (-c:v, -b:a:0) are stripped
// before the table lookup.
func (r *Rules) lookup(arg string) (kind flagKind, pf PathFlag) {
	name := arg
	if i := strings.IndexByte(name, ':'); i > 0 {
		name = name[:i]
	}
	if p, ok := r.PathFlags[name]; ok {
		return kindPath, p
	}
	if _, ok := r.infos[name]; ok {
		return kindInfo, PathFlag{}
	}
	if _, ok := r.switches[name]; ok {
		return kindSwitch, PathFlag{}
	}
	if _, ok := r.values[name]; ok {
		return kindValue, PathFlag{}
	}
	return kindUnknown, PathFlag{}
}

type flagKind int

const (
	kindUnknown flagKind = iota
	kindPath
	kindValue
	kindSwitch
	kindInfo
)

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, it := range items {
		set[it] = struct{}{}
	}
	return set
}

// FFmpegRules returns the rule table for ffmpeg.
func FFmpegRules() *Rules {
	return &Rules{
		Program: ProgramFFmpeg,
		PathFlags: map[string]PathFlag{
			"-i":                     {Role: RoleInput},
			"-attach":                {Role: RoleInput},
			"-filter_script":         {Role: RoleInput},
			"-filter_complex_script": {Role: RoleInput},
			"-hls_key_info_file":     {Role: RoleInput},
			"-hls_segment_filename":  {Role: RoleOutput, Pattern: true},
			"-passlogfile":           {Role: RoleOutput, Pattern: true},
			"-vstats_file":           {Role: RoleOutput},
			"-sdp_file":              {Role: RoleOutput},
			"-progress":              {Role: RoleOutput},
		},
		ValueFlags: []string{
			"-f", "-c", "-codec", "-vcodec", "-acodec", "-scodec", "-map", "-map_metadata",
			"-map_chapters", "-b", "-ab", "-maxrate", "-minrate", "-bufsize", "-crf", "-qp",
			"-q", "-qscale", "-preset", "-tune", "-profile", "-level", "-pix_fmt", "-r",
			"-s", "-aspect", "-vf", "-af", "-filter", "-filter_complex", "-lavfi", "-ss",
			"-to", "-t", "-sseof", "-itsoffset", "-ac", "-ar", "-aq", "-sample_fmt",
			"-metadata", "-disposition", "-threads", "-filter_threads",
			"-filter_complex_threads", "-loglevel", "-v", "-report_file", "-frames",
			"-vframes", "-aframes", "-g", "-keyint_min", "-sc_threshold", "-force_key_frames",
			"-analyzeduration", "-probesize", "-fflags", "-flags", "-movflags",
			"-max_muxing_queue_size", "-max_delay", "-avoid_negative_ts", "-hwaccel",
			"-hwaccel_device", "-hwaccel_output_format", "-init_hw_device",
			"-filter_hw_device", "-hls_time", "-hls_list_size", "-hls_playlist_type",
			"-hls_segment_type", "-hls_fmp4_init_filename", "-hls_flags",
			"-hls_base_url", "-start_number", "-segment_time", "-segment_format",
			"-segment_list_type", "-bsf", "-tag", "-vtag", "-atag", "-x264opts",
			"-x264-params", "-x265-params", "-fps_mode", "-vsync", "-async",
			"-muxdelay", "-muxpreload", "-seek_timestamp", "-stream_loop",
			"-canvas_size", "-max_interleave_delta",
			"-user_agent", "-headers", "-reconnect_delay_max", "-rw_timeout",
			"-readrate", "-thread_queue_size", "-strict", "-reinit_filter",
			"-id3v2_version",
		},
		Switches: []string{
			"-y", "-n", "-nostdin", "-stdin", "-hide_banner", "-nostats", "-stats",
			"-shortest", "-re", "-an", "-vn", "-sn", "-copyts", "-start_at_zero",
			"-xerror", "-benchmark", "-benchmark_all", "-ignore_unknown",
			"-accurate_seek", "-noaccurate_seek", "-autorotate", "-noautorotate",
			"-copytb", "-debug_ts", "-dump", "-hex", "-report", "-noautoscale",
			"-copy_unknown", "-fix_sub_duration", "-dn", "-copyinkf", "-bitexact",
			"-autoscale", "-ignore_chapters", "-fix_sub_duration_heartbeat",
		},
		InfoFlags: []string{
			"-h", "-help", "--help", "-?", "-version", "-buildconf", "-formats",
			"-muxers", "-demuxers", "-devices", "-codecs", "-encoders", "-decoders",
			"-bsfs", "-protocols", "-filters", "-pix_fmts", "-layouts", "-sample_fmts",
			"-colors", "-hwaccels", "-L",
		},
		Positional:          RoleOutput,
		TrailingOutput:      true,
		FormatFlag:          "-f",
		DirectoryFormats:    []string{"hls", "dash", "segment", "ssegment", "stream_segment"},
		DirectoryExtensions: []string{".m3u8", ".mpd"},
	}
}

// FFprobeRules returns the rule table for ffprobe.
func FFprobeRules() *Rules {
	return &Rules{
		Program: ProgramFFprobe,
		PathFlags: map[string]PathFlag{
			"-i": {Role: RoleInput},
			"-o": {Role: RoleOutput},
		},
		ValueFlags: []string{
			"-f", "-v", "-loglevel", "-print_format", "-of", "-output_format",
			"-select_streams", "-show_entries", "-read_intervals", "-analyzeduration",
			"-probesize", "-fflags", "-threads", "-sections", "-show_optional_fields",
			"-user_agent", "-headers", "-rw_timeout", "-report_file", "-codec",
			"-c",
		},
		Switches: []string{
			"-show_format", "-show_streams", "-show_packets", "-show_frames",
			"-show_chapters", "-show_programs", "-show_stream_groups", "-show_error",
			"-show_data", "-show_data_hash", "-show_private_data", "-private",
			"-show_log", "-show_pixel_formats", "-count_frames", "-count_packets",
			"-pretty", "-unit", "-prefix", "-byte_binary_prefix", "-sexagesimal",
			"-hide_banner", "-bitexact", "-find_stream_info", "-report",
		},
		InfoFlags: []string{
			"-h", "-help", "--help", "-?", "-version", "-show_versions",
			"-show_program_version", "-show_library_versions", "-buildconf",
			"-formats", "-muxers", "-demuxers", "-devices", "-codecs", "-encoders",
			"-decoders", "-bsfs", "-protocols", "-filters", "-pix_fmts", "-layouts",
			"-sample_fmts", "-colors", "-L",
		},
		Positional: RoleInput,
		FormatFlag: "-f",
	}
}
