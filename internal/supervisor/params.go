package supervisor

import (
	"path/filepath"
	"strconv"
	"strings"
)

// Params selects what the probe collects. Every field is validated
// against an allow-list or type constraint; anything invalid falls back
// to its default instead of failing the request. The probe is the only
// consumer of these values, so permissiveness here cannot corrupt state,
// it can only run a more conservative probe than asked for.
type Params struct {
	Profile    string `json:"profile"`
	Mode       string `json:"mode"`
	Collectors string `json:"collectors"`
	DepsLevel  string `json:"deps_level"`
	Jobs       int    `json:"jobs"`
	OutDir     string `json:"outdir"`
}

const (
	DefaultProfile    = "forensic"
	DefaultMode       = "full"
	DefaultCollectors = "all"
	DefaultDepsLevel  = "core"
)

var (
	allowedProfiles   = map[string]bool{"forensic": true, "quick": true, "minimal": true, "full": true}
	allowedModes      = map[string]bool{"full": true, "fast": true, "extream": true}
	allowedCollectors = map[string]bool{"all": true, "core": true, "net": true, "fs": true, "web": true}
	allowedDepsLevels = map[string]bool{"core": true, "full": true}
)

// Sanitize returns a copy of p with every invalid field replaced by its
// default.
func (p Params) Sanitize() Params {
	out := p
	out.Profile = pickAllowed(p.Profile, allowedProfiles, DefaultProfile)
	out.Mode = pickAllowed(p.Mode, allowedModes, DefaultMode)
	out.Collectors = pickAllowed(p.Collectors, allowedCollectors, DefaultCollectors)
	out.DepsLevel = pickAllowed(p.DepsLevel, allowedDepsLevels, DefaultDepsLevel)
	if out.Jobs < 0 {
		out.Jobs = 0
	}
	out.OutDir = strings.TrimSpace(p.OutDir)
	if out.OutDir != "" && !filepath.IsAbs(out.OutDir) {
		out.OutDir = ""
	}
	return out
}

// Args builds the probe's flat argument list. Call Sanitize first; Args
// trusts its input.
func (p Params) Args() []string {
	args := []string{
		"--profile", p.Profile,
		"--mode", p.Mode,
		"--collectors", p.Collectors,
		"--yes", "--no-spinner",
	}
	if p.Mode == "extream" {
		args = append(args, "--deps-level", p.DepsLevel)
	}
	if p.Jobs > 0 {
		args = append(args, "--jobs", strconv.Itoa(p.Jobs))
	}
	if p.OutDir != "" {
		args = append(args, "--outdir", p.OutDir)
	}
	return args
}

func pickAllowed(v string, allowed map[string]bool, fallback string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if allowed[v] {
		return v
	}
	return fallback
}
