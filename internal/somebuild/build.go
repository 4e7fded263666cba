package somebuild

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Recognized phase macros.
const (
	MacroConfigure   = "%configure"
	MacroMake        = "%make"
	MacroMakeInstall = "%make_install"
)

// Macros returns the substitution table for one package.
func Macros(prefix, name, version, outputDir string) map[string]string {
	return map[string]string{
		MacroConfigure:   fmt.Sprintf("./configure --prefix=%s --docdir=%s/share/doc/%s-%s", prefix, prefix, name, version),
		MacroMake:        "make",
		MacroMakeInstall: fmt.Sprintf("make DESTDIR=%s install", outputDir),
	}
}

// macroKeys orders tokens longest first so that at any position the longest
// token wins (%make_install before %make).
func macroKeys(subs map[string]string) []string {
	keys := make([]string, 0, len(subs))
	for k := range subs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if len(keys[i]) != len(keys[j]) {
			return len(keys[i]) > len(keys[j])
		}
		return keys[i] < keys[j]
	})
	return keys
}

// ExpandMacros replaces every token of subs in template in a single pass
// and trims the result. Replacement text is never rescanned and unknown
// tokens are left as written.
func ExpandMacros(template string, subs map[string]string) string {
	keys := macroKeys(subs)
	pairs := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		pairs = append(pairs, k, subs[k])
	}
	return strings.TrimSpace(strings.NewReplacer(pairs...).Replace(template))
}

var macroToken = regexp.MustCompile(`%[A-Za-z_][A-Za-z0-9_]*`)

// UnknownMacros lists %identifier tokens in template that no entry of subs
// would expand, in order of first appearance.
func UnknownMacros(template string, subs map[string]string) []string {
	keys := macroKeys(subs)
	seen := make(map[string]bool)
	var unknown []string
	for _, tok := range macroToken.FindAllString(template, -1) {
		known := false
		for _, k := range keys {
			if strings.HasPrefix(tok, k) {
				known = true
				break
			}
		}
		if !known && !seen[tok] {
			seen[tok] = true
			unknown = append(unknown, tok)
		}
	}
	return unknown
}

// Phase is one build step. It is run at most once.
type Phase struct {
	Name          string
	Template      string
	Substitutions map[string]string
}

// Command is the expanded script for this phase.
func (p Phase) Command() string {
	return ExpandMacros(p.Template, p.Substitutions)
}

// Phases returns setup, build and install for m in execution order.
func Phases(m *Manifest, prefix, outputDir string) []Phase {
	subs := Macros(prefix, m.General.Name, m.Source.Version, outputDir)
	return []Phase{
		{Name: "setup", Template: m.Build.Setup, Substitutions: subs},
		{Name: "build", Template: m.Build.Build, Substitutions: subs},
		{Name: "install", Template: m.Build.Install, Substitutions: subs},
	}
}

var phaseVerbs = map[string]string{
	"setup":   "Setup",
	"build":   "Building",
	"install": "Packaging",
}

// PhaseExecutor runs phases in order and stops at the first failure.
type PhaseExecutor struct {
	Runner   Runner
	Env      []string
	Strict   bool
	Log      *Logger
	Progress Indicator
	Label    string
}

// Run executes phases in dir. The returned error is a *PhaseError naming
// the phase that failed; later phases are never started.
func (e *PhaseExecutor) Run(ctx context.Context, phases []Phase, dir string) error {
	ind := e.Progress
	if ind == nil {
		ind = nopIndicator{}
	}

	for _, p := range phases {
		verb := phaseVerbs[p.Name]
		if verb == "" {
			verb = p.Name
		}
		ind.SetMessage(fmt.Sprintf("%s %s", verb, e.Label))

		if strings.TrimSpace(p.Template) == "" {
			e.Log.Debugf("No %s commands, skipping", p.Name)
			ind.Add(1)
			continue
		}

		if e.Strict {
			if unknown := UnknownMacros(p.Template, p.Substitutions); len(unknown) > 0 {
				return &PhaseError{
					Phase:    p.Name,
					Command:  p.Template,
					ExitCode: -1,
					Err:      fmt.Errorf("unknown macro %s", strings.Join(unknown, ", ")),
				}
			}
		}

		script := p.Command()
		e.Log.Debugf("%s: %s", p.Name, script)

		res, err := e.Runner.Run(ctx, script, dir, e.Env)
		if err != nil {
			perr := &PhaseError{Phase: p.Name, Command: script, ExitCode: -1, Err: err}
			if res != nil {
				perr.Stdout, perr.Stderr = res.Stdout, res.Stderr
			}
			return perr
		}
		if res.ExitCode != 0 {
			return &PhaseError{
				Phase:    p.Name,
				Command:  script,
				ExitCode: res.ExitCode,
				Stdout:   res.Stdout,
				Stderr:   res.Stderr,
			}
		}
		ind.Add(1)
	}
	return nil
}

// buildEnv derives the phase environment from base. Compiler, flag and job
// variables from base are dropped and replaced by the configured values.
func buildEnv(cfg *Config, opts BuildOptions, base []string) []string {
	env := []string{}
	for _, e := range base {
		name, _, _ := strings.Cut(e, "=")
		switch name {
		case "CFLAGS", "CXXFLAGS", "LDFLAGS", "CC", "CXX", "MAKEFLAGS":
			continue
		}
		env = append(env, e)
	}

	jobs := cfg.Jobs
	if jobs < 1 {
		jobs = 1
	}
	ltoJobs := strconv.Itoa(jobs)

	defaults := map[string]string{
		"MAKEFLAGS": fmt.Sprintf("-j%d", jobs),
	}
	switch opts.Compiler {
	case "clang":
		defaults["CC"], defaults["CXX"] = "clang", "clang++"
		ltoJobs = "auto"
	case "gcc":
		defaults["CC"], defaults["CXX"] = "gcc", "g++"
	case "":
	default:
		defaults["CC"] = opts.Compiler
	}

	cflags := cfg.Values["CFLAGS"]
	cxxflags := cfg.Values["CXXFLAGS"]
	ldflags := cfg.Values["LDFLAGS"]
	if opts.LTO() {
		cflags = ltoFlags(cfg.Values["CFLAGS_LTO"], cflags)
		ldflags = ltoFlags(cfg.Values["LDFLAGS_LTO"], ldflags)
		if cxxLTO := cfg.Values["CXXFLAGS_LTO"]; cxxflags != "" || cxxLTO != "" {
			cxxflags = ltoFlags(cxxLTO, cxxflags)
		}
	}
	// C++ follows the C flags unless configured separately.
	if cxxflags == "" {
		cxxflags = cflags
	}
	defaults["CFLAGS"] = strings.ReplaceAll(cflags, "LTOJOBS", ltoJobs)
	defaults["CXXFLAGS"] = strings.ReplaceAll(cxxflags, "LTOJOBS", ltoJobs)
	defaults["LDFLAGS"] = strings.ReplaceAll(ldflags, "LTOJOBS", ltoJobs)

	keys := make([]string, 0, len(defaults))
	for k := range defaults {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+defaults[k])
	}
	return env
}

// ltoFlags prefers an explicit _LTO variant and otherwise appends -flto.
func ltoFlags(variant, plain string) string {
	if variant != "" {
		return variant
	}
	return strings.TrimSpace(plain + " -flto")
}

// Builder runs the whole package build: fetch, verify, extract, then the
// three phases inside the extracted source tree.
type Builder struct {
	Config   *Config
	Progress Progress
	Log      *Logger
	Openers  map[string]Opener

	// Runner overrides the shell executor; Console receives phase output
	// in verbose mode.
	Runner  Runner
	Console io.Writer
}

// Build holds the output lock for the whole run and returns nil only when
// all three phases succeeded.
func (b *Builder) Build(ctx context.Context, m *Manifest, outputDir string) error {
	cfg := b.Config

	lock, err := lockOutput(outputDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	fetcher := &Fetcher{
		Openers:   b.Openers,
		Progress:  b.Progress,
		Log:       b.Log,
		Integrity: cfg.Integrity,
		GNUMirror: cfg.GNUMirror,
	}
	res, err := fetcher.FetchAndExtract(ctx, m, outputDir)
	if err != nil {
		return err
	}

	info, err := os.Stat(res.SourceRoot)
	if err != nil {
		return extractionError("source root missing after extraction", err)
	}
	if !info.IsDir() {
		return extractionError("source root is not a directory", fmt.Errorf("%s", res.SourceRoot))
	}

	logPath := filepath.Join(outputDir, m.String()+".build.log")
	logFile, err := os.Create(logPath)
	if err != nil {
		return preconditionError("failed to create build log", err)
	}
	logWriter := newLineWriter(logFile)

	runner := b.Runner
	var console *lineWriter
	if runner == nil {
		executor := &Executor{ApplyIdlePriority: cfg.IdlePriority, Log: logWriter}
		if cfg.Verbose && b.Console != nil {
			console = newLineWriter(b.Console)
			executor.Console = console
		}
		runner = executor
	}

	var bar Indicator = nopIndicator{}
	if b.Progress != nil {
		bar = b.Progress.NewIndicator(3, StyleBuild)
	}

	pe := &PhaseExecutor{
		Runner:   runner,
		Env:      buildEnv(cfg, m.Build.Options, os.Environ()),
		Strict:   cfg.StrictMacros,
		Log:      b.Log,
		Progress: bar,
		Label:    m.FullName(),
	}
	buildErr := pe.Run(ctx, Phases(m, cfg.Prefix, outputDir), res.SourceRoot)

	if console != nil {
		console.Flush()
	}
	logWriter.Flush()
	logFile.Close()

	if buildErr != nil {
		bar.Finish("Failed building " + m.FullName())
	} else {
		bar.Finish("Finished building " + m.FullName())
	}

	if cfg.KeepLog {
		if err := compressXZ(logPath, logPath+".xz"); err != nil {
			b.Log.Warnf("Failed to compress build log: %v", err)
		}
	} else {
		os.Remove(logPath)
	}

	return buildErr
}
