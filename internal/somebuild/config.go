package somebuild

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// DefaultConfigFile is read when --config is not given.
const DefaultConfigFile = "/etc/somebuild.conf"

// IntegrityPolicy decides what a digest mismatch does.
type IntegrityPolicy string

const (
	IntegrityFatal IntegrityPolicy = "fatal"
	IntegrityWarn  IntegrityPolicy = "warn"
)

// Config holds the resolved tool settings. Values keeps the raw key/value
// view for build flags that are passed through untouched.
type Config struct {
	Values map[string]string

	Debug        bool
	Verbose      bool
	Prefix       string
	Jobs         int
	IdlePriority bool
	Integrity    IntegrityPolicy
	StrictMacros bool
	KeepLog      bool
	CAFile       string
	GNUMirror    string
}

// LoadConfig reads path (missing file is not an error), merges SOMEBUILD_*
// environment overrides and resolves the typed fields.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{Values: make(map[string]string)}

	file, err := os.Open(path)
	if err == nil {
		defer file.Close()
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			parts := strings.SplitN(line, "=", 2)
			if len(parts) != 2 {
				continue
			}
			key := strings.TrimSpace(parts[0])
			val := strings.TrimSpace(parts[1])
			val = strings.Trim(val, `"'`)
			cfg.Values[key] = val
		}
		if err := scanner.Err(); err != nil {
			return nil, preconditionError("failed to read config "+path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, preconditionError("failed to open config "+path, err)
	}

	mergeEnvOverrides(cfg)
	cfg.resolve()
	return cfg, nil
}

// mergeEnvOverrides lets SOMEBUILD_* variables win over the config file.
func mergeEnvOverrides(cfg *Config) {
	for _, env := range os.Environ() {
		if strings.HasPrefix(env, "SOMEBUILD_") {
			parts := strings.SplitN(env, "=", 2)
			if len(parts) == 2 {
				cfg.Values[parts[0]] = parts[1]
			}
		}
	}
}

func (cfg *Config) resolve() {
	cfg.Debug = cfg.Values["SOMEBUILD_DEBUG"] == "1"
	cfg.Verbose = cfg.Values["SOMEBUILD_VERBOSE"] == "1"
	cfg.IdlePriority = cfg.Values["SOMEBUILD_IDLE"] == "1"
	cfg.StrictMacros = cfg.Values["SOMEBUILD_STRICT_MACROS"] == "1"
	cfg.KeepLog = cfg.Values["SOMEBUILD_KEEP_LOG"] != "0"
	cfg.CAFile = cfg.Values["SOMEBUILD_CA_FILE"]

	cfg.Prefix = cfg.Values["SOMEBUILD_PREFIX"]
	if cfg.Prefix == "" {
		cfg.Prefix = "/usr"
	}

	cfg.Jobs = runtime.NumCPU()
	if n, err := strconv.Atoi(cfg.Values["SOMEBUILD_JOBS"]); err == nil && n > 0 {
		cfg.Jobs = n
	}

	cfg.Integrity = IntegrityFatal
	if IntegrityPolicy(cfg.Values["SOMEBUILD_INTEGRITY"]) == IntegrityWarn {
		cfg.Integrity = IntegrityWarn
	}

	if mirror := cfg.Values["GNU_MIRROR"]; mirror != "" {
		cfg.GNUMirror = strings.TrimRight(mirror, "/")
	}
}

// Set overrides one key and re-resolves; used for command-line flags.
func (cfg *Config) Set(key, value string) {
	cfg.Values[key] = value
	cfg.resolve()
}
