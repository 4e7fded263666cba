package somebuild

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// ManifestFile is the manifest name looked up in the input directory.
const ManifestFile = "SOMEBUILD.toml"

// Manifest describes one package. It is not modified after LoadManifest.
type Manifest struct {
	General General     `toml:"general"`
	Source  Source      `toml:"source"`
	Build   BuildScript `toml:"build"`
}

type General struct {
	Name        string   `toml:"name"`
	Description string   `toml:"description"`
	Homepage    string   `toml:"homepage"`
	Licenses    []string `toml:"licenses"`
	Licences    []string `toml:"licences"`
}

type Source struct {
	Version string `toml:"version"`
	URL     string `toml:"url"`
	Hash    string `toml:"hash"`
	Release int64  `toml:"release"`
}

type BuildScript struct {
	Setup   string       `toml:"setup"`
	Build   string       `toml:"build"`
	Install string       `toml:"install"`
	Options BuildOptions `toml:"options"`
}

type BuildOptions struct {
	Compiler string `toml:"compiler"`
	WithLTO  *bool  `toml:"with_lto"`
}

// LTO reports whether link-time optimisation is enabled; absent means on.
func (o BuildOptions) LTO() bool {
	return o.WithLTO == nil || *o.WithLTO
}

// FullName is "<name>-<version>".
func (m *Manifest) FullName() string {
	return m.General.Name + "-" + m.Source.Version
}

// LoadManifest reads SOMEBUILD.toml from dir, applies defaults and checks
// the fields the pipeline cannot run without.
func LoadManifest(dir string) (*Manifest, error) {
	path := filepath.Join(dir, ManifestFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, manifestError("failed to read "+ManifestFile, err)
	}
	return ParseManifest(string(data))
}

func ParseManifest(data string) (*Manifest, error) {
	var m Manifest
	if _, err := toml.Decode(data, &m); err != nil {
		return nil, manifestError("failed to parse "+ManifestFile, err)
	}

	if m.Build.Options.Compiler == "" {
		m.Build.Options.Compiler = "clang"
	}
	if len(m.General.Licenses) == 0 {
		m.General.Licenses = m.General.Licences
	}
	m.General.Licences = nil
	m.Source.URL = strings.TrimSpace(m.Source.URL)

	var missing []string
	for _, f := range []struct{ key, val string }{
		{"general.name", m.General.Name},
		{"source.version", m.Source.Version},
		{"source.url", m.Source.URL},
		{"source.hash", m.Source.Hash},
	} {
		if strings.TrimSpace(f.val) == "" {
			missing = append(missing, f.key)
		}
	}
	if len(missing) > 0 {
		return nil, manifestError("invalid "+ManifestFile,
			errors.New("missing required fields: "+strings.Join(missing, ", ")))
	}
	return &m, nil
}

func (m *Manifest) String() string {
	return fmt.Sprintf("%s-%s_%d", m.General.Name, m.Source.Version, m.Source.Release)
}
