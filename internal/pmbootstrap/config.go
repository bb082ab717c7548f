package pmbootstrap

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/renameio/v2"
)

// Config is the persisted configuration record (spec §6), loaded from
// ${XDG_CONFIG_HOME}/pmbootstrap.cfg in INI-style. Grounded on the
// teacher's config.go flat-map loader, generalized into a typed record
// with explicit fields for the keys spec §6 names, per Design Note §9
// ("passed explicitly to every component rather than held in ambient
// globals" — the one deliberate structural departure from the teacher,
// which keeps its derived settings in package-level vars; see
// DESIGN.md).
type Config struct {
	Raw map[string]string

	Work     string
	Aports   string
	Device   string
	Kernel   string
	UI       string

	MirrorAlpine       []string
	MirrorsPostmarketOS []string

	Jobs int

	CcacheSize string
	Ccache     bool

	SSHKeys    []string
	SSHKeyGlob string

	Timezone string
	Locale   string
	Hostname string
	User     string
}

// DefaultConfigPath resolves ${XDG_CONFIG_HOME}/pmbootstrap.cfg, falling
// back to ~/.config like the teacher's ConfigFile default resolution.
func DefaultConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "pmbootstrap.cfg")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "pmbootstrap.cfg")
}

// LoadConfig reads path in INI-style KEY=value form (teacher's
// loadConfig), merges PMB_*/documented environment overrides, and
// derives the typed fields.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{Raw: make(map[string]string)}

	if f, err := os.Open(path); err == nil {
		defer f.Close()
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			parts := strings.SplitN(line, "=", 2)
			if len(parts) != 2 {
				continue
			}
			key := strings.TrimSpace(parts[0])
			val := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
			cfg.Raw[key] = val
		}
		if err := sc.Err(); err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	mergeConfigEnvOverrides(cfg)
	deriveConfig(cfg)
	return cfg, nil
}

// mergeConfigEnvOverrides merges PMB_* environment variables over the
// file-loaded values, mirroring the teacher's HOKUTO_* mergeEnvOverrides.
func mergeConfigEnvOverrides(cfg *Config) {
	for _, env := range os.Environ() {
		if strings.HasPrefix(env, "PMB_") {
			parts := strings.SplitN(env, "=", 2)
			if len(parts) == 2 {
				key := strings.TrimPrefix(parts[0], "PMB_")
				cfg.Raw[strings.ToLower(key)] = parts[1]
			}
		}
	}
}

func deriveConfig(cfg *Config) {
	cfg.Work = cfg.Raw["work"]
	cfg.Aports = cfg.Raw["aports"]
	cfg.Device = cfg.Raw["device"]
	cfg.Kernel = cfg.Raw["kernel"]
	cfg.UI = cfg.Raw["ui"]

	if v := cfg.Raw["mirror_alpine"]; v != "" {
		cfg.MirrorAlpine = splitOrdered(v)
	} else {
		cfg.MirrorAlpine = []string{"https://dl-cdn.alpinelinux.org/alpine"}
	}
	cfg.MirrorsPostmarketOS = splitOrdered(cfg.Raw["mirrors_postmarketos"])

	cfg.Jobs = 1
	if n, err := strconv.Atoi(cfg.Raw["jobs"]); err == nil && n > 0 {
		cfg.Jobs = n
	}

	cfg.CcacheSize = cfg.Raw["ccache_size"]
	cfg.Ccache = cfg.Raw["ccache"] == "1"

	cfg.SSHKeys = splitOrdered(cfg.Raw["ssh_keys"])
	cfg.SSHKeyGlob = cfg.Raw["ssh_key_glob"]

	cfg.Timezone = cfg.Raw["timezone"]
	cfg.Locale = cfg.Raw["locale"]
	cfg.Hostname = cfg.Raw["hostname"]
	cfg.User = cfg.Raw["user"]
}

func splitOrdered(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Save persists cfg back to path atomically (google/renameio), used by
// `init` and `settings`-style external collaborators that write through
// this record (spec §1 external interfaces, §6).
func (c *Config) Save(path string) error {
	var b strings.Builder
	for k, v := range c.Raw {
		fmt.Fprintf(&b, "%s=%q\n", k, v)
	}
	return renameio.WriteFile(path, []byte(b.String()), 0o644)
}
