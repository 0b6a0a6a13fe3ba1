// Package flavor describes the agent CLIs a runner can host: the binary to
// spawn, the notification dialect it speaks, and how its sessions resume.
package flavor

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Dialect selects the notification family an agent CLI emits.
type Dialect string

const (
	// DialectDirect is the item/turn/thread notification family.
	DialectDirect Dialect = "direct"
	// DialectCodex is the wrapped codex/event/* notification family.
	DialectCodex Dialect = "codex"
)

// Flavor describes one supported agent CLI.
type Flavor struct {
	Name    string  `yaml:"name"`
	Binary  string  `yaml:"binary"`
	Dialect Dialect `yaml:"dialect"`
	// ResumeTokenKey names the agent-state field holding the token needed
	// to resume a session, e.g. "claudeSessionId". Empty means sessions of
	// this flavor cannot be resumed.
	ResumeTokenKey string `yaml:"resumeTokenKey"`
	// InstallHint is shown when the binary is missing from PATH.
	InstallHint string   `yaml:"installHint"`
	ExtraArgs   []string `yaml:"extraArgs,omitempty"`
}

// Catalog maps flavor names to their definitions.
type Catalog struct {
	flavors map[string]Flavor
}

// Builtin returns the catalog of agents supported out of the box.
func Builtin() *Catalog {
	return &Catalog{flavors: map[string]Flavor{
		"claude": {
			Name:           "claude",
			Binary:         "claude",
			Dialect:        DialectDirect,
			ResumeTokenKey: "claudeSessionId",
			InstallHint:    "install it with: npm install -g @anthropic-ai/claude-code",
		},
		"codex": {
			Name:           "codex",
			Binary:         "codex",
			Dialect:        DialectCodex,
			ResumeTokenKey: "codexSessionId",
			InstallHint:    "install it with: npm install -g @openai/codex",
		},
		"gemini": {
			Name:           "gemini",
			Binary:         "gemini",
			Dialect:        DialectDirect,
			ResumeTokenKey: "geminiSessionId",
			InstallHint:    "install it with: npm install -g @google/gemini-cli",
		},
		"opencode": {
			Name:           "opencode",
			Binary:         "opencode",
			Dialect:        DialectDirect,
			ResumeTokenKey: "opencodeSessionId",
			InstallHint:    "install it with: npm install -g opencode-ai",
		},
	}}
}

// Load returns the builtin catalog, optionally overlaid with definitions
// from a YAML file. File entries replace builtin flavors of the same name.
func Load(path string) (*Catalog, error) {
	catalog := Builtin()
	if path == "" {
		return catalog, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read flavor file: %w", err)
	}
	var overrides struct {
		Flavors []Flavor `yaml:"flavors"`
	}
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("failed to parse flavor file: %w", err)
	}
	for _, f := range overrides.Flavors {
		if f.Name == "" {
			return nil, fmt.Errorf("flavor entry without a name")
		}
		if f.Binary == "" {
			f.Binary = f.Name
		}
		catalog.flavors[f.Name] = f
	}
	return catalog, nil
}

// Get looks a flavor up by name.
func (c *Catalog) Get(name string) (Flavor, bool) {
	f, ok := c.flavors[name]
	return f, ok
}

// Names returns all known flavor names.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.flavors))
	for name := range c.flavors {
		names = append(names, name)
	}
	return names
}

// Default is the flavor used when a spawn request names none.
func (c *Catalog) Default() Flavor {
	f := c.flavors["claude"]
	return f
}
