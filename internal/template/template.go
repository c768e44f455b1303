// ABOUTME: Server templates loaded from TOML files on disk.
// ABOUTME: Provide image, startup command, env defaults, and network mode.

package template

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Template describes how servers of one kind are provisioned. The ID is the
// TOML filename without extension.
type Template struct {
	ID             string            `toml:"-"`
	Name           string            `toml:"name"`
	Image          string            `toml:"image"`
	StartupCommand string            `toml:"startup_command"`
	HostNetwork    bool              `toml:"host_network"`
	Environment    map[string]string `toml:"environment"`
}

// Library is an immutable set of templates loaded at startup.
type Library struct {
	templates map[string]*Template
}

// LoadDir reads every .toml file in dir into a Library. A missing directory
// yields an empty library rather than an error, since templates are optional.
func LoadDir(dir string) (*Library, error) {
	lib := &Library{templates: make(map[string]*Template)}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return lib, nil
		}
		return nil, fmt.Errorf("reading template dir: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".toml") {
			continue
		}
		path := filepath.Join(dir, e.Name())

		var tmpl Template
		if _, err := toml.DecodeFile(path, &tmpl); err != nil {
			return nil, fmt.Errorf("parsing template %s: %w", e.Name(), err)
		}
		tmpl.ID = strings.TrimSuffix(e.Name(), ".toml")
		if tmpl.Name == "" {
			tmpl.Name = tmpl.ID
		}
		lib.templates[tmpl.ID] = &tmpl
	}
	return lib, nil
}

// Get returns the template with the given ID, or nil.
func (l *Library) Get(id string) *Template {
	return l.templates[id]
}

// Len returns the number of loaded templates.
func (l *Library) Len() int {
	return len(l.templates)
}

// MergeEnvironment layers per-server environment over the template defaults.
// Server values win. In host-network mode the template's derived host IP
// variable is injected when hostIP is known and the server did not set one.
func (t *Template) MergeEnvironment(serverEnv map[string]string, hostIP string) map[string]string {
	merged := make(map[string]string, len(t.Environment)+len(serverEnv)+1)
	for k, v := range t.Environment {
		merged[k] = v
	}
	for k, v := range serverEnv {
		merged[k] = v
	}
	if t.HostNetwork && hostIP != "" {
		if _, set := merged["HOST_IP"]; !set {
			merged["HOST_IP"] = hostIP
		}
	}
	return merged
}
