// Package codexconfig reads and edits the config.toml inside a profile's
// CODEX_HOME, in particular the mcp_servers table that controls which MCP
// servers the app-server launches.
package codexconfig

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// MCPServer is one mcp_servers entry.
type MCPServer struct {
	Command string            `toml:"command"`
	Args    []string          `toml:"args,omitempty"`
	Env     map[string]string `toml:"env,omitempty"`
}

// File is the subset of config.toml the hub manages. Unknown keys are
// preserved across a read/write cycle via the Extra map.
type File struct {
	Model      string               `toml:"model,omitempty"`
	MCPServers map[string]MCPServer `toml:"mcp_servers,omitempty"`

	extra map[string]toml.Primitive
	meta  toml.MetaData
}

// Path returns the config file location for a CODEX_HOME.
func Path(codexHome string) string {
	return filepath.Join(codexHome, "config.toml")
}

// Load reads config.toml from the given CODEX_HOME. A missing file yields
// an empty config rather than an error.
func Load(codexHome string) (*File, error) {
	f := &File{
		MCPServers: make(map[string]MCPServer),
		extra:      make(map[string]toml.Primitive),
	}

	path := Path(codexHome)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var raw map[string]toml.Primitive
	meta, err := toml.Decode(string(data), &raw)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	f.meta = meta

	for key, prim := range raw {
		switch key {
		case "model":
			if err := meta.PrimitiveDecode(prim, &f.Model); err != nil {
				return nil, fmt.Errorf("parse %s: model: %w", path, err)
			}
		case "mcp_servers":
			if err := meta.PrimitiveDecode(prim, &f.MCPServers); err != nil {
				return nil, fmt.Errorf("parse %s: mcp_servers: %w", path, err)
			}
		default:
			f.extra[key] = prim
		}
	}
	if f.MCPServers == nil {
		f.MCPServers = make(map[string]MCPServer)
	}
	return f, nil
}

// SetMCPServer adds or replaces one server entry.
func (f *File) SetMCPServer(name string, server MCPServer) {
	f.MCPServers[name] = server
}

// RemoveMCPServer deletes one server entry; absent names are tolerated.
func (f *File) RemoveMCPServer(name string) {
	delete(f.MCPServers, name)
}

// Save writes the config back atomically, carrying unmanaged keys through
// unchanged.
func (f *File) Save(codexHome string) error {
	if err := os.MkdirAll(codexHome, 0o700); err != nil {
		return fmt.Errorf("create codex home: %w", err)
	}

	out := make(map[string]any, len(f.extra)+2)
	for key, prim := range f.extra {
		var value any
		if err := f.meta.PrimitiveDecode(prim, &value); err != nil {
			return fmt.Errorf("carry key %s: %w", key, err)
		}
		out[key] = value
	}
	if f.Model != "" {
		out["model"] = f.Model
	}
	if len(f.MCPServers) > 0 {
		out["mcp_servers"] = f.MCPServers
	}

	path := Path(codexHome)
	tmp, err := os.CreateTemp(codexHome, "config-*.toml")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	enc := toml.NewEncoder(tmp)
	if err := enc.Encode(out); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("encode config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}
