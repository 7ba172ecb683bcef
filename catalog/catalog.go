// Package catalog holds the compiled-in table of downloadable artifacts.
// The table is keyed by a stable string key; looking up a key that is not
// in the catalog is a programming error and panics.
package catalog

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/noteflow-ai/modelstore/types"
)

// Catalog is a read-only lookup of artifact descriptors.
type Catalog struct {
	entries map[string]types.ArtifactDescriptor
}

// New builds a catalog from descriptors. Duplicate keys panic since the
// table is assembled at build time.
func New(descriptors ...types.ArtifactDescriptor) *Catalog {
	entries := make(map[string]types.ArtifactDescriptor, len(descriptors))
	for _, d := range descriptors {
		if _, dup := entries[d.Key]; dup {
			panic(fmt.Sprintf("catalog: duplicate artifact key %q", d.Key))
		}
		entries[d.Key] = d
	}
	return &Catalog{entries: entries}
}

// Builtin returns the catalog compiled into the client.
func Builtin() *Catalog {
	return New(builtinDescriptors...)
}

// MustGet returns the descriptor for key, panicking if the key is unknown.
// The catalog is static, so an unknown key is a bug in the caller, not a
// runtime condition.
func (c *Catalog) MustGet(key string) types.ArtifactDescriptor {
	d, ok := c.entries[key]
	if !ok {
		panic(fmt.Sprintf("catalog: unknown artifact key %q", key))
	}
	return d
}

// Get returns the descriptor for key and whether it exists.
func (c *Catalog) Get(key string) (types.ArtifactDescriptor, bool) {
	d, ok := c.entries[key]
	return d, ok
}

// Has reports whether key is in the catalog.
func (c *Catalog) Has(key string) bool {
	_, ok := c.entries[key]
	return ok
}

// Enumerate returns all descriptors of a family, sorted by key.
func (c *Catalog) Enumerate(family types.Family) []types.ArtifactDescriptor {
	var out []types.ArtifactDescriptor
	for _, d := range c.entries {
		if d.Family == family {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Keys returns the sorted keys of a family.
func (c *Catalog) Keys(family types.Family) []string {
	descriptors := c.Enumerate(family)
	keys := make([]string, len(descriptors))
	for i, d := range descriptors {
		keys[i] = d.Key
	}
	return keys
}

// overlayFile is the YAML shape of a catalog overlay.
type overlayFile struct {
	Artifacts []types.ArtifactDescriptor `yaml:"artifacts"`
}

// LoadOverlay merges descriptors from a YAML file over the catalog and
// returns the merged catalog. Overlay entries replace builtin entries with
// the same key (for repointing mirrors) or add new ones; builtin keys are
// never removed. The receiver is not modified.
func (c *Catalog) LoadOverlay(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog overlay: %w", err)
	}

	var overlay overlayFile
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return nil, fmt.Errorf("parse catalog overlay: %w", err)
	}

	merged := make(map[string]types.ArtifactDescriptor, len(c.entries)+len(overlay.Artifacts))
	for k, d := range c.entries {
		merged[k] = d
	}
	for _, d := range overlay.Artifacts {
		if d.Key == "" {
			return nil, fmt.Errorf("catalog overlay: artifact with empty key in %s", path)
		}
		if base, ok := merged[d.Key]; ok {
			// Partial override: empty overlay fields keep the builtin value.
			if d.DisplayName == "" {
				d.DisplayName = base.DisplayName
			}
			if d.RemoteURL == "" {
				d.RemoteURL = base.RemoteURL
			}
			if d.DestinationFilename == "" {
				d.DestinationFilename = base.DestinationFilename
			}
			if d.ExpectedSizeMB == 0 {
				d.ExpectedSizeMB = base.ExpectedSizeMB
			}
			if d.Description == "" {
				d.Description = base.Description
			}
			if d.Family == "" {
				d.Family = base.Family
			}
		}
		if d.Family == "" {
			return nil, fmt.Errorf("catalog overlay: artifact %q has no family", d.Key)
		}
		merged[d.Key] = d
	}

	return &Catalog{entries: merged}, nil
}
