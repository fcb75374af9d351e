package profile

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/oc2gw/internal/protocol"
)

const (
	yamlManifestFilename = "manifest.yaml"
	tomlManifestFilename = "manifest.toml"
)

// Index holds discovered exec profile descriptors indexed by name.
type Index struct {
	items map[string]*Descriptor
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{items: make(map[string]*Descriptor)}
}

// Get retrieves a descriptor by name.
func (x *Index) Get(name string) (*Descriptor, bool) {
	d, ok := x.items[name]
	return d, ok
}

// Names returns all descriptor names, sorted.
func (x *Index) Names() []string {
	out := make([]string, 0, len(x.items))
	for name := range x.items {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Add registers a descriptor.
func (x *Index) Add(d *Descriptor) error {
	if _, exists := x.items[d.Name]; exists {
		return fmt.Errorf("profile %q already registered", d.Name)
	}
	x.items[d.Name] = d
	return nil
}

// ManifestPaths returns the manifest file of every descriptor, sorted.
func (x *Index) ManifestPaths() []string {
	out := make([]string, 0, len(x.items))
	for _, d := range x.items {
		out = append(out, d.ManifestPath)
	}
	sort.Strings(out)
	return out
}

// Discover scans profile roots for manifest.yaml or manifest.toml files.
// Roots are processed in input order; duplicate names keep the first found.
// Invalid profiles are logged and skipped.
func Discover(roots []string, logger func(level, msg string, args ...any)) (*Index, error) {
	if logger == nil {
		logger = func(level, msg string, args ...any) {}
	}

	absRoots := make([]string, 0, len(roots))
	seenRoots := make(map[string]struct{}, len(roots))
	for _, root := range roots {
		root = strings.TrimSpace(root)
		if root == "" {
			continue
		}
		absRoot, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve profile root %q: %w", root, err)
		}
		info, err := os.Stat(absRoot)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("profile root does not exist: %s", absRoot)
			}
			return nil, fmt.Errorf("failed to stat profile root %s: %w", absRoot, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("profile root is not a directory: %s", absRoot)
		}
		if _, ok := seenRoots[absRoot]; ok {
			continue
		}
		seenRoots[absRoot] = struct{}{}
		absRoots = append(absRoots, absRoot)
	}

	index := NewIndex()
	for _, root := range absRoots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if d.IsDir() {
				return nil
			}
			if d.Name() != yamlManifestFilename && d.Name() != tomlManifestFilename {
				return nil
			}

			desc, err := loadDescriptor(path, root)
			if err != nil {
				logger("warn", "failed to load profile", "root", root, "manifest", path, "error", err.Error())
				return nil
			}

			if err := index.Add(desc); err != nil {
				existing, _ := index.Get(desc.Name)
				logger("warn", "duplicate profile ignored (keeping first discovered)",
					"profile", desc.Name,
					"ignored_path", desc.ManifestPath,
					"kept_path", existing.ManifestPath,
				)
				return nil
			}

			logger("info", "loaded profile manifest", "profile", desc.Name, "path", desc.Path, "version", desc.Version, "actions", len(desc.Actions))
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scan profile root %s: %w", root, err)
		}
	}

	return index, nil
}

// ParseManifest decodes manifest bytes; the format follows the file extension.
func ParseManifest(filename string, data []byte) (*Manifest, error) {
	var m Manifest
	switch filepath.Ext(filename) {
	case ".toml":
		if _, err := toml.Decode(string(data), &m); err != nil {
			return nil, fmt.Errorf("failed to parse manifest TOML: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
		}
	}
	if err := validateManifest(&m); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	return &m, nil
}

// loadDescriptor reads and validates a single profile manifest.
func loadDescriptor(manifestPath, root string) (*Descriptor, error) {
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	m, err := ParseManifest(manifestPath, data)
	if err != nil {
		return nil, err
	}

	if m.Protocol != protocol.Version {
		return nil, fmt.Errorf("unsupported protocol version %d (supported: %d)", m.Protocol, protocol.Version)
	}

	profilePath := filepath.Dir(manifestPath)
	entrypointPath := filepath.Join(profilePath, m.Entrypoint)

	if err := validateTrust(entrypointPath, profilePath, root); err != nil {
		return nil, fmt.Errorf("trust validation failed: %w", err)
	}

	var timeout time.Duration
	if m.Timeout != "" {
		timeout, _ = time.ParseDuration(m.Timeout) // validated above
	}

	return &Descriptor{
		Name:         m.Name,
		Path:         profilePath,
		ManifestPath: manifestPath,
		Entrypoint:   entrypointPath,
		Protocol:     m.Protocol,
		Version:      m.Version,
		Description:  m.Description,
		Timeout:      timeout,
		Actions:      m.Actions,
	}, nil
}

// validateTrust requires the entrypoint to be an executable inside the
// profile directory, under the root, and the directory not world-writable.
func validateTrust(entrypointPath, profilePath, root string) error {
	resolvedEntrypoint, err := filepath.EvalSymlinks(entrypointPath)
	if err != nil {
		return fmt.Errorf("failed to resolve entrypoint symlink: %w", err)
	}

	resolvedProfilePath, err := filepath.EvalSymlinks(profilePath)
	if err != nil {
		return fmt.Errorf("failed to resolve profile path symlink: %w", err)
	}

	resolvedRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return fmt.Errorf("failed to resolve profile root symlink %s: %w", root, err)
	}
	if !strings.HasPrefix(resolvedEntrypoint, resolvedRoot+string(os.PathSeparator)) {
		return fmt.Errorf("entrypoint %s is not under profile root %s", resolvedEntrypoint, resolvedRoot)
	}

	if !strings.HasPrefix(resolvedEntrypoint, resolvedProfilePath+string(os.PathSeparator)) {
		return fmt.Errorf("entrypoint %s is not under profile directory %s", resolvedEntrypoint, resolvedProfilePath)
	}

	info, err := os.Stat(resolvedEntrypoint)
	if err != nil {
		return fmt.Errorf("entrypoint not found: %w", err)
	}
	if info.Mode()&0111 == 0 {
		return fmt.Errorf("entrypoint is not executable: %s", resolvedEntrypoint)
	}

	profileInfo, err := os.Stat(resolvedProfilePath)
	if err != nil {
		return fmt.Errorf("profile directory not found: %w", err)
	}
	if profileInfo.Mode().Perm()&0002 != 0 {
		return fmt.Errorf("profile directory is world-writable: %s", resolvedProfilePath)
	}

	return nil
}
