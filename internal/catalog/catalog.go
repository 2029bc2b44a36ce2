// Package catalog loads reference point catalogs from YAML files, read-only
// SQLite databases, or the built-in measurement.
package catalog

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"cuip/internal/registration"
)

// Set is a named catalog with the anchors used for matching.
type Set struct {
	Name    string               `yaml:"name" json:"name"`
	Anchors []int                `yaml:"anchors" json:"anchors"`
	Points  []registration.Point `yaml:"points" json:"points"`
}

// Default returns the built-in catalog.
func Default() Set {
	return Set{
		Name:    "builtin",
		Anchors: append([]int(nil), registration.DefaultAnchors...),
		Points:  registration.DefaultCatalog().Points(),
	}
}

// Catalog builds the immutable registration catalog and validated anchors.
// An empty anchor list selects every point.
func (s Set) Catalog() (registration.Catalog, []int, error) {
	cat, err := registration.NewCatalog(s.Points)
	if err != nil {
		return registration.Catalog{}, nil, errors.Wrapf(err, "catalog %q", s.Name)
	}
	anchors := s.Anchors
	if len(anchors) == 0 {
		anchors = make([]int, cat.Len())
		for i := range anchors {
			anchors[i] = i
		}
	}
	seen := make(map[int]bool, len(anchors))
	for _, a := range anchors {
		if a < 0 || a >= cat.Len() || seen[a] {
			return registration.Catalog{}, nil, errors.Wrapf(registration.ErrInvalidCatalog, "catalog %q: bad anchor %d", s.Name, a)
		}
		seen[a] = true
	}
	if len(anchors) < 3 {
		return registration.Catalog{}, nil, errors.Wrapf(registration.ErrInvalidCatalog, "catalog %q: need at least 3 anchors", s.Name)
	}
	return cat, append([]int(nil), anchors...), nil
}

// Load reads a catalog by extension. An empty path returns Default.
func Load(path string) (Set, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case "":
		if path == "" {
			return Default(), nil
		}
	case ".yaml", ".yml":
		return LoadYAML(path)
	case ".db", ".sqlite", ".sqlite3":
		return LoadSQLite(path)
	}
	return Set{}, errors.Errorf("unsupported catalog format: %s", path)
}

// LoadYAML reads a catalog file.
func LoadYAML(path string) (Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Set{}, errors.Wrap(err, "read catalog file")
	}
	var s Set
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Set{}, errors.Wrapf(err, "parse catalog %s", path)
	}
	if s.Name == "" {
		s.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return s, nil
}

// SaveYAML writes s to path.
func SaveYAML(path string, s Set) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return errors.Wrap(err, "encode catalog")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "write catalog %s", path)
	}
	return nil
}
