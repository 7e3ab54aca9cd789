package descriptor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrPipelineNotFound is returned when no descriptor matches a pipeline identifier.
var ErrPipelineNotFound = errors.New("pipeline not found")

// Pipeline locates one pipeline's original descriptor.
type Pipeline struct {
	ID   string `json:"identifier"`
	Type string `json:"descriptorType"`
	Path string `json:"-"`
}

// Catalog finds pipelines in a directory laid out as <dir>/<type>/<id>.<ext>.
type Catalog struct {
	dir   string
	types []string
}

// NewCatalog creates a catalog over dir, considering only the given types.
func NewCatalog(dir string, types []string) *Catalog {
	return &Catalog{dir: dir, types: types}
}

// Lookup returns the pipeline with the given identifier.
func (c *Catalog) Lookup(id string) (Pipeline, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return Pipeline{}, fmt.Errorf("%w: %q", ErrPipelineNotFound, id)
	}
	for _, typ := range c.types {
		matches, err := filepath.Glob(filepath.Join(c.dir, typ, globEscape(id)+".*"))
		if err != nil {
			return Pipeline{}, fmt.Errorf("search pipelines: %w", err)
		}
		for _, m := range matches {
			if pipelineID(m) == id {
				return Pipeline{ID: id, Type: typ, Path: m}, nil
			}
		}
	}
	return Pipeline{}, fmt.Errorf("%w: %q", ErrPipelineNotFound, id)
}

// List returns every pipeline in the catalog, sorted by identifier.
func (c *Catalog) List() ([]Pipeline, error) {
	var out []Pipeline
	for _, typ := range c.types {
		entries, err := os.ReadDir(filepath.Join(c.dir, typ))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s pipelines: %w", typ, err)
		}
		for _, e := range entries {
			if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			path := filepath.Join(c.dir, typ, e.Name())
			out = append(out, Pipeline{ID: pipelineID(path), Type: typ, Path: path})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func pipelineID(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func globEscape(s string) string {
	r := strings.NewReplacer(`*`, `\*`, `?`, `\?`, `[`, `\[`)
	return r.Replace(s)
}
