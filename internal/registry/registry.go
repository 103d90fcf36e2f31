// Package registry reads test manifests into the collection-ordered item list
// the scheduler works from. Manifests may be TOML, HCL, or JSON.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"github.com/antigravity-dev/depgate/internal/graph"
)

// manifestTest is one test entry as written in a TOML or JSON manifest.
type manifestTest struct {
	ID        string   `toml:"id" json:"id"`
	Groups    []string `toml:"groups" json:"groups"`
	DependsOn []string `toml:"depends_on" json:"depends_on"`
	Command   []string `toml:"command" json:"command"`
	Timeout   string   `toml:"timeout" json:"timeout"`
}

type manifestFile struct {
	Tests []manifestTest `toml:"test" json:"tests"`
}

// hclTest is the HCL form: test "<id>" { ... }.
type hclTest struct {
	ID        string   `hcl:"id,label"`
	Groups    []string `hcl:"groups,optional"`
	DependsOn []string `hcl:"depends_on,optional"`
	Command   []string `hcl:"command,optional"`
	Timeout   string   `hcl:"timeout,optional"`
}

type hclRoot struct {
	Tests []*hclTest `hcl:"test,block"`
}

var extensions = map[string]struct{}{
	".toml": {},
	".hcl":  {},
	".json": {},
}

// Load reads every manifest reachable from paths, in the order given.
// Directories contribute their manifest files sorted by name; nested
// directories are not descended into. A file reached twice is read once.
// Items keep the order they appear in, which is the collection order the
// scheduler breaks ties with.
func Load(paths ...string) ([]graph.Item, error) {
	files, err := manifestFiles(paths)
	if err != nil {
		return nil, err
	}

	var items []graph.Item
	for _, file := range files {
		fileItems, err := LoadFile(file)
		if err != nil {
			return nil, err
		}
		items = append(items, fileItems...)
	}
	return items, nil
}

// LoadFile reads a single manifest, choosing the format by extension.
func LoadFile(path string) ([]graph.Item, error) {
	var (
		tests []manifestTest
		err   error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		tests, err = decodeTOML(path)
	case ".json":
		tests, err = decodeJSON(path)
	case ".hcl":
		tests, err = decodeHCL(path)
	default:
		return nil, fmt.Errorf("registry: %s: unsupported manifest extension %q", path, filepath.Ext(path))
	}
	if err != nil {
		return nil, err
	}

	items := make([]graph.Item, 0, len(tests))
	for i, test := range tests {
		item, err := test.toItem()
		if err != nil {
			return nil, fmt.Errorf("registry: %s: test #%d: %w", path, i+1, err)
		}
		items = append(items, item)
	}
	return items, nil
}

func decodeTOML(path string) ([]manifestTest, error) {
	var file manifestFile
	md, err := toml.DecodeFile(path, &file)
	if err != nil {
		return nil, fmt.Errorf("registry: parsing %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("registry: %s: unknown key %q", path, undecoded[0].String())
	}
	return file.Tests, nil
}

func decodeJSON(path string) ([]manifestTest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("registry: reading %s: %w", path, err)
	}
	defer f.Close()

	var file manifestFile
	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("registry: parsing %s: %w", path, err)
	}
	return file.Tests, nil
}

func decodeHCL(path string) ([]manifestTest, error) {
	parser := hclparse.NewParser()
	hclFile, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("registry: failed to parse HCL file %s: %w", path, diags)
	}

	var root hclRoot
	diags = gohcl.DecodeBody(hclFile.Body, nil, &root)
	if diags.HasErrors() {
		return nil, fmt.Errorf("registry: failed to decode HCL file %s: %w", path, diags)
	}

	tests := make([]manifestTest, 0, len(root.Tests))
	for _, t := range root.Tests {
		tests = append(tests, manifestTest{
			ID:        t.ID,
			Groups:    t.Groups,
			DependsOn: t.DependsOn,
			Command:   t.Command,
			Timeout:   t.Timeout,
		})
	}
	return tests, nil
}

func (m manifestTest) toItem() (graph.Item, error) {
	id := strings.TrimSpace(m.ID)
	if id == "" {
		return graph.Item{}, graph.ErrEmptyID
	}

	item := graph.Item{
		ID:        id,
		Groups:    trimAll(m.Groups),
		DependsOn: m.DependsOn,
		Command:   m.Command,
	}
	if m.Timeout != "" {
		d, err := time.ParseDuration(m.Timeout)
		if err != nil {
			return graph.Item{}, fmt.Errorf("%q: invalid timeout %q: %w", id, m.Timeout, err)
		}
		if d < 0 {
			return graph.Item{}, fmt.Errorf("%q: timeout must not be negative", id)
		}
		item.Timeout = d
	}
	return item, nil
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// manifestFiles expands paths into a flat, ordered file list.
func manifestFiles(paths []string) ([]string, error) {
	var files []string
	seen := make(map[string]struct{})
	add := func(p string) {
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		files = append(files, p)
	}

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("registry: manifest path %s: %w", path, err)
		}
		if !info.IsDir() {
			add(filepath.Clean(path))
			continue
		}

		// os.ReadDir returns entries sorted by filename.
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, fmt.Errorf("registry: reading directory %s: %w", path, err)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			if _, ok := extensions[strings.ToLower(filepath.Ext(entry.Name()))]; !ok {
				continue
			}
			add(filepath.Join(path, entry.Name()))
		}
	}
	return files, nil
}
