package onnx

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// Graph names an export must use.
const (
	GraphGenerate = "generate"
	GraphVocoder  = "vocoder"
)

// contract lists the nodes each graph must declare, when it declares any.
// max_decoder_steps, alignments and done are optional.
var contract = map[string]struct{ inputs, outputs []string }{
	GraphGenerate: {
		inputs:  []string{"tokens", "text_positions"},
		outputs: []string{"mel", "linear"},
	},
	GraphVocoder: {
		inputs:  []string{"magnitude"},
		outputs: []string{"waveform"},
	},
}

type Node struct {
	Name  string `json:"name"`
	DType string `json:"dtype"`
	Shape []any  `json:"shape"`
}

// Graph is one exported model file and its declared signature.
type Graph struct {
	Name    string
	Path    string
	Inputs  []Node
	Outputs []Node
}

// HasInput reports whether the graph declares an input called name.
func (g Graph) HasInput(name string) bool {
	return hasNode(g.Inputs, name)
}

func hasNode(nodes []Node, name string) bool {
	return slices.ContainsFunc(nodes, func(n Node) bool { return n.Name == name })
}

// Manifest is a parsed manifest.json describing an exported model.
type Manifest struct {
	Path   string
	graphs map[string]Graph
}

type manifestFile struct {
	Graphs []struct {
		Name     string `json:"name"`
		Filename string `json:"filename"`
		Inputs   []Node `json:"inputs"`
		Outputs  []Node `json:"outputs"`
	} `json:"graphs"`
}

// LoadManifest reads a manifest. Graph files resolve relative to the manifest
// and must exist.
func LoadManifest(path string) (*Manifest, error) {
	if path == "" {
		return nil, fmt.Errorf("onnx: manifest path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("onnx: read manifest: %w", err)
	}

	var mf manifestFile
	if err := json.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("onnx: decode manifest %s: %w", path, err)
	}

	if len(mf.Graphs) == 0 {
		return nil, fmt.Errorf("onnx: manifest %s lists no graphs", path)
	}

	m := &Manifest{Path: path, graphs: make(map[string]Graph, len(mf.Graphs))}
	base := filepath.Dir(path)

	for _, entry := range mf.Graphs {
		g := Graph{Name: entry.Name, Path: entry.Filename, Inputs: entry.Inputs, Outputs: entry.Outputs}
		if g.Path != "" && !filepath.IsAbs(g.Path) {
			g.Path = filepath.Join(base, g.Path)
		}

		if err := m.add(g); err != nil {
			return nil, err
		}

		slog.Debug("onnx graph", "name", g.Name, "path", g.Path, "inputs", nodeNames(g.Inputs), "outputs", nodeNames(g.Outputs))
	}

	return m, nil
}

func (m *Manifest) add(g Graph) error {
	want, known := contract[g.Name]
	switch {
	case g.Name == "":
		return fmt.Errorf("onnx: manifest graph has an empty name")
	case !known:
		return fmt.Errorf("onnx: unknown graph %q (want %s or %s)", g.Name, GraphGenerate, GraphVocoder)
	case g.Path == "":
		return fmt.Errorf("onnx: graph %q has an empty filename", g.Name)
	}

	if _, dup := m.graphs[g.Name]; dup {
		return fmt.Errorf("onnx: graph %q listed twice", g.Name)
	}

	if _, err := os.Stat(g.Path); err != nil {
		return fmt.Errorf("onnx: graph %q: %w", g.Name, err)
	}

	if len(g.Inputs) > 0 {
		for _, name := range want.inputs {
			if !hasNode(g.Inputs, name) {
				return fmt.Errorf("onnx: graph %q lacks input %q", g.Name, name)
			}
		}
	}

	if len(g.Outputs) > 0 {
		for _, name := range want.outputs {
			if !hasNode(g.Outputs, name) {
				return fmt.Errorf("onnx: graph %q lacks output %q", g.Name, name)
			}
		}
	}

	m.graphs[g.Name] = g

	return nil
}

// Graph returns the named graph.
func (m *Manifest) Graph(name string) (Graph, error) {
	g, ok := m.graphs[name]
	if !ok {
		return Graph{}, fmt.Errorf("onnx: manifest %s has no %q graph", m.Path, name)
	}

	return g, nil
}

// Names lists the graphs in the manifest, sorted.
func (m *Manifest) Names() []string {
	names := make([]string, 0, len(m.graphs))
	for name := range m.graphs {
		names = append(names, name)
	}
	slices.Sort(names)

	return names
}

func nodeNames(nodes []Node) string {
	names := make([]string, len(nodes))
	for i, n := range nodes {
		names[i] = n.Name
	}

	return strings.Join(names, ",")
}
