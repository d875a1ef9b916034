package index

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/natefinch/atomic"
	"gopkg.in/yaml.v3"
)

// Manifest is the on-disk description of an index layout: the geometry,
// the shape of every handler and every patch window.
type Manifest struct {
	Length   []int         `yaml:"length,omitempty"`
	Stride   []int         `yaml:"stride,omitempty"`
	Handlers []ShapeRecord `yaml:"handlers"`
	Patches  []PatchRecord `yaml:"patches,omitempty"`
}

// ShapeRecord is the 2D shape of one handler.
type ShapeRecord struct {
	Rows int `yaml:"rows"`
	Cols int `yaml:"cols"`
}

// Manifest describes the index.
func (ix *Index) Manifest() Manifest {
	m := Manifest{
		Length:   append([]int(nil), ix.opts.Length...),
		Stride:   append([]int(nil), ix.opts.Stride...),
		Handlers: make([]ShapeRecord, len(ix.handlers)),
		Patches:  ix.Records(),
	}
	for i, h := range ix.handlers {
		rows, cols := h.Shape()
		m.Handlers[i] = ShapeRecord{Rows: rows, Cols: cols}
	}
	return m
}

// WriteManifest saves the manifest as YAML. The file is replaced atomically
// so readers never observe a partial manifest.
func (ix *Index) WriteManifest(path string) error {
	data, err := yaml.Marshal(ix.Manifest())
	if err != nil {
		return fmt.Errorf("error marshaling manifest: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating manifest directory: %w", err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("error writing manifest: %w", err)
	}
	return nil
}

// ReadManifest loads a manifest written by WriteManifest.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("error parsing manifest: %w", err)
	}
	return &m, nil
}

// Verify reports the first difference between the manifest and ix, or nil
// when ix has exactly the recorded layout.
func (m *Manifest) Verify(ix *Index) error {
	got := ix.Manifest()
	if !slices.Equal(m.Length, got.Length) || !slices.Equal(m.Stride, got.Stride) {
		return fmt.Errorf("geometry differs: manifest length %v stride %v, index length %v stride %v",
			m.Length, m.Stride, got.Length, got.Stride)
	}
	if len(m.Handlers) != len(got.Handlers) {
		return fmt.Errorf("manifest has %d slices, index has %d", len(m.Handlers), len(got.Handlers))
	}
	for i := range m.Handlers {
		if m.Handlers[i] != got.Handlers[i] {
			return fmt.Errorf("slice %d: manifest shape %v, index shape %v", i, m.Handlers[i], got.Handlers[i])
		}
	}
	if len(m.Patches) != len(got.Patches) {
		return fmt.Errorf("manifest has %d patches, index has %d", len(m.Patches), len(got.Patches))
	}
	for i := range m.Patches {
		if m.Patches[i] != got.Patches[i] {
			return fmt.Errorf("patch %d: manifest %+v, index %+v", i, m.Patches[i], got.Patches[i])
		}
	}
	return nil
}
