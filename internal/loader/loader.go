// Package loader provides flow loaders: flow files on disk, in-memory flows, and a TTL cache.
package loader

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/FlowPipe/internal/models"
)

// FlowFilePattern selects flow definition files below the flows directory.
const FlowFilePattern = "**/*.{yaml,yml,json}"

// ParseFlow decodes a YAML or JSON flow definition and validates its graph. The format is
// chosen from the file extension; anything other than .json is read as YAML.
func ParseFlow(name string, data []byte) (*models.Flow, error) {
	def, err := decodeDefinition(name, data)
	if err != nil {
		return nil, &models.MalformedFlowError{FlowID: name, Reason: err.Error()}
	}
	return models.NewFlow(def)
}

func decodeDefinition(name string, data []byte) (models.FlowDefinition, error) {
	var def models.FlowDefinition
	if strings.EqualFold(path.Ext(name), ".json") {
		if err := json.Unmarshal(data, &def); err != nil {
			return def, fmt.Errorf("failed to decode JSON flow: %w", err)
		}
		return def, nil
	}

	// YAML goes through a generic document so node payloads share the JSON decoding path.
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return def, fmt.Errorf("failed to decode YAML flow: %w", err)
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return def, fmt.Errorf("failed to convert YAML flow: %w", err)
	}
	if err := json.Unmarshal(b, &def); err != nil {
		return def, fmt.Errorf("failed to decode YAML flow: %w", err)
	}
	return def, nil
}

// DirLoader loads flows from definition files in a directory tree. Files are indexed by
// flow id and re-read on every GetFlow, so it is usually wrapped in a Cached loader.
type DirLoader struct {
	root  string
	fsys  fs.FS
	mu    sync.RWMutex
	index map[string]string
}

// NewDirLoader creates a loader over dir. Call Scan to build the index.
func NewDirLoader(dir string) *DirLoader {
	return &DirLoader{root: dir, fsys: os.DirFS(dir), index: make(map[string]string)}
}

// Scan indexes every flow file below the root and returns the ids found. Files that fail
// to parse are logged and skipped; a duplicate flow id is an error.
func (d *DirLoader) Scan() ([]string, error) {
	files, err := doublestar.Glob(d.fsys, FlowFilePattern)
	if err != nil {
		return nil, fmt.Errorf("failed to list flow files in %s: %w", d.root, err)
	}

	index := make(map[string]string, len(files))
	ids := make([]string, 0, len(files))
	for _, file := range files {
		f, err := d.parseFile(file)
		if err != nil {
			slog.Warn("DirLoader.Scan: skipping invalid flow file", "file", filepath.Join(d.root, file), "error", err)
			continue
		}
		if prev, dup := index[f.ID()]; dup {
			return nil, fmt.Errorf("flow id %q defined in both %s and %s", f.ID(), prev, file)
		}
		index[f.ID()] = file
		ids = append(ids, f.ID())
	}

	d.mu.Lock()
	d.index = index
	d.mu.Unlock()
	slog.Info("DirLoader.Scan: indexed flows", "dir", d.root, "count", len(ids))
	return ids, nil
}

// GetFlow reads and validates the file defining flowID. Unknown ids trigger one rescan.
func (d *DirLoader) GetFlow(_ context.Context, flowID string) (*models.Flow, error) {
	file, ok := d.lookup(flowID)
	if !ok {
		if _, err := d.Scan(); err != nil {
			return nil, err
		}
		if file, ok = d.lookup(flowID); !ok {
			return nil, fmt.Errorf("%w: %s", models.ErrFlowNotFound, flowID)
		}
	}
	f, err := d.parseFile(file)
	if err != nil {
		return nil, err
	}
	if f.ID() != flowID {
		return nil, fmt.Errorf("%w: %s (file %s now defines %s)", models.ErrFlowNotFound, flowID, file, f.ID())
	}
	return f, nil
}

func (d *DirLoader) lookup(flowID string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	file, ok := d.index[flowID]
	return file, ok
}

func (d *DirLoader) parseFile(file string) (*models.Flow, error) {
	data, err := fs.ReadFile(d.fsys, file)
	if err != nil {
		return nil, fmt.Errorf("failed to read flow file %s: %w", file, err)
	}
	return ParseFlow(file, data)
}

// MemoryLoader serves flows registered in memory.
type MemoryLoader struct {
	mu    sync.RWMutex
	flows map[string]*models.Flow
}

// NewMemoryLoader creates a MemoryLoader holding flows.
func NewMemoryLoader(flows ...*models.Flow) *MemoryLoader {
	m := &MemoryLoader{flows: make(map[string]*models.Flow, len(flows))}
	for _, f := range flows {
		m.flows[f.ID()] = f
	}
	return m
}

// Add validates def and registers it, replacing any flow with the same id.
func (m *MemoryLoader) Add(def models.FlowDefinition) (*models.Flow, error) {
	f, err := models.NewFlow(def)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.flows[f.ID()] = f
	m.mu.Unlock()
	return f, nil
}

// GetFlow returns the registered flow.
func (m *MemoryLoader) GetFlow(_ context.Context, flowID string) (*models.Flow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if f, ok := m.flows[flowID]; ok {
		return f, nil
	}
	return nil, fmt.Errorf("%w: %s", models.ErrFlowNotFound, flowID)
}
