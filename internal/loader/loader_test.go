package loader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/FlowPipe/internal/flow"
	"github.com/BTreeMap/FlowPipe/internal/models"
)

var (
	_ flow.FlowLoader = (*DirLoader)(nil)
	_ flow.FlowLoader = (*MemoryLoader)(nil)
	_ flow.FlowLoader = (*Cached)(nil)
)

const welcomeYAML = `
id: welcome
version: "1"
name: Welcome
nodes:
  - id: start
    type: start
  - id: ask
    type: question
    data:
      text: "How old are you?"
      output_variable: age
      response_type: number
  - id: check
    type: condition
    data:
      clauses:
        - variable: age
          operator: gte
          value: 18
  - id: adult
    type: end
    data:
      text: Welcome!
  - id: minor
    type: handoff
    data:
      priority: high
edges:
  - {source: start, target: ask}
  - {source: ask, target: check}
  - {source: check, target: adult, label: true}
  - {source: check, target: minor, label: false}
`

const supportJSON = `{"id":"support","nodes":[{"id":"s","type":"start"},{"id":"e","type":"end","data":{"text":"ok"}}],"edges":[{"source":"s","target":"e"}]}`

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func TestParseFlow_YAML(t *testing.T) {
	f, err := ParseFlow("welcome.yaml", []byte(welcomeYAML))
	require.NoError(t, err)
	assert.Equal(t, "welcome", f.ID())
	assert.Equal(t, "Welcome", f.Name())

	check, err := f.Node("check")
	require.NoError(t, err)
	assert.Equal(t, "18", check.Data.(*models.ConditionData).Clauses[0].Value)
	edges := f.OutgoingEdges("check")
	require.Len(t, edges, 2)
	assert.Equal(t, "true", edges[0].Label)
	assert.Equal(t, "false", edges[1].Label)
}

func TestParseFlow_Invalid(t *testing.T) {
	_, err := ParseFlow("bad.yaml", []byte("id: [unclosed"))
	assert.True(t, errors.Is(err, models.ErrMalformedFlow))

	_, err = ParseFlow("bad.json", []byte(`{"id":"x","nodes":[{"id":"a","type":"message"}],"edges":[{"source":"a","target":"zzz"}]}`))
	assert.True(t, errors.Is(err, models.ErrMalformedFlow))
}

func TestDirLoader_ScanAndGet(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "welcome.yaml", welcomeYAML)
	writeFile(t, dir, "nested/support.json", supportJSON)
	writeFile(t, dir, "broken.yml", "nodes: [")
	writeFile(t, dir, "README.md", "# not a flow")

	l := NewDirLoader(dir)
	ids, err := l.Scan()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"welcome", "support"}, ids)

	f, err := l.GetFlow(context.Background(), "support")
	require.NoError(t, err)
	assert.Equal(t, "s", f.EntryNodeID())

	_, err = l.GetFlow(context.Background(), "nope")
	assert.True(t, errors.Is(err, models.ErrFlowNotFound))
}

func TestDirLoader_PicksUpNewFiles(t *testing.T) {
	dir := t.TempDir()
	l := NewDirLoader(dir)
	_, err := l.Scan()
	require.NoError(t, err)

	writeFile(t, dir, "support.json", supportJSON)
	f, err := l.GetFlow(context.Background(), "support")
	require.NoError(t, err)
	assert.Equal(t, "support", f.ID())
}

func TestDirLoader_DuplicateIDs(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.json", supportJSON)
	writeFile(t, dir, "b/a.json", supportJSON)
	_, err := NewDirLoader(dir).Scan()
	assert.Error(t, err)
}

func TestMemoryLoader(t *testing.T) {
	m := NewMemoryLoader()
	_, err := m.Add(models.FlowDefinition{ID: "x", Nodes: []models.Node{{ID: "s", Type: models.NodeTypeStart}}})
	require.NoError(t, err)

	f, err := m.GetFlow(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "x", f.ID())

	_, err = m.GetFlow(context.Background(), "y")
	assert.ErrorIs(t, err, models.ErrFlowNotFound)

	_, err = m.Add(models.FlowDefinition{ID: "bad"})
	assert.ErrorIs(t, err, models.ErrMalformedFlow)
}

type countingSource struct {
	calls atomic.Int32
	inner Source
}

func (c *countingSource) GetFlow(ctx context.Context, id string) (*models.Flow, error) {
	c.calls.Add(1)
	return c.inner.GetFlow(ctx, id)
}

func TestCached(t *testing.T) {
	f, err := ParseFlow("support.json", []byte(supportJSON))
	require.NoError(t, err)
	src := &countingSource{inner: NewMemoryLoader(f)}
	c := NewCached(src, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		got, err := c.GetFlow(ctx, "support")
		require.NoError(t, err)
		assert.Same(t, f, got)
	}
	assert.EqualValues(t, 1, src.calls.Load())

	_, err = c.GetFlow(ctx, "missing")
	assert.Error(t, err)
	_, err = c.GetFlow(ctx, "missing")
	assert.Error(t, err)
	assert.EqualValues(t, 3, src.calls.Load())

	c.Invalidate("support")
	_, err = c.GetFlow(ctx, "support")
	require.NoError(t, err)
	assert.EqualValues(t, 4, src.calls.Load())
}

func TestCached_Expires(t *testing.T) {
	f, err := ParseFlow("support.json", []byte(supportJSON))
	require.NoError(t, err)
	src := &countingSource{inner: NewMemoryLoader(f)}
	c := NewCached(src, 20*time.Millisecond)

	_, err = c.GetFlow(context.Background(), "support")
	require.NoError(t, err)
	time.Sleep(40 * time.Millisecond)
	_, err = c.GetFlow(context.Background(), "support")
	require.NoError(t, err)
	assert.EqualValues(t, 2, src.calls.Load())
}
