package sources

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/converge/pkg/engine"
)

type eventLog struct {
	mu     sync.Mutex
	events []engine.Event
}

func (l *eventLog) HandleEvent(event engine.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *eventLog) all() []engine.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]engine.Event(nil), l.events...)
}

func (l *eventLog) types() []engine.EventType {
	var types []engine.EventType
	for _, e := range l.all() {
		types = append(types, e.Type)
	}
	return types
}

func writeManifest(t *testing.T, dir, file, content string) string {
	t.Helper()
	path := filepath.Join(dir, file)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func newTestSource(t *testing.T, dir string, log *eventLog) *Source {
	t.Helper()
	src, err := NewSource(Config{Dir: dir, Namespace: "default"}, WithHandler(log))
	require.NoError(t, err)
	return src
}

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest("/sites/blog.yaml", []byte(`
labels:
  tier: frontend
spec:
  title: My blog
  ports: [80, 443]
`), "web")
	require.NoError(t, err)

	assert.Equal(t, engine.NewResourceID("blog", "web"), m.ResourceID())
	assert.Equal(t, "frontend", m.Labels()["tier"])
	assert.Equal(t, "My blog", m.Spec()["title"])
	assert.Equal(t, []interface{}{80, 443}, m.Spec()["ports"])
	assert.Len(t, m.ResourceVersion(), 16)
	assert.False(t, m.MarkedForDeletion())

	explicit, err := ParseManifest("/sites/x.yml", []byte("name: shop\nnamespace: retail\n"), "web")
	require.NoError(t, err)
	assert.Equal(t, "retail/shop", explicit.ResourceID().String())
	assert.NotNil(t, explicit.Spec())

	_, err = ParseManifest("/sites/bad.yaml", []byte("name: a/b\n"), "web")
	assert.Error(t, err)

	_, err = ParseManifest("/sites/bad.yaml", []byte("spec: ["), "web")
	assert.Error(t, err)
}

func TestNewSource_RequiresDir(t *testing.T) {
	_, err := NewSource(Config{})
	require.Error(t, err)
	assert.True(t, engine.IsConfiguration(err))
}

func TestSource_Load(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "blog.yaml", "spec: {title: Blog}\n")
	writeManifest(t, dir, "shop.yml", "namespace: retail\n")
	writeManifest(t, dir, "notes.txt", "ignored")
	writeManifest(t, dir, "broken.yaml", "spec: [")

	log := &eventLog{}
	src := newTestSource(t, dir, log)
	require.NoError(t, src.Load())

	list := src.List()
	require.Len(t, list, 2)
	assert.Equal(t, "default/blog", list[0].ResourceID().String())
	assert.Equal(t, "retail/shop", list[1].ResourceID().String())

	assert.Equal(t, []engine.EventType{engine.EventAdded, engine.EventAdded}, log.types())
	for _, e := range log.all() {
		assert.Equal(t, EventSource, e.Source)
	}

	res, ok := src.Get(engine.NewResourceID("blog", "default"))
	require.True(t, ok)
	assert.Equal(t, list[0].ResourceVersion(), res.ResourceVersion())

	_, ok = src.Get(engine.NewResourceID("notes", "default"))
	assert.False(t, ok)
}

func TestSource_UnchangedContentIsSilent(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, "blog.yaml", "spec: {title: Blog}\n")

	log := &eventLog{}
	src := newTestSource(t, dir, log)
	require.NoError(t, src.Load())

	src.sync(path)
	assert.Len(t, log.all(), 1)

	writeManifest(t, dir, "blog.yaml", "spec: {title: New}\n")
	src.sync(path)
	assert.Equal(t, []engine.EventType{engine.EventAdded, engine.EventUpdated}, log.types())
}

func TestSource_TombstoneAndFinalize(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, "blog.yaml", "spec: {title: Blog}\n")
	id := engine.NewResourceID("blog", "default")

	log := &eventLog{}
	src := newTestSource(t, dir, log)
	require.NoError(t, src.Load())

	before, _ := src.Manifest(id)
	require.NoError(t, os.Remove(path))
	require.NoError(t, src.Load())

	m, ok := src.Manifest(id)
	require.True(t, ok, "tombstone stays cached until finalized")
	assert.True(t, m.MarkedForDeletion())
	assert.NotEqual(t, before.ResourceVersion(), m.ResourceVersion())
	assert.Equal(t, []engine.EventType{engine.EventAdded, engine.EventUpdated}, log.types())

	// A second scan does not re-tombstone.
	require.NoError(t, src.Load())
	assert.Len(t, log.all(), 2)

	assert.True(t, src.Finalize(id))
	_, ok = src.Get(id)
	assert.False(t, ok)
	assert.Equal(t, engine.EventDeleted, log.all()[2].Type)

	assert.False(t, src.Finalize(id))
}

func TestSource_FinalizeIgnoresLiveManifest(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "blog.yaml", "spec: {}\n")

	src := newTestSource(t, dir, &eventLog{})
	require.NoError(t, src.Load())

	assert.False(t, src.Finalize(engine.NewResourceID("blog", "default")))
	_, ok := src.Get(engine.NewResourceID("blog", "default"))
	assert.True(t, ok)
}

func TestSource_RecreatedBeforeFinalize(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, "blog.yaml", "spec: {title: Blog}\n")
	id := engine.NewResourceID("blog", "default")

	log := &eventLog{}
	src := newTestSource(t, dir, log)
	require.NoError(t, src.Load())

	require.NoError(t, os.Remove(path))
	src.sync(path)
	writeManifest(t, dir, "blog.yaml", "spec: {title: Blog}\n")
	src.sync(path)

	m, ok := src.Manifest(id)
	require.True(t, ok)
	assert.False(t, m.MarkedForDeletion())
	assert.Equal(t, []engine.EventType{engine.EventAdded, engine.EventUpdated, engine.EventUpdated}, log.types())
}

func TestSource_DuplicateIdentity(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, "a.yaml", "name: blog\nspec: {from: a}\n")
	writeManifest(t, dir, "b.yaml", "name: blog\nspec: {from: b}\n")

	src := newTestSource(t, dir, &eventLog{})
	require.NoError(t, src.Load())

	require.Len(t, src.List(), 1)
	m, _ := src.Manifest(engine.NewResourceID("blog", "default"))
	assert.Equal(t, "a", m.Spec()["from"])
}

func TestSource_RenamedIdentity(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, "site.yaml", "name: blog\n")

	log := &eventLog{}
	src := newTestSource(t, dir, log)
	require.NoError(t, src.Load())

	writeManifest(t, dir, "site.yaml", "name: journal\n")
	src.sync(path)

	old, ok := src.Manifest(engine.NewResourceID("blog", "default"))
	require.True(t, ok)
	assert.True(t, old.MarkedForDeletion())

	_, ok = src.Manifest(engine.NewResourceID("journal", "default"))
	assert.True(t, ok)
	assert.Equal(t, []engine.EventType{engine.EventAdded, engine.EventUpdated, engine.EventAdded}, log.types())
}

func TestSource_Watch(t *testing.T) {
	dir := t.TempDir()
	log := &eventLog{}

	src, err := NewSource(Config{Dir: dir, Namespace: "default", Debounce: 20 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, src.Start(ctx, log))
	defer func() { _ = src.Stop() }()

	writeManifest(t, dir, "blog.yaml", "spec: {title: Blog}\n")
	require.Eventually(t, func() bool {
		_, ok := src.Get(engine.NewResourceID("blog", "default"))
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, os.Remove(filepath.Join(dir, "blog.yaml")))
	require.Eventually(t, func() bool {
		m, ok := src.Manifest(engine.NewResourceID("blog", "default"))
		return ok && m.MarkedForDeletion()
	}, 2*time.Second, 10*time.Millisecond)

	types := log.types()
	assert.Equal(t, engine.EventAdded, types[0])
	assert.Equal(t, engine.EventUpdated, types[len(types)-1])
}
