package driver

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nooga/objcore/pkg/config"
	"github.com/nooga/objcore/pkg/ctxlog"
)

func newSession(t *testing.T) *Session {
	t.Helper()
	cfg := config.Default()
	cfg.CollectorCleanup = false
	cfg.VerifyCaches = true
	s, err := NewSession(cfg, nil)
	require.NoError(t, err)
	return s
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestRunScenario(t *testing.T) {
	var log bytes.Buffer
	cfg := config.Default()
	cfg.CollectorCleanup = false
	s, err := NewSession(cfg, ctxlog.New(&log, "text", "debug"))
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, s.RunScenario(&out))
	transcript := out.String()
	for _, want := range []string{
		"1. define classes",
		"shared shape: Shape#",
		"4. devolve p2",
		"p2.x = 10, p1.x = 1",
		"dist visible on p1 and p2",
		"6. Line untouched",
	} {
		assert.Contains(t, transcript, want)
	}
	assert.Contains(t, log.String(), "instance dictionary devolved")
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.Devolutions))
}

func TestLoadAndMRO(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "classes.hcl", `
class "A" {}
class "B" { bases = ["A"] }
class "C" { bases = ["A"] }
class "D" { bases = ["B", "C"] }
`)
	s := newSession(t)
	h, errs := s.Load(context.Background(), dir)
	require.Empty(t, errs)
	assert.True(t, s.DisplayResult(&bytes.Buffer{}, h, errs))

	m, err := s.MRO(h, "D")
	require.NoError(t, err)
	assert.Equal(t, []string{"D", "B", "C", "A", "object"}, m)

	_, err = s.MRO(h, "Nope")
	assert.ErrorContains(t, err, "unknown class")
}

func TestDisplayResultShowsSource(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bad.hcl", `class "A" {
  bases = ["Missing"]
}
`)
	s := newSession(t)
	h, errs := s.Load(context.Background(), path)
	require.Len(t, errs, 1)

	var out bytes.Buffer
	assert.False(t, s.DisplayResult(&out, h, errs))
	assert.Contains(t, out.String(), "Declaration Error at "+path+":2:11")
	assert.Contains(t, out.String(), `bases = ["Missing"]`)

	_, err := s.MRO(h, "A")
	assert.ErrorContains(t, err, "failed to load")
}

func TestExerciseFillsStatsAndMetrics(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "shapes.hcl", `
class "Point" {
  attributes = { origin = 0 }
}
class "Vec" {
  slots  = ["x", "y"]
  layout = "boxed"
}
class "Vec3" {
  bases = ["Vec"]
  slots = ["z", "__weakref__"]
}
`)
	s := newSession(t)
	h, errs := s.Load(context.Background(), dir)
	require.Empty(t, errs)
	require.NoError(t, s.Exercise(h))

	st := s.Runtime().Stats()
	assert.Positive(t, st.AttrHits)
	assert.Positive(t, st.MethodHits)
	assert.Equal(t, st.CallbacksScheduled, st.CallbacksRun)
	assert.Positive(t, st.CallbacksRun)

	var stats bytes.Buffer
	s.PrintCacheStats(&stats)
	assert.Contains(t, stats.String(), "Attr cache: Total:")

	var prom bytes.Buffer
	require.NoError(t, s.WritePrometheus(&prom))
	text := prom.String()
	assert.Contains(t, text, "objcore_attr_cache_lookups_total")
	assert.Contains(t, text, `objcore_weakref_callbacks_total{state="run"}`)
	assert.True(t, strings.Contains(text, "# TYPE objcore_shapes_created_total counter"))
}
