package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(contentCreationDefinition()))

	def, ok := reg.Get("content-creation")
	require.True(t, ok)
	assert.Equal(t, "draft", def.InitialState)

	_, ok = reg.Get("unknown")
	assert.False(t, ok)
}

func TestRegisterRejectsInvalidDefinition(t *testing.T) {
	reg := NewRegistry()
	def := contentCreationDefinition()
	def.InitialState = "ghost"
	require.Error(t, reg.Register(def))
	_, ok := reg.Get(def.Type)
	assert.False(t, ok)
}

func TestReRegistrationReplaces(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(contentCreationDefinition()))

	replacement := contentCreationDefinition()
	replacement.InitialState = "review"
	require.NoError(t, reg.Register(replacement))

	def, ok := reg.Get("content-creation")
	require.True(t, ok)
	assert.Equal(t, "review", def.InitialState)
	assert.Len(t, reg.List(), 1)
}

func TestListSortedByType(t *testing.T) {
	reg := NewRegistry()
	first := contentCreationDefinition()
	second := contentCreationDefinition()
	second.Type = "content-review"
	second.Name = "Content review"
	require.NoError(t, reg.Register(second))
	require.NoError(t, reg.Register(first))

	list := reg.List()
	require.Len(t, list, 2)
	assert.Equal(t, "content-creation", list[0].Type)
	assert.Equal(t, "content-review", list[1].Type)
}

const contentReviewYAML = `type: content-review
name: Content review
initialState: review
states:
  review:
    worker: reviewer
    transitions:
      approved: completed
      rejected: failed
  completed:
    final: true
  failed:
    final: true
`

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "content-review.yaml"), []byte(contentReviewYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	reg := NewRegistry()
	loaded, err := reg.LoadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, 1, loaded)

	def, ok := reg.Get("content-review")
	require.True(t, ok)
	next, ok := def.Next("review", "approved")
	require.True(t, ok)
	assert.Equal(t, "completed", next)
}

func TestLoadDirRejectsInvalidDefinition(t *testing.T) {
	dir := t.TempDir()
	bad := "type: broken\ninitialState: ghost\nstates:\n  done:\n    final: true\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte(bad), 0o644))

	reg := NewRegistry()
	_, err := reg.LoadDir(dir)
	require.Error(t, err)
}

func TestLoadDirMissingDirectory(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.LoadDir(filepath.Join(t.TempDir(), "absent"))
	require.Error(t, err)
}
