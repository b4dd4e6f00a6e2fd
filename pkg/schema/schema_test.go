package schema

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSchema(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "schema.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	t.Parallel()

	path := writeSchema(t, `
thresholds:
  Person: 0.8
  Organization: 0.65
edges:
  KNOWS:
    allow_self_loops: false
  REFERENCES:
    allow_self_loops: true
`)

	s, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 0.8, s.ThresholdFor("Person", 0.7))
	assert.Equal(t, 0.65, s.ThresholdFor("Organization", 0.7))
	assert.Equal(t, 0.7, s.ThresholdFor("Location", 0.7))

	assert.True(t, s.SelfLoopsAllowed("REFERENCES"))
	assert.False(t, s.SelfLoopsAllowed("KNOWS"))
	assert.False(t, s.SelfLoopsAllowed("UNKNOWN"))
}

func TestLoadEmptyPath(t *testing.T) {
	t.Parallel()

	s, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 0.7, s.ThresholdFor("Person", 0.7))
	assert.False(t, s.SelfLoopsAllowed("KNOWS"))
}

func TestLoadInvalidThreshold(t *testing.T) {
	t.Parallel()

	path := writeSchema(t, "thresholds:\n  Person: 1.5\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load("/nonexistent/schema.yaml")
	assert.Error(t, err)
}
