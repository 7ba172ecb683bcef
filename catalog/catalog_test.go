package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noteflow-ai/modelstore/types"
)

func TestBuiltin_Lookup(t *testing.T) {
	c := Builtin()

	d := c.MustGet("tiny")
	assert.Equal(t, types.FamilySpeech, d.Family)
	assert.Equal(t, "ggml-tiny.bin", d.DestinationFilename)
	assert.Equal(t, int64(75), d.ExpectedSizeMB)

	_, ok := c.Get("nonexistent")
	assert.False(t, ok)
	assert.True(t, c.Has("base"))
}

func TestMustGet_UnknownKeyPanics(t *testing.T) {
	c := Builtin()
	assert.Panics(t, func() { c.MustGet("no-such-model") })
}

func TestNew_DuplicateKeyPanics(t *testing.T) {
	d := types.ArtifactDescriptor{Key: "dup", Family: types.FamilySpeech}
	assert.Panics(t, func() { New(d, d) })
}

func TestEnumerate_SortedByFamily(t *testing.T) {
	c := Builtin()

	speech := c.Enumerate(types.FamilySpeech)
	require.NotEmpty(t, speech)
	for i := 1; i < len(speech); i++ {
		assert.Less(t, speech[i-1].Key, speech[i].Key)
	}
	for _, d := range speech {
		assert.Equal(t, types.FamilySpeech, d.Family)
	}

	language := c.Keys(types.FamilyLanguage)
	assert.Contains(t, language, "qwen2.5-0.5b")
	assert.NotContains(t, language, "tiny")
}

func TestLoadOverlay_MergeAndOverride(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "catalog.yaml")
	overlay := `
artifacts:
  - key: tiny
    remote_url: https://mirror.internal/ggml-tiny.bin
  - key: custom-speech
    display_name: Custom Speech
    remote_url: https://mirror.internal/custom.bin
    destination_filename: custom.bin
    expected_size_mb: 10
    family: speech
`
	require.NoError(t, os.WriteFile(path, []byte(overlay), 0o644))

	merged, err := Builtin().LoadOverlay(path)
	require.NoError(t, err)

	// Overridden entry keeps builtin fields it did not set.
	tiny := merged.MustGet("tiny")
	assert.Equal(t, "https://mirror.internal/ggml-tiny.bin", tiny.RemoteURL)
	assert.Equal(t, "ggml-tiny.bin", tiny.DestinationFilename)
	assert.Equal(t, int64(75), tiny.ExpectedSizeMB)

	custom := merged.MustGet("custom-speech")
	assert.Equal(t, types.FamilySpeech, custom.Family)

	// Builtin keys survive the merge.
	assert.True(t, merged.Has("base"))
	// The receiver is untouched.
	assert.False(t, Builtin().Has("custom-speech"))
}

func TestLoadOverlay_Invalid(t *testing.T) {
	tmpDir := t.TempDir()

	_, err := Builtin().LoadOverlay(filepath.Join(tmpDir, "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(tmpDir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("artifacts: [{display_name: NoKey}]"), 0o644))
	_, err = Builtin().LoadOverlay(bad)
	assert.ErrorContains(t, err, "empty key")

	noFamily := filepath.Join(tmpDir, "nofam.yaml")
	require.NoError(t, os.WriteFile(noFamily, []byte("artifacts: [{key: orphan}]"), 0o644))
	_, err = Builtin().LoadOverlay(noFamily)
	assert.ErrorContains(t, err, "no family")
}
