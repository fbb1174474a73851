package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListScenesAndProducts(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for _, name := range []string{"b.scene.json", "nested/a.SCENE.json", "notes.json", "REFL.tif", "nested/LST_data.tif", "x.png"} {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))
	}

	scenes, err := ListScenes(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "b.scene.json"), filepath.Join(dir, "nested", "a.SCENE.json")}, scenes)

	products, err := ListProducts(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "REFL.tif"), filepath.Join(dir, "nested", "LST_data.tif")}, products)
}

func TestSceneName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "T33TUL_20200513", SceneName("/data/T33TUL_20200513.scene.json"))
	assert.Equal(t, "LST_SHARP", SceneName("out/LST_SHARP.tif"))
}

func TestEstimateRunMemory(t *testing.T) {
	t.Parallel()

	small := EstimateRunMemory(100, 100, 4, 3, 10, 2)
	large := EstimateRunMemory(10980, 10980, 12, 50, 30, 4)
	assert.Equal(t, int64(0), small)
	assert.Greater(t, large, int64(10000))
	assert.True(t, CheckRunMemory(0, nil))
}
