package scene

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"thermalsharp/internal/config"
	"thermalsharp/internal/raster"
	"thermalsharp/internal/sharpen"
)

func smallSynth() SynthOptions {
	o := DefaultSynthOptions()
	o.CoarseCols, o.CoarseRows, o.Ratio = 8, 6, 4
	o.MaskedFraction = 0.1
	return o
}

func TestSynthesizeAndLoad(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	o := smallSynth()
	path, truth, err := Synthesize(dir, o)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "T33TUL_20200513T095000.scene.json"), path)

	loaded, err := Load(path, filepath.Join(dir, "out"), []int{1})
	require.NoError(t, err)
	s := loaded.Scene
	assert.Equal(t, 4, s.Ratio)
	assert.Equal(t, []string{"B04", "B08", "ELEV", "VZA"}, s.PredictorNames())
	assert.True(t, s.Acquired.Equal(o.Acquired))
	assert.Equal(t, truth.Geometry, s.Fine)
	assert.Equal(t, filepath.Join(dir, "out", "T33TUL_20200513T095000_LST_SHARP.tif"), loaded.Output)
	require.NotNil(t, s.Mask)
}

func TestLoadedSceneSharpens(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	o := smallSynth()
	o.MaskedFraction = 0
	path, _, err := Synthesize(dir, o)
	require.NoError(t, err)
	loaded, err := Load(path, dir, nil)
	require.NoError(t, err)

	cfg := config.DefaultSharpening()
	cfg.MovingWindowSize = 4
	cfg.Forest.Trees = 5
	e, err := sharpen.New(sharpen.OptionsFromConfig(cfg, 2), nil)
	require.NoError(t, err)
	res, err := e.Run(context.Background(), loaded.Scene)
	require.NoError(t, err)
	assert.Equal(t, loaded.Scene.Fine.Len(), res.LST.ValidCount())
	assert.Less(t, res.Report.ResidualRMSE, 1e-6)

	require.NoError(t, res.Persist(loaded.Output))
	p, err := raster.Read(loaded.Output)
	require.NoError(t, err)
	assert.Equal(t, "2020-05-13 09:50", p.Metadata[raster.MetaDateTimeUTC])
}

func TestLoadInputErrors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path, _, err := Synthesize(dir, smallSynth())
	require.NoError(t, err)

	_, err = Load(filepath.Join(dir, "absent.scene.json"), dir, nil)
	assert.ErrorIs(t, err, sharpen.ErrMissingInput)

	garbage := filepath.Join(dir, "garbage.scene.json")
	require.NoError(t, os.WriteFile(garbage, []byte("{"), 0o644))
	_, err = Load(garbage, dir, nil)
	assert.ErrorIs(t, err, sharpen.ErrUnreadableInput)

	m, err := ReadManifest(path)
	require.NoError(t, err)

	noElev := *m
	noElev.Elevation = ""
	p := filepath.Join(dir, "noelev.scene.json")
	require.NoError(t, WriteManifest(p, &noElev))
	_, err = Load(p, dir, nil)
	assert.ErrorIs(t, err, sharpen.ErrMissingInput)

	missingLST := *m
	missingLST.LST = "gone.tif"
	p = filepath.Join(dir, "gone.scene.json")
	require.NoError(t, WriteManifest(p, &missingLST))
	_, err = Load(p, dir, nil)
	assert.ErrorIs(t, err, sharpen.ErrMissingInput)
	var ie *sharpen.InputError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "lst", ie.Product)
	assert.Equal(t, filepath.Join(dir, "gone.tif"), ie.Path)

	corrupt := filepath.Join(dir, "corrupt.tif")
	require.NoError(t, os.WriteFile(corrupt, []byte("not a product"), 0o644))
	badRefl := *m
	badRefl.Reflectance = "corrupt.tif"
	p = filepath.Join(dir, "corrupt.scene.json")
	require.NoError(t, WriteManifest(p, &badRefl))
	_, err = Load(p, dir, nil)
	assert.ErrorIs(t, err, sharpen.ErrUnreadableInput)
	assert.ErrorIs(t, err, raster.ErrFormat)

	// elevation on the coarse grid cannot be stacked with reflectance
	misaligned := *m
	misaligned.Elevation = m.LST
	p = filepath.Join(dir, "misaligned.scene.json")
	require.NoError(t, WriteManifest(p, &misaligned))
	_, err = Load(p, dir, nil)
	assert.ErrorIs(t, err, sharpen.ErrMisaligned)
}

func TestAcquisitionTimeForms(t *testing.T) {
	t.Parallel()

	want := time.Date(2020, 5, 13, 9, 50, 0, 0, time.UTC)
	for _, s := range []string{"2020-05-13T09:50:00Z", "2020-05-13T11:50:00+02:00", "2020-05-13 09:50"} {
		got, ok, err := (&Manifest{Acquired: s}).AcquisitionTime()
		require.NoError(t, err, s)
		assert.True(t, ok)
		assert.True(t, got.Equal(want), s)
		assert.Equal(t, time.UTC, got.Location())
	}

	_, ok, err := (&Manifest{}).AcquisitionTime()
	assert.NoError(t, err)
	assert.False(t, ok)
	_, _, err = (&Manifest{Acquired: "yesterday"}).AcquisitionTime()
	assert.Error(t, err)
}

func TestAcquisitionFallsBackToLSTMetadata(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path, _, err := Synthesize(dir, smallSynth())
	require.NoError(t, err)
	m, err := ReadManifest(path)
	require.NoError(t, err)
	m.Acquired = ""
	m.Output = "custom/out.tif"
	p := filepath.Join(dir, "fallback.scene.json")
	require.NoError(t, WriteManifest(p, m))

	loaded, err := Load(p, "/unused", nil)
	require.NoError(t, err)
	assert.Equal(t, 2020, loaded.Scene.Acquired.Year())
	assert.Equal(t, filepath.Join(dir, "custom", "out.tif"), loaded.Output)
	assert.False(t, math.IsNaN(loaded.Scene.LST.At(0, 0)))
}
