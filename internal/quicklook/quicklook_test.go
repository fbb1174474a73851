package quicklook

import (
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/plot/vg"

	"thermalsharp/internal/raster"
)

func testBand() *raster.Raster {
	g := raster.Geometry{Cols: 6, Rows: 4, OriginX: 500000, OriginY: 4200000, PixelWidth: 20, PixelHeight: 20, CRS: "EPSG:32633"}
	b := raster.New("LST_SHARP", g)
	for i := range b.Data {
		b.Data[i] = 290 + float64(i)/2
	}
	b.Set(2, 1, math.NaN())
	return b
}

func TestGridOrientation(t *testing.T) {
	t.Parallel()

	g := grid{r: testBand()}
	c, r := g.Dims()
	assert.Equal(t, 6, c)
	assert.Equal(t, 4, r)
	// plot row 0 is the southern raster row
	assert.Equal(t, g.r.At(0, 3), g.Z(0, 0))
	assert.Equal(t, 500010.0, g.X(0))
	assert.Equal(t, 4200000.0-80+10, g.Y(0))
	assert.Less(t, g.Y(0), g.Y(3))
}

func TestRenderProductWritesPNG(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	b := testBand()
	p := raster.NewProduct(b.Geometry, b)
	p.SetAcquisitionTime(time.Date(2020, 5, 13, 9, 50, 0, 0, time.UTC))
	src := filepath.Join(dir, "LST_SHARP.tif")
	require.NoError(t, raster.Write(src, p))

	out := filepath.Join(dir, "ql", "LST_SHARP.png")
	o := DefaultOptions()
	o.Width, o.Height = 3*vg.Inch, 3*vg.Inch
	require.NoError(t, RenderProduct(src, out, o))

	f, err := os.Open(out)
	require.NoError(t, err)
	defer f.Close()
	img, err := png.Decode(f)
	require.NoError(t, err)
	assert.Greater(t, img.Bounds().Dx(), 0)

	assert.Error(t, RenderProduct(src, out, Options{Band: "NDVI"}))
}

func TestRenderRejectsEmptyBand(t *testing.T) {
	t.Parallel()

	b := raster.New("EMPTY", testBand().Geometry)
	err := Render(b, filepath.Join(t.TempDir(), "x.png"), Options{})
	assert.ErrorIs(t, err, ErrEmptyBand)
}
