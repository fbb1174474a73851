package raster

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/airbusgeo/godal"
)

// Extension is the file suffix of persisted products.
const Extension = ".tif"

const (
	// productDomain is the GDAL metadata domain holding band names and the
	// codec version.
	productDomain  = "THERMALSHARP"
	versionKey     = "VERSION"
	productVersion = 1

	// MetaAcquisitionTime holds the scene acquisition time in RFC 3339 UTC.
	MetaAcquisitionTime = "acquisition_time"
	// MetaDateTimeUTC holds the same instant as "YYYY-MM-DD HH:MM".
	MetaDateTimeUTC = "datetime_utc"
)

// ErrFormat is returned when a file is not a readable product.
var ErrFormat = errors.New("not a readable raster product")

// gdalMetadata lists default domain items the GeoTIFF driver adds itself.
var gdalMetadata = map[string]struct{}{
	"AREA_OR_POINT": {},
}

// Product is a named set of co-registered bands with shared geometry and metadata.
type Product struct {
	Geometry Geometry
	Bands    []*Raster
	NoData   []float64 // per band sentinel, parallel to Bands
	Metadata map[string]string
}

// NewProduct builds a product from bands that share g. Bands get the default sentinel.
func NewProduct(g Geometry, bands ...*Raster) *Product {
	p := &Product{Geometry: g, Metadata: map[string]string{}}
	for _, b := range bands {
		p.AddBand(b, DefaultNoData)
	}
	return p
}

// AddBand appends b with its no-data sentinel.
func (p *Product) AddBand(b *Raster, noData float64) {
	p.Bands = append(p.Bands, b)
	p.NoData = append(p.NoData, noData)
}

// Band returns the band called name.
func (p *Product) Band(name string) (*Raster, bool) {
	for _, b := range p.Bands {
		if b.Name == name {
			return b, true
		}
	}
	return nil, false
}

// SetAcquisitionTime records t in both metadata encodings.
func (p *Product) SetAcquisitionTime(t time.Time) {
	if p.Metadata == nil {
		p.Metadata = map[string]string{}
	}
	t = t.UTC()
	p.Metadata[MetaAcquisitionTime] = t.Format(time.RFC3339)
	p.Metadata[MetaDateTimeUTC] = t.Format("2006-01-02 15:04")
}

// AcquisitionTime parses the recorded acquisition time.
func (p *Product) AcquisitionTime() (time.Time, bool) {
	s, ok := p.Metadata[MetaAcquisitionTime]
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

var registerDrivers sync.Once

func openDriver() { registerDrivers.Do(godal.RegisterAll) }

// Write persists p to path as a float64 GeoTIFF, via a temp file and rename.
// NaN pixels are written as the band sentinel, which is declared as the
// band's no-data value.
func Write(path string, p *Product) error {
	if err := p.Geometry.Validate(); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	for _, b := range p.Bands {
		if len(b.Data) != p.Geometry.Len() {
			return fmt.Errorf("write %s: band %q has %d pixels, geometry has %d", path, b.Name, len(b.Data), p.Geometry.Len())
		}
	}
	if len(p.Bands) == 0 {
		return fmt.Errorf("write %s: product has no bands", path)
	}
	openDriver()

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".part")
	if err := writeGeoTIFF(tmp, p); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", path, err)
	}
	return os.Rename(tmp, path)
}

func writeGeoTIFF(name string, p *Product) error {
	g := p.Geometry
	ds, err := godal.Create(godal.GTiff, name, len(p.Bands), godal.Float64, g.Cols, g.Rows,
		godal.CreationOption("COMPRESS=DEFLATE", "PREDICTOR=3", "TILED=YES"))
	if err != nil {
		return err
	}
	if err := fillDataset(ds, p); err != nil {
		ds.Close()
		return err
	}
	return ds.Close()
}

func fillDataset(ds *godal.Dataset, p *Product) error {
	g := p.Geometry
	if err := ds.SetGeoTransform([6]float64{g.OriginX, g.PixelWidth, 0, g.OriginY, 0, -g.PixelHeight}); err != nil {
		return fmt.Errorf("geotransform: %w", err)
	}
	if err := setCRS(ds, g.CRS); err != nil {
		return fmt.Errorf("crs %q: %w", g.CRS, err)
	}
	for _, k := range p.MetadataKeys() {
		if err := ds.SetMetadata(k, p.Metadata[k]); err != nil {
			return fmt.Errorf("metadata %s: %w", k, err)
		}
	}

	bands := ds.Bands()
	for i, b := range p.Bands {
		nd := DefaultNoData
		if i < len(p.NoData) {
			nd = p.NoData[i]
		}
		if err := bands[i].SetNoData(nd); err != nil {
			return fmt.Errorf("band %q no-data: %w", b.Name, err)
		}
		if err := ds.SetMetadata(bandNameKey(i), b.Name, godal.Domain(productDomain)); err != nil {
			return fmt.Errorf("band %q name: %w", b.Name, err)
		}
		data := make([]float64, len(b.Data))
		for j, v := range b.Data {
			if math.IsNaN(v) {
				v = nd
			}
			data[j] = v
		}
		if err := bands[i].Write(0, 0, data, g.Cols, g.Rows); err != nil {
			return fmt.Errorf("band %q: %w", b.Name, err)
		}
	}
	return ds.SetMetadata(versionKey, strconv.Itoa(productVersion), godal.Domain(productDomain))
}

// setCRS accepts "AUTH:code" EPSG identifiers or WKT.
func setCRS(ds *godal.Dataset, crs string) error {
	if crs == "" {
		return nil
	}
	if code, ok := epsgCode(crs); ok {
		sr, err := godal.NewSpatialRefFromEPSG(code)
		if err != nil {
			return err
		}
		defer sr.Close()
		return ds.SetSpatialRef(sr)
	}
	return ds.SetProjection(crs)
}

func epsgCode(crs string) (int, bool) {
	auth, code, ok := strings.Cut(crs, ":")
	if !ok || !strings.EqualFold(auth, "EPSG") {
		return 0, false
	}
	n, err := strconv.Atoi(code)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// Read loads a product. Missing files wrap os.ErrNotExist, files GDAL cannot
// open as a north-up raster wrap ErrFormat.
func Read(path string) (*Product, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	openDriver()

	ds, err := godal.Open(path, godal.RasterOnly())
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", path, ErrFormat, err)
	}
	defer ds.Close()

	g, err := datasetGeometry(ds)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", path, ErrFormat, err)
	}

	p := &Product{Geometry: g, Metadata: map[string]string{}}
	for k, v := range ds.Metadatas() {
		if _, reserved := gdalMetadata[k]; !reserved {
			p.Metadata[k] = v
		}
	}
	names := ds.Metadatas(godal.Domain(productDomain))

	for i, band := range ds.Bands() {
		data := make([]float64, g.Len())
		if err := band.Read(0, 0, data, g.Cols, g.Rows); err != nil {
			return nil, fmt.Errorf("%s: %w: band %d: %v", path, ErrFormat, i+1, err)
		}
		nd, ok := band.NoData()
		if !ok {
			nd = DefaultNoData
		}
		for j, v := range data {
			if v == nd || math.IsNaN(v) || math.IsInf(v, 0) {
				data[j] = math.NaN()
			}
		}
		name := names[bandNameKey(i)]
		if name == "" {
			name = fmt.Sprintf("band_%d", i+1)
		}
		p.AddBand(&Raster{Geometry: g, Name: name, Data: data}, nd)
	}
	return p, nil
}

func datasetGeometry(ds *godal.Dataset) (Geometry, error) {
	st := ds.Structure()
	gt, err := ds.GeoTransform()
	if err != nil {
		return Geometry{}, fmt.Errorf("no geotransform: %v", err)
	}
	if gt[2] != 0 || gt[4] != 0 {
		return Geometry{}, fmt.Errorf("rotated grids are not supported")
	}
	g := Geometry{
		Cols:        st.SizeX,
		Rows:        st.SizeY,
		OriginX:     gt[0],
		OriginY:     gt[3],
		PixelWidth:  gt[1],
		PixelHeight: -gt[5],
		CRS:         datasetCRS(ds),
	}
	return g, g.Validate()
}

// datasetCRS reports "AUTH:code" when the reference system carries an
// authority and the WKT otherwise.
func datasetCRS(ds *godal.Dataset) string {
	sr := ds.SpatialRef()
	if sr == nil {
		return ""
	}
	defer sr.Close()
	if name, code := sr.AuthorityName(""), sr.AuthorityCode(""); name != "" && code != "" {
		return name + ":" + code
	}
	return ds.Projection()
}

func bandNameKey(i int) string { return fmt.Sprintf("BAND_%d_NAME", i+1) }

// MetadataKeys returns the metadata keys in sorted order.
func (p *Product) MetadataKeys() []string {
	keys := make([]string, 0, len(p.Metadata))
	for k := range p.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
