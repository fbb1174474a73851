package scene

import (
	"errors"
	"fmt"
	"os"

	"thermalsharp/internal/raster"
	"thermalsharp/internal/sharpen"
)

// LSTBand is the preferred band of the coarse LST product.
const LSTBand = "LST"

// Loaded is a scene ready for the engine.
type Loaded struct {
	Manifest *Manifest
	Scene    *sharpen.Scene
	Output   string
}

// Load reads the manifest at path and every product it names. Predictors
// are the reflectance bands, then elevation, then view geometry bands, in
// product order. Input errors come back as *sharpen.InputError.
func Load(path, defaultOutputDir string, validMask []int) (*Loaded, error) {
	m, err := ReadManifest(path)
	if err != nil {
		return nil, err
	}

	var predictors []*raster.Raster
	for _, ref := range []struct {
		product, path string
		required      bool
	}{
		{"reflectance", m.Reflectance, true},
		{"elevation", m.Elevation, true},
		{"geometry", m.Geometry, false},
	} {
		if ref.path == "" {
			if ref.required {
				return nil, &sharpen.InputError{Kind: sharpen.ErrMissingInput, Product: ref.product, Path: path, Err: errors.New("not named in manifest")}
			}
			continue
		}
		p, err := readProduct(ref.product, m.Resolve(ref.path))
		if err != nil {
			return nil, err
		}
		predictors = append(predictors, p.Bands...)
	}

	if m.LST == "" {
		return nil, &sharpen.InputError{Kind: sharpen.ErrMissingInput, Product: "lst", Path: path, Err: errors.New("not named in manifest")}
	}
	lstProduct, err := readProduct("lst", m.Resolve(m.LST))
	if err != nil {
		return nil, err
	}
	lst, ok := lstProduct.Band(LSTBand)
	if !ok {
		lst = lstProduct.Bands[0]
	}

	var mask *raster.Raster
	if m.Mask != "" {
		mp, err := readProduct("mask", m.Resolve(m.Mask))
		if err != nil {
			return nil, err
		}
		mask = mp.Bands[0]
	}

	acquired, ok, err := m.AcquisitionTime()
	if err != nil {
		return nil, &sharpen.InputError{Kind: sharpen.ErrUnreadableInput, Product: "manifest", Path: path, Err: err}
	}
	if !ok {
		acquired, ok = lstProduct.AcquisitionTime()
	}
	if !ok {
		return nil, &sharpen.InputError{Kind: sharpen.ErrMissingInput, Product: "lst", Path: m.Resolve(m.LST), Err: errors.New("no acquisition time in manifest or LST metadata")}
	}

	s, err := sharpen.NewScene(predictors, lst, mask, validMask, acquired)
	if err != nil {
		return nil, err
	}
	return &Loaded{Manifest: m, Scene: s, Output: m.OutputPath(path, defaultOutputDir)}, nil
}

func readProduct(product, path string) (*raster.Product, error) {
	p, err := raster.Read(path)
	if err != nil {
		kind := sharpen.ErrUnreadableInput
		if errors.Is(err, os.ErrNotExist) {
			kind = sharpen.ErrMissingInput
		}
		return nil, &sharpen.InputError{Kind: kind, Product: product, Path: path, Err: err}
	}
	if len(p.Bands) == 0 {
		return nil, &sharpen.InputError{Kind: sharpen.ErrUnreadableInput, Product: product, Path: path, Err: fmt.Errorf("product has no bands")}
	}
	return p, nil
}
