package sharpen

import (
	"math"
	"time"

	"thermalsharp/internal/raster"
)

// Scene is a co-registered set of inputs ready for sharpening. The rasters
// are shared read-only by every window task.
type Scene struct {
	// Predictors are fine resolution features in a fixed order.
	Predictors []*raster.Raster
	// LST is the coarse land surface temperature in kelvin.
	LST *raster.Raster
	// Mask is the coarse quality mask; nil treats every cell as valid.
	Mask     *raster.Raster
	Acquired time.Time

	Fine   raster.Geometry
	Coarse raster.Geometry
	Ratio  int

	coarseValid []bool
	fineValid   []bool
}

// NewScene validates co-registration and derives the resolution ratio.
// validMask lists the mask values that mark a usable coarse cell.
func NewScene(predictors []*raster.Raster, lst, mask *raster.Raster, validMask []int, acquired time.Time) (*Scene, error) {
	if len(predictors) == 0 {
		return nil, inputErr(ErrMissingInput, "predictors", "no fine resolution predictors")
	}
	if lst == nil {
		return nil, inputErr(ErrMissingInput, "lst", "no coarse LST raster")
	}

	fine := predictors[0].Geometry
	if err := fine.Validate(); err != nil {
		return nil, &InputError{Kind: ErrMisaligned, Product: predictors[0].Name, Err: err}
	}
	for _, p := range predictors[1:] {
		if p.CRS != fine.CRS {
			return nil, inputErr(ErrCRSMismatch, p.Name, "%q vs %q", p.CRS, fine.CRS)
		}
		if p.Geometry != fine {
			return nil, inputErr(ErrMisaligned, p.Name, "predictor grid differs from %s", predictors[0].Name)
		}
	}

	coarse := lst.Geometry
	if err := coarse.Validate(); err != nil {
		return nil, &InputError{Kind: ErrMisaligned, Product: "lst", Err: err}
	}
	if coarse.CRS != fine.CRS {
		return nil, inputErr(ErrCRSMismatch, "lst", "%q vs fine %q", coarse.CRS, fine.CRS)
	}

	ratio, err := resolutionRatio(fine, coarse)
	if err != nil {
		return nil, err
	}
	if !sameOrigin(fine, coarse) {
		return nil, inputErr(ErrMisaligned, "lst", "origin (%g, %g) vs fine (%g, %g)",
			coarse.OriginX, coarse.OriginY, fine.OriginX, fine.OriginY)
	}
	if fine.Cols != coarse.Cols*ratio || fine.Rows != coarse.Rows*ratio {
		return nil, inputErr(ErrMisaligned, "lst", "fine grid %dx%d is not %d x coarse grid %dx%d",
			fine.Cols, fine.Rows, ratio, coarse.Cols, coarse.Rows)
	}

	if mask != nil {
		if mask.CRS != coarse.CRS {
			return nil, inputErr(ErrCRSMismatch, "mask", "%q vs %q", mask.CRS, coarse.CRS)
		}
		if mask.Cols != coarse.Cols || mask.Rows != coarse.Rows || !sameOrigin(mask.Geometry, coarse) {
			return nil, inputErr(ErrMisaligned, "mask", "mask grid differs from LST grid")
		}
	}

	s := &Scene{
		Predictors: predictors,
		LST:        lst,
		Mask:       mask,
		Acquired:   acquired.UTC(),
		Fine:       fine,
		Coarse:     coarse,
		Ratio:      ratio,
	}
	s.coarseValid = coarseValidity(lst, mask, validMask)
	s.fineValid = fineValidity(predictors)
	return s, nil
}

// CoarseValid reports whether the coarse cell at (col, row) holds a usable observation.
func (s *Scene) CoarseValid(col, row int) bool { return s.coarseValid[row*s.Coarse.Cols+col] }

// FineValid reports whether every predictor holds data at fine (col, row).
func (s *Scene) FineValid(col, row int) bool { return s.fineValid[row*s.Fine.Cols+col] }

// PredictorNames returns the predictor order used for training and prediction.
func (s *Scene) PredictorNames() []string {
	names := make([]string, len(s.Predictors))
	for i, p := range s.Predictors {
		names[i] = p.Name
	}
	return names
}

func resolutionRatio(fine, coarse raster.Geometry) (int, error) {
	rx := coarse.PixelWidth / fine.PixelWidth
	ry := coarse.PixelHeight / fine.PixelHeight
	ix, iy := math.Round(rx), math.Round(ry)
	if math.Abs(rx-ix) > 1e-6*rx || math.Abs(ry-iy) > 1e-6*ry {
		return 0, inputErr(ErrResolutionRatio, "lst", "pixel ratio %gx%g is not integral", rx, ry)
	}
	if ix != iy {
		return 0, inputErr(ErrResolutionRatio, "lst", "anisotropic ratio %gx%g", rx, ry)
	}
	if ix < 2 {
		return 0, inputErr(ErrResolutionRatio, "lst", "ratio %g is below 2", rx)
	}
	return int(ix), nil
}

func sameOrigin(a, b raster.Geometry) bool {
	tol := 1e-6 * math.Min(a.PixelWidth, b.PixelWidth)
	return math.Abs(a.OriginX-b.OriginX) <= tol && math.Abs(a.OriginY-b.OriginY) <= tol
}

func coarseValidity(lst, mask *raster.Raster, validMask []int) []bool {
	valid := make([]bool, len(lst.Data))
	for i, v := range lst.Data {
		if math.IsNaN(v) {
			continue
		}
		if mask != nil && !maskAccepts(mask.Data[i], validMask) {
			continue
		}
		valid[i] = true
	}
	return valid
}

func maskAccepts(v float64, validMask []int) bool {
	if math.IsNaN(v) {
		return false
	}
	if len(validMask) == 0 {
		return v != 0
	}
	for _, ok := range validMask {
		if v == float64(ok) {
			return true
		}
	}
	return false
}

func fineValidity(predictors []*raster.Raster) []bool {
	valid := make([]bool, len(predictors[0].Data))
	for i := range valid {
		valid[i] = true
		for _, p := range predictors {
			if math.IsNaN(p.Data[i]) {
				valid[i] = false
				break
			}
		}
	}
	return valid
}
