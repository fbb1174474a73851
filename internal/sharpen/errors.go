package sharpen

import (
	"errors"
	"fmt"
)

// Input error kinds. Match them with errors.Is against an *InputError.
var (
	ErrMissingInput    = errors.New("missing input")
	ErrUnreadableInput = errors.New("unreadable input")
	ErrCRSMismatch     = errors.New("coordinate reference mismatch")
	ErrMisaligned      = errors.New("rasters are not co-registered")
	ErrResolutionRatio = errors.New("fine/coarse resolution ratio is not an integer >= 2")
	ErrInvalidConfig   = errors.New("invalid sharpening configuration")
)

// ErrCanceled is wrapped by runs stopped through their context.
var ErrCanceled = errors.New("sharpening run canceled")

// InputError is a fatal precondition failure raised before any window work.
type InputError struct {
	Kind    error
	Product string // reflectance, elevation, geometry, lst, mask, ...
	Path    string
	Err     error
}

func (e *InputError) Error() string {
	msg := e.Kind.Error()
	if e.Product != "" {
		msg = fmt.Sprintf("%s: %s", e.Product, msg)
	}
	if e.Path != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Path)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *InputError) Is(target error) bool { return target == e.Kind }

func (e *InputError) Unwrap() error { return e.Err }

func inputErr(kind error, product, format string, args ...any) *InputError {
	return &InputError{Kind: kind, Product: product, Err: fmt.Errorf(format, args...)}
}

// InsufficientDataError marks a window with too few valid coarse samples.
type InsufficientDataError struct {
	Samples int
	Minimum int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data: %d valid coarse samples, need %d", e.Samples, e.Minimum)
}

// ModelFitError reports a regression that could not be fitted or applied.
type ModelFitError struct {
	Err error
}

func (e *ModelFitError) Error() string { return "model fit: " + e.Err.Error() }

func (e *ModelFitError) Unwrap() error { return e.Err }

// CompositingError reports fine pixels with valid predictors that no
// successful window covered. It is logged and reported, never fatal.
type CompositingError struct {
	Holes int
}

func (e *CompositingError) Error() string {
	return fmt.Sprintf("compositing: %d fine pixels with valid predictors left uncovered", e.Holes)
}

// WindowError identifies the window a failure came from.
type WindowError struct {
	Index  int
	Bounds Bounds
	Err    error
}

func (e *WindowError) Error() string {
	return fmt.Sprintf("window %d (coarse rows %d-%d, cols %d-%d): %v",
		e.Index, e.Bounds.Row0, e.Bounds.Row1-1, e.Bounds.Col0, e.Bounds.Col1-1, e.Err)
}

func (e *WindowError) Unwrap() error { return e.Err }
