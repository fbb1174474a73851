package sharpen

import (
	"fmt"
	"iter"
)

// Bounds is a half-open rectangle of grid cells.
type Bounds struct {
	Row0, Col0 int
	Row1, Col1 int
}

// Rows is the number of rows covered.
func (b Bounds) Rows() int { return b.Row1 - b.Row0 }

// Cols is the number of columns covered.
func (b Bounds) Cols() int { return b.Col1 - b.Col0 }

// Contains reports whether (col, row) lies inside b.
func (b Bounds) Contains(col, row int) bool {
	return row >= b.Row0 && row < b.Row1 && col >= b.Col0 && col < b.Col1
}

// Scale maps coarse bounds onto the fine grid.
func (b Bounds) Scale(ratio int) Bounds {
	return Bounds{Row0: b.Row0 * ratio, Col0: b.Col0 * ratio, Row1: b.Row1 * ratio, Col1: b.Col1 * ratio}
}

func (b Bounds) String() string {
	return fmt.Sprintf("rows [%d,%d) cols [%d,%d)", b.Row0, b.Row1, b.Col0, b.Col1)
}

// Window is one unit of parallel work. Core windows tile the coarse grid
// without overlap; Extent adds the blending margin, clipped at the edges.
type Window struct {
	Index  int
	Core   Bounds
	Extent Bounds
}

// Partitioner splits a coarse grid into square windows of Size cells.
type Partitioner struct {
	Cols, Rows int
	Size       int
}

// NewPartitioner checks the window size and grid extent.
func NewPartitioner(cols, rows, size int) (*Partitioner, error) {
	if size < 1 {
		return nil, fmt.Errorf("%w: moving window size must be >= 1, got %d", ErrInvalidConfig, size)
	}
	if cols < 1 || rows < 1 {
		return nil, fmt.Errorf("%w: empty coarse grid %dx%d", ErrInvalidConfig, cols, rows)
	}
	return &Partitioner{Cols: cols, Rows: rows, Size: size}, nil
}

// Margin is the overlap added on each side: half the window size.
func (p *Partitioner) Margin() int { return p.Size / 2 }

// Count is the number of windows Windows yields.
func (p *Partitioner) Count() int {
	return ceilDiv(p.Rows, p.Size) * ceilDiv(p.Cols, p.Size)
}

// Windows yields windows in row-major order. The sequence is finite and
// can be ranged over any number of times.
func (p *Partitioner) Windows() iter.Seq[Window] {
	return func(yield func(Window) bool) {
		m := p.Margin()
		idx := 0
		for r := 0; r < p.Rows; r += p.Size {
			for c := 0; c < p.Cols; c += p.Size {
				core := Bounds{Row0: r, Col0: c, Row1: min(r+p.Size, p.Rows), Col1: min(c+p.Size, p.Cols)}
				ext := Bounds{
					Row0: max(core.Row0-m, 0),
					Col0: max(core.Col0-m, 0),
					Row1: min(core.Row1+m, p.Rows),
					Col1: min(core.Col1+m, p.Cols),
				}
				if !yield(Window{Index: idx, Core: core, Extent: ext}) {
					return
				}
				idx++
			}
		}
	}
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }
