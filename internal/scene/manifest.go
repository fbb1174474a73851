// Package scene loads the products named by a scene manifest and assembles
// them into a co-registered sharpening scene.
package scene

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"thermalsharp/internal/fsutil"
	"thermalsharp/internal/raster"
	"thermalsharp/internal/sharpen"
)

// DateTimeLayout is the compact acquisition time form used by product names.
const DateTimeLayout = "2006-01-02 15:04"

// Manifest names the products of one scene. Relative paths resolve against
// the manifest's directory.
type Manifest struct {
	Reflectance string `json:"reflectance"`
	Elevation   string `json:"elevation"`
	Geometry    string `json:"geometry,omitempty"`
	LST         string `json:"lst"`
	Mask        string `json:"mask,omitempty"`
	Acquired    string `json:"acquired,omitempty"`
	Output      string `json:"output,omitempty"`

	dir string
}

// ReadManifest parses the manifest at path.
func ReadManifest(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		kind := sharpen.ErrUnreadableInput
		if errors.Is(err, os.ErrNotExist) {
			kind = sharpen.ErrMissingInput
		}
		return nil, &sharpen.InputError{Kind: kind, Product: "manifest", Path: path, Err: err}
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, &sharpen.InputError{Kind: sharpen.ErrUnreadableInput, Product: "manifest", Path: path, Err: err}
	}
	m.dir = filepath.Dir(path)
	return &m, nil
}

// WriteManifest stores m as indented JSON.
func WriteManifest(path string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// Resolve maps a manifest path onto the filesystem.
func (m *Manifest) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || m.dir == "" {
		return p
	}
	return filepath.Join(m.dir, p)
}

// OutputPath returns the resolved output path, or one derived from the
// manifest name under defaultDir.
func (m *Manifest) OutputPath(manifestPath, defaultDir string) string {
	if m.Output != "" {
		return m.Resolve(m.Output)
	}
	name := fsutil.SceneName(manifestPath) + "_" + sharpen.OutputBand + raster.Extension
	return filepath.Join(defaultDir, name)
}

// AcquisitionTime parses the manifest time in RFC 3339 or the compact
// "YYYY-MM-DD HH:MM" form, always as UTC.
func (m *Manifest) AcquisitionTime() (time.Time, bool, error) {
	s := strings.TrimSpace(m.Acquired)
	if s == "" {
		return time.Time{}, false, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), true, nil
	}
	t, err := time.ParseInLocation(DateTimeLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("acquired %q: want RFC 3339 or %q", s, DateTimeLayout)
	}
	return t, true, nil
}
