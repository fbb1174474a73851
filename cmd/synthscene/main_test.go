package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"thermalsharp/internal/fsutil"
)

func TestSynthsceneWritesAndChecksScene(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "scene")
	cmd := newCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{dir, "--cols", "6", "--rows", "6", "--ratio", "3", "--check", "--window", "3", "--log-level", "error"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("synthscene failed: %v", err)
	}

	scenes, err := fsutil.ListScenes(dir)
	if err != nil || len(scenes) != 1 {
		t.Fatalf("expected one manifest, got %v (%v)", scenes, err)
	}
	for _, s := range []string{"Scene written", "T33TUL_TRUTH.tif", "RMSE vs truth"} {
		if !strings.Contains(out.String(), s) {
			t.Fatalf("expected %q in output:\n%s", s, out.String())
		}
	}
}

func TestSynthsceneRejectsBadAcquisitionTime(t *testing.T) {
	cmd := newCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{t.TempDir(), "--acquired", "yesterday"})
	if err := cmd.Execute(); err == nil {
		t.Fatalf("expected error for unparseable acquisition time")
	}
}
