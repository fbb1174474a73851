package fsutil

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// SceneSuffix marks a scene manifest file.
const SceneSuffix = ".scene.json"

// ProductExt is the extension of raster products.
const ProductExt = ".tif"

// ListScenes returns all scene manifests under root, sorted.
func ListScenes(root string) ([]string, error) {
	return list(root, IsSceneManifest)
}

// ListProducts returns all raster products under root, sorted.
func ListProducts(root string) ([]string, error) {
	return list(root, IsProduct)
}

func list(root string, match func(string) bool) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if match(path) {
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}

// IsSceneManifest checks for the manifest suffix.
func IsSceneManifest(path string) bool {
	return strings.HasSuffix(strings.ToLower(filepath.Base(path)), SceneSuffix)
}

// IsProduct checks for the raster product extension.
func IsProduct(path string) bool {
	return strings.ToLower(filepath.Ext(path)) == ProductExt
}

// SceneName strips the directory and manifest suffix.
func SceneName(path string) string {
	base := filepath.Base(path)
	if IsSceneManifest(base) {
		return base[:len(base)-len(SceneSuffix)]
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}
