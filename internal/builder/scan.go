package builder

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/zeebo/blake3"

	"noderun/internal/domain"
)

// scanOutput lists the files under root that pass the include and exclude
// globs. A file is emitted when its content hash differs from prev. Names
// are slash-separated paths relative to root, in lexical order.
func scanOutput(root string, include, exclude []string, prev map[string][]byte) ([]domain.Asset, map[string][]byte, error) {
	hashes := make(map[string][]byte)
	var assets []domain.Asset
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root && errors.Is(err, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if !matchAny(include, name) || matchAny(exclude, name) {
			return nil
		}
		sum, err := hashFile(path)
		if err != nil {
			return err
		}
		hashes[name] = sum
		assets = append(assets, domain.Asset{
			Name:    name,
			Emitted: !bytes.Equal(prev[name], sum),
			Path:    path,
		})
		return nil
	})
	if err != nil {
		return assets, nil, fmt.Errorf("scan output %s: %w", root, err)
	}
	return assets, hashes, nil
}

func hashFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, name); ok {
			return true
		}
	}
	return false
}
