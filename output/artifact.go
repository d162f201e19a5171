package output

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"shielded/model"
	"shielded/utils"
)

const maxArtifactSuffix = 999

// WriteArtifact stores a sanitized file in dir under its output name and
// returns the written path. Existing files are never replaced: a taken name
// gets a numeric suffix ("shielded_IMG (1).jpg"). Names that would land
// outside dir are refused.
func WriteArtifact(dir string, out *model.OutputFile) (string, error) {
	if out == nil {
		return "", fmt.Errorf("no output to write")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", err
	}
	path, f, err := createUnique(dir, out.Name)
	if err != nil {
		return "", err
	}
	if _, err := f.Write(out.Data); err != nil {
		f.Close()
		os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", err
	}
	mtime := out.LastModifiedTime()
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		return path, fmt.Errorf("set modification time: %w", err)
	}
	return path, nil
}

func createUnique(dir, name string) (string, *os.File, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 0; i <= maxArtifactSuffix; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", stem, i, ext)
		}
		path, err := utils.JoinWithin(dir, candidate)
		if err != nil {
			return "", nil, err
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0600)
		if err == nil {
			return path, f, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", nil, err
		}
	}
	return "", nil, fmt.Errorf("no free name for %s in %s", name, dir)
}
