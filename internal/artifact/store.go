package artifact

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

var ErrNoEntryPoint = errors.New("artifact: no index.html found in build")

// entryDirs is the fixed search order for the entry point after the
// archive root: the export presets the build workflow is known to use.
var entryDirs = []string{"web", "html5", "build"}

// Store unpacks uploaded build archives under a local root and guarantees
// every published build has index.html at its top level.
type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: root}
}

func (s *Store) Root() string {
	return s.root
}

// SaveBuild extracts the archive into <root>/<name>, locates index.html
// (archive root, then known subfolders, then the first one a full walk
// finds) and relocates that folder's contents to the build root. On any
// failure the partially-extracted tree is removed, so a build directory
// either serves a complete game or does not exist.
func (s *Store) SaveBuild(name string, zr *zip.Reader) error {
	if !safeNameRe.MatchString(name) {
		return ErrUnsafeName
	}

	dest := filepath.Join(s.root, name)
	if err := os.RemoveAll(dest); err != nil {
		return err
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}

	if err := extract(zr, dest); err != nil {
		os.RemoveAll(dest)
		return err
	}

	entryDir, err := findEntryDir(dest)
	if err != nil {
		os.RemoveAll(dest)
		return err
	}

	if entryDir != dest {
		if err := promote(entryDir, dest); err != nil {
			os.RemoveAll(dest)
			return err
		}
	}
	return nil
}

// RemoveBuild deletes a published build directory.
func (s *Store) RemoveBuild(name string) error {
	if !safeNameRe.MatchString(name) {
		return ErrUnsafeName
	}
	return os.RemoveAll(filepath.Join(s.root, name))
}

func extract(zr *zip.Reader, dest string) error {
	for _, f := range zr.File {
		target, err := safeJoin(dest, f.Name)
		if err != nil {
			return err
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}

		rc, err := f.Open()
		if err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			rc.Close()
			return err
		}
		_, err = io.Copy(out, rc)
		rc.Close()
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// safeJoin joins name under dest and rejects zip-slip paths.
func safeJoin(dest, name string) (string, error) {
	target := filepath.Join(dest, filepath.Clean("/"+name))
	if !strings.HasPrefix(target, dest+string(os.PathSeparator)) && target != dest {
		return "", fmt.Errorf("artifact: entry %q escapes build dir", name)
	}
	return target, nil
}

func findEntryDir(dest string) (string, error) {
	if fileExists(filepath.Join(dest, "index.html")) {
		return dest, nil
	}
	for _, sub := range entryDirs {
		if fileExists(filepath.Join(dest, sub, "index.html")) {
			return filepath.Join(dest, sub), nil
		}
	}

	// last resort: first index.html anywhere in the tree
	var found string
	err := filepath.WalkDir(dest, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && d.Name() == "index.html" {
			found = filepath.Dir(path)
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if found == "" {
		return "", ErrNoEntryPoint
	}
	return found, nil
}

// promote makes entryDir the build root: the directory holding index.html
// replaces dest wholesale. Goes through a sibling temp dir so a directory
// inside entryDir named like dest cannot collide mid-move.
func promote(entryDir, dest string) error {
	tmp := dest + ".promote"
	if err := os.RemoveAll(tmp); err != nil {
		return err
	}
	if err := os.Rename(entryDir, tmp); err != nil {
		return err
	}
	if err := os.RemoveAll(dest); err != nil {
		os.RemoveAll(tmp)
		return err
	}
	return os.Rename(tmp, dest)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
