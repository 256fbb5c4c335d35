// Package storage owns the on-disk module tree: one directory per module,
// each holding a module.json manifest and an entry artifact.
package storage

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/charlievieth/fastwalk"
	"github.com/google/uuid"
	apperrors "github.com/mantonx/imgvault/internal/errors"
	"github.com/mantonx/imgvault/internal/modules/manifest"
)

// Storage provides synchronous primitives over the modules root.
type Storage struct {
	root     string
	rootOnce sync.Once
	rootErr  error
}

// New returns storage rooted at dir. The directory is created on first use.
func New(dir string) *Storage {
	return &Storage{root: dir}
}

// Root returns the modules root directory.
func (s *Storage) Root() string {
	return s.root
}

// EnsureRoot creates the modules root if it does not exist.
func (s *Storage) EnsureRoot() error {
	s.rootOnce.Do(func() {
		if err := os.MkdirAll(s.root, 0755); err != nil {
			s.rootErr = fmt.Errorf("failed to create modules directory %s: %w", s.root, err)
		}
	})
	return s.rootErr
}

// ModulePath returns the absolute directory of a module.
func (s *Storage) ModulePath(dir string) string {
	return filepath.Join(s.root, dir)
}

// ListModuleDirectories returns the sorted names of module directories.
// Hidden and staging directories are ignored.
func (s *Storage) ListModuleDirectories() ([]string, error) {
	if err := s.EnsureRoot(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to list modules directory: %w", err)
	}

	dirs := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		dirs = append(dirs, entry.Name())
	}
	sort.Strings(dirs)
	return dirs, nil
}

// Exists reports whether a module directory is present.
func (s *Storage) Exists(dir string) bool {
	info, err := os.Stat(s.ModulePath(dir))
	return err == nil && info.IsDir()
}

// ReadManifest returns the raw manifest bytes of a module.
func (s *Storage) ReadManifest(dir string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.ModulePath(dir), manifest.FileName))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest for %s: %w", dir, err)
	}
	return data, nil
}

// WriteManifest persists a manifest through a temp file and rename so that
// readers never observe a partial write.
func (s *Storage) WriteManifest(dir string, m *manifest.Manifest) error {
	data, err := m.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode manifest for %s: %w", dir, err)
	}

	moduleDir := s.ModulePath(dir)
	tmp, err := os.CreateTemp(moduleDir, "."+manifest.FileName+".*")
	if err != nil {
		return fmt.Errorf("failed to write manifest for %s: %w", dir, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write manifest for %s: %w", dir, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync manifest for %s: %w", dir, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return err
	}

	if err := os.Rename(tmpName, filepath.Join(moduleDir, manifest.FileName)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace manifest for %s: %w", dir, err)
	}
	return nil
}

// CopyDirectory copies src into the module directory dst. It fails with
// ErrExists when dst is already present, and never leaves a half-copied
// destination behind.
func (s *Storage) CopyDirectory(src, dst string) error {
	if err := s.EnsureRoot(); err != nil {
		return err
	}

	target := s.ModulePath(dst)
	if _, err := os.Lstat(target); err == nil {
		return fmt.Errorf("%s: %w", dst, apperrors.ErrExists)
	}

	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("failed to stat source %s: %w", src, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("source %s is not a directory", src)
	}

	staging := filepath.Join(s.root, ".staging-"+dst+"-"+uuid.NewString())
	if err := copyTree(src, staging); err != nil {
		os.RemoveAll(staging)
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}

	// Rename does not fail on an existing empty directory on every
	// platform, so check again right before it.
	if _, err := os.Lstat(target); err == nil {
		os.RemoveAll(staging)
		return fmt.Errorf("%s: %w", dst, apperrors.ErrExists)
	}
	if err := os.Rename(staging, target); err != nil {
		os.RemoveAll(staging)
		return fmt.Errorf("failed to move %s into place: %w", dst, err)
	}
	return nil
}

// RemoveDirectory deletes a module directory and everything under it.
func (s *Storage) RemoveDirectory(dir string) error {
	if dir == "" || strings.Contains(dir, "..") || filepath.IsAbs(dir) {
		return fmt.Errorf("refusing to remove %q", dir)
	}
	if err := os.RemoveAll(s.ModulePath(dir)); err != nil {
		return fmt.Errorf("failed to remove module %s: %w", dir, err)
	}
	return nil
}

func copyTree(src, dst string) error {
	if err := os.MkdirAll(dst, 0755); err != nil {
		return err
	}

	conf := fastwalk.Config{Follow: false}
	return fastwalk.Walk(&conf, src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0755)
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			return os.Symlink(link, target)
		case d.Type().IsRegular():
			return copyFile(path, target)
		default:
			return nil
		}
	})
}

// copyFile runs on fastwalk worker goroutines, so it creates its own parent.
func copyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
