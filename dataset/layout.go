package dataset

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	iface "YoloDataAug/interface"
)

const (
	ImagesDir = "images"
	LabelsDir = "labels"
)

// leafDirs are the directories every freshly prepared tree carries. The test
// split is created on demand.
var leafDirs = []string{
	filepath.Join(ImagesDir, string(iface.SplitTrain)),
	filepath.Join(ImagesDir, string(iface.SplitVal)),
	filepath.Join(LabelsDir, string(iface.SplitTrain)),
	filepath.Join(LabelsDir, string(iface.SplitVal)),
}

// SourceNotFoundError is returned when an expected input directory is absent.
type SourceNotFoundError struct {
	Path string
}

func (e *SourceNotFoundError) Error() string {
	return fmt.Sprintf("source directory not found: %s", e.Path)
}

func ImageDir(root string, split iface.Split) string {
	return filepath.Join(root, ImagesDir, string(split))
}

func LabelDir(root string, split iface.Split) string {
	return filepath.Join(root, LabelsDir, string(split))
}

// Clear empties root, creating it when missing. root itself is kept. The
// first entry that cannot be removed stops the clear.
func Clear(root string) error {
	entries, err := os.ReadDir(root)
	if errors.Is(err, fs.ErrNotExist) {
		return os.MkdirAll(root, 0o755)
	}
	if err != nil {
		return fmt.Errorf("clear %s: %w", root, err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(root, e.Name())); err != nil {
			return fmt.Errorf("clear %s: remove %s: %w", root, e.Name(), err)
		}
	}
	return nil
}

// Initialize creates the train/val leaf directories under root. Existing
// directories are left alone.
func Initialize(root string) error {
	for _, d := range leafDirs {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			return fmt.Errorf("initialize %s: %w", root, err)
		}
	}
	return nil
}

// Prepare gives root a deterministic empty starting state.
func Prepare(root string) error {
	if err := Clear(root); err != nil {
		return err
	}
	return Initialize(root)
}

// requireDir fails with SourceNotFoundError when dir is missing or not a directory.
func requireDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &SourceNotFoundError{Path: dir}
		}
		return err
	}
	if !info.IsDir() {
		return &SourceNotFoundError{Path: dir}
	}
	return nil
}

// RequireSource checks that root carries an images/train directory.
func RequireSource(root string) error {
	return requireDir(ImageDir(root, iface.SplitTrain))
}

// ListFiles returns the sorted names of regular files in dir that carry an
// extension. A missing dir yields nil.
func ListFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || filepath.Ext(e.Name()) == "" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Stem strips the final extension from a file name.
func Stem(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// CopyFile copies src to dst, replacing dst.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy %s -> %s: %w", src, dst, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("copy %s -> %s: %w", src, dst, err)
	}
	return nil
}

// MoveFile renames src to dst, falling back to copy+remove across devices.
func MoveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := CopyFile(src, dst); err != nil {
		return err
	}
	if err := os.Remove(src); err != nil {
		return fmt.Errorf("move %s: %w", src, err)
	}
	return nil
}

func exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// CopyPair copies an image and, when present, its label into the given
// destination directories. It reports whether a label was copied.
func CopyPair(imgPath, labelPath, imgDstDir, labelDstDir string) (bool, error) {
	if err := CopyFile(imgPath, filepath.Join(imgDstDir, filepath.Base(imgPath))); err != nil {
		return false, err
	}
	ok, err := exists(labelPath)
	if err != nil || !ok {
		return false, err
	}
	return true, CopyFile(labelPath, filepath.Join(labelDstDir, filepath.Base(labelPath)))
}
