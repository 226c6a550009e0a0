package archive

import (
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/afero"

	"github.com/schaermu/unisonwrap/internal/profile"
)

// copyFile copies a file from src to dst with atomic write
func copyFile(fs afero.Fs, src, dst string) error {
	if err := fs.MkdirAll(filepath.Dir(dst), 0700); err != nil {
		return err
	}

	srcFile, err := fs.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = srcFile.Close()
	}()

	tmpFile, err := afero.TempFile(fs, filepath.Dir(dst), ".unisonwrap-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = fs.Remove(tmpPath)
	}() // cleanup on error

	if _, err := io.Copy(tmpFile, srcFile); err != nil {
		_ = tmpFile.Close()
		return err
	}

	srcInfo, err := srcFile.Stat()
	if err != nil {
		_ = tmpFile.Close()
		return err
	}

	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := fs.Chmod(tmpPath, srcInfo.Mode().Perm()); err != nil {
		return err
	}

	return fs.Rename(tmpPath, dst)
}

// moveFile renames src onto dst, falling back to copy and remove when the
// two paths live on different devices
func moveFile(fs afero.Fs, src, dst string) error {
	if err := fs.Rename(src, dst); err == nil {
		return nil
	}
	if err := copyFile(fs, src, dst); err != nil {
		return err
	}
	return fs.Remove(src)
}

// listFiles returns the sorted names of regular files directly inside dir.
// A missing dir yields no names.
func listFiles(fs afero.Fs, dir string) ([]string, error) {
	infos, err := afero.ReadDir(fs, dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var names []string
	for _, info := range infos {
		if info.Mode().IsRegular() {
			names = append(names, info.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// copyFiles copies every regular file of src into dst and returns the names copied
func copyFiles(fs afero.Fs, src, dst string) ([]string, error) {
	names, err := listFiles(fs, src)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		if err := copyFile(fs, filepath.Join(src, name), filepath.Join(dst, name)); err != nil {
			return nil, err
		}
	}
	return names, nil
}

func without(names []string, drop string) []string {
	out := names[:0:0]
	for _, n := range names {
		if n != drop {
			out = append(out, n)
		}
	}
	return out
}

func profileFiles(names []string) []string {
	var out []string
	for _, n := range names {
		if profile.IsProfileFile(n) {
			out = append(out, n)
		}
	}
	return out
}
