package artifact

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// WriteTar archives each root directory into w, storing entries under the root's base name.
// Missing roots are reported through skipped and do not fail the archive.
func WriteTar(w io.Writer, roots []string, skipped func(root string)) (int, error) {
	tw := tar.NewWriter(w)
	files := 0

	for _, root := range roots {
		info, err := os.Stat(root)
		if errors.Is(err, fs.ErrNotExist) {
			if skipped != nil {
				skipped(root)
			}
			continue
		}
		if err != nil {
			return files, fmt.Errorf("failed to stat %s: %w", root, err)
		}
		if !info.IsDir() {
			return files, fmt.Errorf("source path %s is not a directory", root)
		}

		base := filepath.Base(filepath.Clean(root))
		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			name := filepath.ToSlash(filepath.Join(base, rel))

			info, err := d.Info()
			if err != nil {
				return err
			}
			if !info.Mode().IsDir() && !info.Mode().IsRegular() {
				return nil
			}

			header, err := tar.FileInfoHeader(info, "")
			if err != nil {
				return err
			}
			header.Name = name
			if info.IsDir() {
				header.Name += "/"
			}
			if err := tw.WriteHeader(header); err != nil {
				return err
			}
			if info.IsDir() {
				return nil
			}

			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			if _, err := io.Copy(tw, f); err != nil {
				return err
			}
			files++
			return nil
		})
		if err != nil {
			return files, fmt.Errorf("failed to archive %s: %w", root, err)
		}
	}

	if err := tw.Close(); err != nil {
		return files, fmt.Errorf("failed to finalize archive: %w", err)
	}
	return files, nil
}

// ExtractTar unpacks r under dest and returns the number of regular files written.
// Entries that would escape dest are rejected.
func ExtractTar(r io.Reader, dest string) (int, error) {
	dest = filepath.Clean(dest)
	if err := os.MkdirAll(dest, 0750); err != nil {
		return 0, fmt.Errorf("failed to create restore directory: %w", err)
	}

	tr := tar.NewReader(r)
	files := 0
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return files, nil
		}
		if err != nil {
			return files, fmt.Errorf("failed to read archive: %w", err)
		}

		target := filepath.Join(dest, filepath.FromSlash(header.Name))
		if target != dest && !strings.HasPrefix(target, dest+string(os.PathSeparator)) {
			return files, fmt.Errorf("archive entry %q escapes restore directory", header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0750); err != nil {
				return files, err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0750); err != nil {
				return files, err
			}
			if err := writeFile(target, tr, header.FileInfo().Mode().Perm()); err != nil {
				return files, err
			}
			files++
		default:
			// Links and devices are never produced by WriteTar
		}
	}
}

// CountTar reads r to the end and returns the number of regular files it holds
func CountTar(r io.Reader) (int, error) {
	tr := tar.NewReader(r)
	files := 0
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return files, nil
		}
		if err != nil {
			return files, fmt.Errorf("failed to read archive: %w", err)
		}
		if header.Typeflag == tar.TypeReg {
			files++
		}
	}
}

func writeFile(path string, r io.Reader, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm|0600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
