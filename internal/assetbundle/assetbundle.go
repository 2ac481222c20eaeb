// Package assetbundle builds the zip archives served from the assets
// endpoint, grounded on original_source's zip.py helpers (zip_dir,
// zip_files, zip_str).
package assetbundle

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ZipDir writes every file under directory into a new zip archive at
// zipPath. Files directly in directory land at the root of the archive;
// files in subdirectories keep their relative path. Traversal is
// breadth-first, matching zip_dir's queue-based walk.
func ZipDir(directory, zipPath string) error {
	out, err := os.Create(zipPath)
	if err != nil {
		return err
	}
	defer out.Close()
	zw := zip.NewWriter(out)
	defer zw.Close()

	queue := []string{directory}
	for len(queue) > 0 {
		dir := queue[0]
		queue = queue[1:]

		entries, err := os.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("read dir %s: %w", dir, err)
		}
		for _, e := range entries {
			full := filepath.Join(dir, e.Name())
			if e.IsDir() {
				queue = append(queue, full)
				continue
			}
			if !e.Type().IsRegular() {
				continue
			}
			rel, err := filepath.Rel(directory, full)
			if err != nil {
				return err
			}
			if err := writeFileToZip(zw, full, filepath.ToSlash(rel)); err != nil {
				return err
			}
		}
	}
	return nil
}

// ZipFiles writes named, pre-existing files into a new zip archive at
// zipPath. Entries maps the name to use inside the archive to the real
// file path on disk.
func ZipFiles(zipPath string, entries map[string]string) error {
	out, err := os.Create(zipPath)
	if err != nil {
		return err
	}
	defer out.Close()
	zw := zip.NewWriter(out)
	defer zw.Close()

	for arcname, realname := range entries {
		if err := writeFileToZip(zw, realname, arcname); err != nil {
			return err
		}
	}
	return nil
}

// ZipString writes a single in-memory file named name with contents data
// into a new zip archive at zipPath.
func ZipString(name string, data []byte, zipPath string) error {
	out, err := os.Create(zipPath)
	if err != nil {
		return err
	}
	defer out.Close()
	zw := zip.NewWriter(out)
	defer zw.Close()

	w, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func writeFileToZip(zw *zip.Writer, realPath, arcname string) error {
	f, err := os.Open(realPath)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	header.Name = arcname
	header.Method = zip.Deflate
	w, err := zw.CreateHeader(header)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	return err
}
