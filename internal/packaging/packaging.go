// Package packaging zips a scene's outputs for hand-off.
package packaging

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/fsutil"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/logging"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/tile"
)

// Result describes a written archive.
type Result struct {
	Path  string
	Files int
	Bytes int64 // uncompressed
}

// Package writes <scene>_d<start><end>_eds_outputs.zip into destDir. Entries
// are stored relative to the scene dir's parent, e.g. p094r076/....
func Package(ctx context.Context, sceneDir, destDir, scene string, start, end tile.DateTag) (*Result, error) {
	timer := logging.StartTimer(logging.CategoryPackaging, "Package")
	defer timer.Stop()

	info, err := os.Stat(sceneDir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("scene directory does not exist: %s", sceneDir)
	}
	files, total, err := collect(sceneDir)
	if err != nil {
		return nil, err
	}
	logging.Packaging("Packaging %d file(s) (%.2f MB) from %s", len(files), float64(total)/1e6, sceneDir)

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create destination: %w", err)
	}
	final := filepath.Join(destDir, tile.PackageName(scene, start, end))
	tmp := fsutil.TempSibling(final)
	if err := writeZip(ctx, tmp, filepath.Dir(sceneDir), files); err != nil {
		fsutil.Discard(tmp)
		return nil, err
	}
	if err := fsutil.Commit([2]string{tmp, final}); err != nil {
		fsutil.Discard(tmp)
		return nil, err
	}
	logging.Packaging("Packaged outputs -> %s", final)
	return &Result{Path: final, Files: len(files), Bytes: total}, nil
}

// collect lists regular files under dir in lexical order, skipping temp files
// and existing packages.
func collect(dir string) ([]string, int64, error) {
	var files []string
	var total int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() || strings.HasPrefix(name, ".tmp-") || strings.HasSuffix(name, "_eds_outputs.zip") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		files = append(files, path)
		total += info.Size()
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	return files, total, nil
}

func writeZip(ctx context.Context, path, base string, files []string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}
	zw := zip.NewWriter(f)
	for _, src := range files {
		if err := ctx.Err(); err != nil {
			zw.Close()
			f.Close()
			return err
		}
		if err := addFile(zw, base, src); err != nil {
			zw.Close()
			f.Close()
			return err
		}
	}
	if err := zw.Close(); err != nil {
		f.Close()
		return fmt.Errorf("failed to finish archive: %w", err)
	}
	return f.Close()
}

func addFile(zw *zip.Writer, base, src string) error {
	rel, err := filepath.Rel(base, src)
	if err != nil {
		rel = filepath.Base(src)
	}
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = filepath.ToSlash(rel)
	hdr.Method = zip.Deflate
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("failed to add %s: %w", rel, err)
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if _, err := io.Copy(w, in); err != nil {
		return fmt.Errorf("failed to add %s: %w", rel, err)
	}
	return nil
}
