package methods

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/mholt/archiver/v3"
)

// ExtractArchive unpacks a shapefile archive (.zip or .rar) into dest.
func ExtractArchive(src string, dest string) error {
	ext := strings.ToLower(filepath.Ext(src))
	switch ext {
	case ".zip":
		return UnzipZip(src, dest)
	case ".rar":
		return archiver.Unarchive(src, dest)
	default:
		return errors.New("Unsupported file format")
	}
}

func UnzipZip(src string, dest string) error {
	if err := os.MkdirAll(dest, os.ModePerm); err != nil {
		return err
	}

	reader, err := zip.OpenReader(src)
	if err != nil {
		return err
	}
	defer reader.Close()

	for _, file := range reader.File {
		if err := extractFile(file, dest); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(zf *zip.File, dest string) error {
	fpath := filepath.Join(dest, zf.Name)

	// Keep extraction inside the destination directory.
	if !strings.HasPrefix(fpath, filepath.Clean(dest)+string(os.PathSeparator)) {
		return fmt.Errorf("%s: illegal file path", fpath)
	}

	if zf.FileInfo().IsDir() {
		os.MkdirAll(fpath, os.ModePerm)
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(fpath), os.ModePerm); err != nil {
		return err
	}
	outFile, err := os.OpenFile(fpath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, zf.Mode())
	if err != nil {
		return err
	}
	rc, err := zf.Open()
	if err != nil {
		outFile.Close()
		return err
	}
	_, err = io.Copy(outFile, rc)
	rc.Close()
	outFile.Close()
	return err
}

// ExtractKMZ unwraps a KMZ archive and returns the bytes of the KML document
// inside it. A KMZ is exactly a zip containing one KML.
func ExtractKMZ(data []byte) ([]byte, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}
	for _, file := range reader.File {
		if strings.EqualFold(filepath.Ext(file.Name), ".kml") {
			rc, err := file.Open()
			if err != nil {
				return nil, err
			}
			defer rc.Close()
			return io.ReadAll(rc)
		}
	}
	return nil, errors.New("no KML document found in KMZ archive")
}

// FindFileByExt walks dir and returns the first file with the given extension
// (case-insensitive), or "" when absent. Shapefile archives often nest their
// members in a subdirectory.
func FindFileByExt(dir string, ext string) string {
	var found string
	filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() || found != "" {
			return nil
		}
		if strings.EqualFold(filepath.Ext(path), ext) {
			found = path
		}
		return nil
	})
	return found
}
