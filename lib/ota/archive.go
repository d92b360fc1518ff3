/*
Copyright 2024 Edgewise, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package ota

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gravitational/trace"
)

// extractArchive unpacks the package into destDir. The format is
// auto-detected from the file magic: gzip-compressed tar, plain tar,
// or zip.
func extractArchive(path, destDir string) error {
	file, err := os.Open(path)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	defer file.Close()

	magic := make([]byte, 4)
	n, err := io.ReadFull(file, magic)
	if err != nil && err != io.ErrUnexpectedEOF {
		return trace.ConvertSystemError(err)
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return trace.ConvertSystemError(err)
	}

	switch {
	case n >= 2 && magic[0] == 0x1f && magic[1] == 0x8b:
		gz, err := gzip.NewReader(file)
		if err != nil {
			return trace.BadParameter("malformed gzip stream: %v", err)
		}
		defer gz.Close()
		return trace.Wrap(extractTar(gz, destDir))
	case n >= 2 && bytes.Equal(magic[:2], []byte("PK")):
		return trace.Wrap(extractZip(path, destDir))
	default:
		return trace.Wrap(extractTar(file, destDir))
	}
}

// extractTar unpacks a tar stream, rejecting entries that escape the
// destination directory.
func extractTar(r io.Reader, destDir string) error {
	tr := tar.NewReader(r)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return trace.BadParameter("malformed tar stream: %v", err)
		}
		target, err := sanitizePath(destDir, header.Name)
		if err != nil {
			return trace.Wrap(err)
		}
		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return trace.ConvertSystemError(err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return trace.ConvertSystemError(err)
			}
			out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(header.Mode)&0o777)
			if err != nil {
				return trace.ConvertSystemError(err)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return trace.ConvertSystemError(err)
			}
			if err := out.Close(); err != nil {
				return trace.ConvertSystemError(err)
			}
		}
	}
}

// extractZip unpacks a zip archive.
func extractZip(path, destDir string) error {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return trace.BadParameter("malformed zip archive: %v", err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		target, err := sanitizePath(destDir, f.Name)
		if err != nil {
			return trace.Wrap(err)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return trace.ConvertSystemError(err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return trace.ConvertSystemError(err)
		}
		rc, err := f.Open()
		if err != nil {
			return trace.Wrap(err)
		}
		out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode()&0o777)
		if err != nil {
			rc.Close()
			return trace.ConvertSystemError(err)
		}
		if _, err := io.Copy(out, rc); err != nil {
			out.Close()
			rc.Close()
			return trace.ConvertSystemError(err)
		}
		rc.Close()
		if err := out.Close(); err != nil {
			return trace.ConvertSystemError(err)
		}
	}
	return nil
}

// sanitizePath joins name under destDir and rejects traversal outside
// it.
func sanitizePath(destDir, name string) (string, error) {
	target := filepath.Join(destDir, filepath.Clean("/"+name))
	if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) {
		return "", trace.BadParameter("archive entry %q escapes the extraction directory", name)
	}
	return target, nil
}
