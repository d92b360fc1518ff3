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

package utils

import (
	"io"
	"os"
	"path/filepath"

	"github.com/gravitational/trace"
)

// RecreateDir removes dir and everything under it and creates it anew
// with the given mode. Used for per-cycle working directories.
func RecreateDir(dir string, mode os.FileMode) error {
	if err := os.RemoveAll(dir); err != nil {
		return trace.ConvertSystemError(err)
	}
	if err := os.MkdirAll(dir, mode); err != nil {
		return trace.ConvertSystemError(err)
	}
	return nil
}

// CopyFile copies src to dst preserving the given mode. dst is
// truncated when it exists.
func CopyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return trace.ConvertSystemError(err)
	}
	return trace.ConvertSystemError(out.Close())
}

// WriteFileAtomic writes data to path via a rename from a temp file in
// the same directory, so readers never observe a partial file.
func WriteFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return trace.ConvertSystemError(err)
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return trace.ConvertSystemError(err)
	}
	if err := tmp.Close(); err != nil {
		return trace.ConvertSystemError(err)
	}
	return trace.ConvertSystemError(os.Rename(tmp.Name(), path))
}

// FileExists reports whether path names an existing regular file.
func FileExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}
