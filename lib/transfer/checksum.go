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

package transfer

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"os"

	"github.com/gravitational/trace"
)

// fileDigest computes the hex lowercase digest of the file contents
// with the given algorithm.
func fileDigest(path string, algo Algorithm) (string, error) {
	var h hash.Hash
	switch algo {
	case AlgorithmMD5:
		h = md5.New()
	case AlgorithmSHA256:
		h = sha256.New()
	default:
		return "", trace.BadParameter("unsupported checksum algorithm %q", algo)
	}

	file, err := os.Open(path)
	if err != nil {
		return "", trace.ConvertSystemError(err)
	}
	defer file.Close()

	if _, err := io.Copy(h, file); err != nil {
		return "", trace.ConvertSystemError(err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
