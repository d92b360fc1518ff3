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
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/edgewise/iot-agent/lib/defaults"
	"github.com/edgewise/iot-agent/lib/transfer"
	"github.com/edgewise/iot-agent/lib/utils"
)

func TestMain(m *testing.M) {
	utils.InitLoggerForTests()
	os.Exit(m.Run())
}

func newTestEngine(t *testing.T) *transfer.Engine {
	t.Helper()
	engine, err := transfer.NewEngine(transfer.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })
	return engine
}

func newTestOrchestrator(t *testing.T, engine *transfer.Engine) (*Orchestrator, string) {
	t.Helper()
	runtimeDir := t.TempDir()
	orchestrator, err := NewOrchestrator(Config{
		RuntimeDir:   runtimeDir,
		Engine:       engine,
		PollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)
	return orchestrator, runtimeDir
}

// buildTarGz assembles an in-memory gzip-compressed tar archive.
func buildTarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Typeflag: tar.TypeReg,
			Mode:     0o644,
			Size:     int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

// uploadRecorder captures multipart log uploads.
type uploadRecorder struct {
	mu     sync.Mutex
	bodies []string
}

func (u *uploadRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	file, _, err := r.FormFile("file")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer file.Close()
	body, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	u.mu.Lock()
	u.bodies = append(u.bodies, string(body))
	u.mu.Unlock()
}

func (u *uploadRecorder) uploaded() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.bodies...)
}

func TestManifestCheck(t *testing.T) {
	t.Parallel()

	m := Manifest{Package: "app.tar.gz", DownloadURL: "https://cloud/file"}
	require.NoError(t, m.Check())

	m = Manifest{DownloadURL: "https://cloud/file"}
	require.True(t, trace.IsBadParameter(m.Check()))

	m = Manifest{Package: "app.tar.gz"}
	require.True(t, trace.IsBadParameter(m.Check()))

	// a package name of exactly the path limit passes, one byte more
	// is rejected
	m = Manifest{Package: strings.Repeat("p", defaults.PathMaxLen), DownloadURL: "https://cloud/file"}
	require.NoError(t, m.Check())
	m.Package += "p"
	require.True(t, trace.IsBadParameter(m.Check()))
}

func TestUpdateLogTimestamps(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	orchestrator, err := NewOrchestrator(Config{
		RuntimeDir: t.TempDir(),
		Engine:     newTestEngine(t),
		Clock:      clock,
	})
	require.NoError(t, err)

	logPath := filepath.Join(t.TempDir(), "update.log")
	orchestrator.appendLog(logPath, "updater started")

	content, err := os.ReadFile(logPath)
	require.NoError(t, err)
	require.Equal(t, "2024-05-01T12:00:00Z updater started\n", string(content))
}

func TestManifestChecksumPreference(t *testing.T) {
	t.Parallel()

	m := Manifest{SHA256: "aa", MD5: "bb"}
	sum, algorithm := m.checksum()
	require.Equal(t, "aa", sum)
	require.Equal(t, transfer.AlgorithmSHA256, algorithm)

	m = Manifest{MD5: "bb"}
	sum, algorithm = m.checksum()
	require.Equal(t, "bb", sum)
	require.Equal(t, transfer.AlgorithmMD5, algorithm)

	m = Manifest{}
	_, algorithm = m.checksum()
	require.Equal(t, transfer.AlgorithmNone, algorithm)
}

func TestExtractArchiveFormats(t *testing.T) {
	t.Parallel()

	t.Run("targz", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		pkg := filepath.Join(dir, "pkg")
		require.NoError(t, os.WriteFile(pkg, buildTarGz(t, map[string]string{
			"payload/app.txt": "v2",
		}), 0o644))

		require.NoError(t, extractArchive(pkg, dir))
		content, err := os.ReadFile(filepath.Join(dir, "payload", "app.txt"))
		require.NoError(t, err)
		require.Equal(t, "v2", string(content))
	})

	t.Run("plain tar", func(t *testing.T) {
		t.Parallel()
		var buf bytes.Buffer
		tw := tar.NewWriter(&buf)
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: "app.txt", Typeflag: tar.TypeReg, Mode: 0o644, Size: 2,
		}))
		_, err := tw.Write([]byte("v2"))
		require.NoError(t, err)
		require.NoError(t, tw.Close())

		dir := t.TempDir()
		pkg := filepath.Join(dir, "pkg")
		require.NoError(t, os.WriteFile(pkg, buf.Bytes(), 0o644))

		require.NoError(t, extractArchive(pkg, dir))
		content, err := os.ReadFile(filepath.Join(dir, "app.txt"))
		require.NoError(t, err)
		require.Equal(t, "v2", string(content))
	})

	t.Run("zip", func(t *testing.T) {
		t.Parallel()
		var buf bytes.Buffer
		zw := zip.NewWriter(&buf)
		entry, err := zw.Create("sub/app.txt")
		require.NoError(t, err)
		_, err = entry.Write([]byte("v2"))
		require.NoError(t, err)
		require.NoError(t, zw.Close())

		dir := t.TempDir()
		pkg := filepath.Join(dir, "pkg")
		require.NoError(t, os.WriteFile(pkg, buf.Bytes(), 0o644))

		require.NoError(t, extractArchive(pkg, dir))
		content, err := os.ReadFile(filepath.Join(dir, "sub", "app.txt"))
		require.NoError(t, err)
		require.Equal(t, "v2", string(content))
	})

	t.Run("garbage", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		pkg := filepath.Join(dir, "pkg")
		require.NoError(t, os.WriteFile(pkg, []byte("certainly not an archive"), 0o644))
		require.Error(t, extractArchive(pkg, dir))
	})
}

func TestExtractContainsTraversal(t *testing.T) {
	t.Parallel()

	parent := t.TempDir()
	dir := filepath.Join(parent, "extract")
	require.NoError(t, os.Mkdir(dir, 0o755))

	pkg := filepath.Join(parent, "pkg")
	require.NoError(t, os.WriteFile(pkg, buildTarGz(t, map[string]string{
		"../evil.txt": "pwned",
	}), 0o644))

	// the entry is re-rooted inside the extraction directory rather
	// than written to the parent
	require.NoError(t, extractArchive(pkg, dir))
	require.False(t, utils.FileExists(filepath.Join(parent, "evil.txt")))
	require.True(t, utils.FileExists(filepath.Join(dir, "evil.txt")))
}

func TestRunCycle(t *testing.T) {
	t.Parallel()

	archive := buildTarGz(t, map[string]string{
		"payload/app.txt": "v2",
	})
	digest := sha256.Sum256(archive)

	downloads := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(archive)
	}))
	defer downloads.Close()
	uploads := &uploadRecorder{}
	responses := httptest.NewServer(uploads)
	defer responses.Close()

	orchestrator, runtimeDir := newTestOrchestrator(t, newTestEngine(t))
	err := orchestrator.Run(context.Background(), Manifest{
		Identifier:     "campaign-1",
		Version:        "2.0.0",
		Package:        "app.tar.gz",
		SHA256:         hex.EncodeToString(digest[:]),
		DownloadURL:    downloads.URL + "/app.tar.gz",
		ResponseURL:    responses.URL + "/response",
		InstallCommand: []string{"/bin/sh", "-c", "true"},
	})
	require.NoError(t, err)

	updateDir := filepath.Join(runtimeDir, defaults.UpdateDirName)
	content, err := os.ReadFile(filepath.Join(updateDir, "payload", "app.txt"))
	require.NoError(t, err)
	require.Equal(t, "v2", string(content))

	bodies := uploads.uploaded()
	require.Len(t, bodies, 1)
	require.Contains(t, bodies[0], "exited with code 0")
	require.False(t, orchestrator.Active())
}

func TestRunUploadsLogOnFailedInstall(t *testing.T) {
	t.Parallel()

	archive := buildTarGz(t, map[string]string{"app.txt": "v2"})
	downloads := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(archive)
	}))
	defer downloads.Close()
	uploads := &uploadRecorder{}
	responses := httptest.NewServer(uploads)
	defer responses.Close()

	orchestrator, _ := newTestOrchestrator(t, newTestEngine(t))
	err := orchestrator.Run(context.Background(), Manifest{
		Package:        "app.tar.gz",
		DownloadURL:    downloads.URL + "/app.tar.gz",
		ResponseURL:    responses.URL + "/response",
		InstallCommand: []string{"/bin/sh", "-c", "exit 3"},
	})
	require.Error(t, err)

	// the log ships even though the install failed
	bodies := uploads.uploaded()
	require.Len(t, bodies, 1)
	require.Contains(t, bodies[0], "exited with code 3")
	require.Contains(t, bodies[0], "update failed")
}

func TestRunRejectsConcurrentCycle(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	archive := buildTarGz(t, map[string]string{"app.txt": "v2"})
	downloads := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Write(archive)
	}))
	defer downloads.Close()
	defer close(release)

	orchestrator, _ := newTestOrchestrator(t, newTestEngine(t))
	manifest := Manifest{
		Package:        "app.tar.gz",
		DownloadURL:    downloads.URL + "/app.tar.gz",
		InstallCommand: []string{"/bin/sh", "-c", "true"},
	}

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- orchestrator.Run(context.Background(), manifest)
	}()

	require.Eventually(t, orchestrator.Active, 5*time.Second, 10*time.Millisecond)
	err := orchestrator.Run(context.Background(), manifest)
	require.True(t, trace.IsAlreadyExists(err))

	release <- struct{}{}
	select {
	case err := <-firstDone:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for the first update cycle")
	}
}

func TestRunCanceledDuringDownload(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	downloads := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer downloads.Close()
	defer close(release)

	orchestrator, _ := newTestOrchestrator(t, newTestEngine(t))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- orchestrator.Run(ctx, Manifest{
			Package:     "app.tar.gz",
			DownloadURL: downloads.URL + "/app.tar.gz",
		})
	}()

	require.Eventually(t, orchestrator.Active, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for the canceled cycle")
	}
	require.False(t, orchestrator.Active())
}
