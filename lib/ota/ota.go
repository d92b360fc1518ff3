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

// Package ota orchestrates software update cycles: download the update
// package through the transfer engine, extract it into a per-cycle
// working directory, hand control to the external updater and ship the
// update log back to the cloud.
package ota

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	iotagent "github.com/edgewise/iot-agent"
	"github.com/edgewise/iot-agent/lib/defaults"
	"github.com/edgewise/iot-agent/lib/transfer"
	"github.com/edgewise/iot-agent/lib/utils"
)

var plog = log.WithField(iotagent.Component, iotagent.ComponentOTA)

// Manifest describes one update cycle. It is consumed once; the
// orchestrator does not retain it after Run returns.
type Manifest struct {
	// Identifier names the update campaign.
	Identifier string
	// Operation is the cloud-side operation tag.
	Operation string
	// Version is the target software version.
	Version string
	// Package is the package file name, resolved from the global file
	// store.
	Package string
	// SHA256 is the expected package digest, hex lowercase. Preferred
	// over MD5 when both are present.
	SHA256 string
	// MD5 is the fallback package digest.
	MD5 string
	// Token is the bearer token for the download and log upload.
	Token string
	// DownloadURL is the package endpoint.
	DownloadURL string
	// ResponseURL receives the update log upload.
	ResponseURL string
	// InstallCommand overrides the default updater invocation. The
	// update directory is appended as `--path <dir>`.
	InstallCommand []string
}

// Check validates the manifest.
func (m *Manifest) Check() error {
	if m.Package == "" {
		return trace.BadParameter("missing parameter Package")
	}
	if len(m.Package) > defaults.PathMaxLen {
		return trace.BadParameter("package name exceeds %d bytes", defaults.PathMaxLen)
	}
	if m.DownloadURL == "" {
		return trace.BadParameter("missing parameter DownloadURL")
	}
	return nil
}

// checksum picks the strongest digest the manifest carries.
func (m *Manifest) checksum() (string, transfer.Algorithm) {
	if m.SHA256 != "" {
		return m.SHA256, transfer.AlgorithmSHA256
	}
	if m.MD5 != "" {
		return m.MD5, transfer.AlgorithmMD5
	}
	return "", transfer.AlgorithmNone
}

// Config configures an orchestrator.
type Config struct {
	// RuntimeDir is the agent runtime directory; the per-cycle working
	// directory is created under it.
	RuntimeDir string
	// Engine drives the package download and the log upload.
	Engine *transfer.Engine
	// UpdaterPath is the external updater binary. It is copied next to
	// the update directory before execution so the update can replace
	// the original.
	UpdaterPath string
	// PollInterval is the download poll cadence. Defaults to 1s.
	PollInterval time.Duration
	// DownloadTimeout bounds the package download. Defaults to 30m.
	DownloadTimeout time.Duration
	// Clock overrides the clock in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults checks and sets defaults
func (c *Config) CheckAndSetDefaults() error {
	if c.RuntimeDir == "" {
		return trace.BadParameter("missing parameter RuntimeDir")
	}
	if c.Engine == nil {
		return trace.BadParameter("missing parameter Engine")
	}
	if c.PollInterval == 0 {
		c.PollInterval = defaults.OTAPollInterval
	}
	if c.DownloadTimeout == 0 {
		c.DownloadTimeout = defaults.OTADownloadTimeout
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Orchestrator runs software update cycles. At most one cycle is in
// flight at a time.
type Orchestrator struct {
	cfg Config

	mu     sync.Mutex
	active bool
}

// NewOrchestrator builds an orchestrator.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Orchestrator{cfg: cfg}, nil
}

// Active reports whether a cycle is currently in flight.
func (o *Orchestrator) Active() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

// Run executes one update cycle: download, extract, install, and the
// log upload, which happens regardless of the earlier steps. A second
// concurrent Run is rejected with an already-exists error.
func (o *Orchestrator) Run(ctx context.Context, m Manifest) error {
	if err := m.Check(); err != nil {
		return trace.Wrap(err)
	}

	o.mu.Lock()
	if o.active {
		o.mu.Unlock()
		return trace.AlreadyExists("a software update cycle is already in flight")
	}
	o.active = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.active = false
		o.mu.Unlock()
	}()

	updateDir := filepath.Join(o.cfg.RuntimeDir, defaults.UpdateDirName)
	logPath := filepath.Join(updateDir, defaults.UpdateLogName)

	plog.WithField("version", m.Version).Infof("Starting software update %q.", m.Package)
	err := o.cycle(ctx, m, updateDir, logPath)
	if err != nil {
		plog.Warnf("Software update %q failed: %v.", m.Package, err)
		o.appendLog(logPath, fmt.Sprintf("update failed: %v", err))
	}

	// the update log is shipped regardless of the cycle outcome so the
	// cloud sees failed installs too
	if uploadErr := o.uploadLog(ctx, m, logPath); uploadErr != nil {
		plog.Warnf("Failed to upload update log: %v.", uploadErr)
		if err == nil {
			err = uploadErr
		}
	}
	return trace.Wrap(err)
}

// cycle performs the download, extraction and install steps.
func (o *Orchestrator) cycle(ctx context.Context, m Manifest, updateDir, logPath string) error {
	if err := utils.RecreateDir(updateDir, 0o755); err != nil {
		return trace.Wrap(err)
	}

	packagePath := filepath.Join(updateDir, m.Package)
	if err := o.download(ctx, m, packagePath); err != nil {
		return trace.Wrap(err)
	}

	if err := extractArchive(packagePath, updateDir); err != nil {
		return trace.Wrap(err)
	}

	return trace.Wrap(o.install(ctx, m, updateDir, logPath))
}

// download fetches the package through the transfer engine and polls
// its state at the configured cadence until it completes or the
// download deadline lapses.
func (o *Orchestrator) download(ctx context.Context, m Manifest, packagePath string) error {
	checksum, algorithm := m.checksum()
	handle, err := o.cfg.Engine.Begin(transfer.Request{
		Direction: transfer.DirectionOTA,
		LocalPath: packagePath,
		URL:       m.DownloadURL,
		Token:     m.Token,
		Checksum:  checksum,
		Algorithm: algorithm,
		MaxRetry:  -1,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	defer o.cfg.Engine.Release(handle)

	deadline := o.cfg.Clock.Now().Add(o.cfg.DownloadTimeout)
	for {
		snap, err := o.cfg.Engine.Status(handle)
		if err != nil {
			return trace.Wrap(err)
		}
		switch snap.State {
		case transfer.StateCompleted:
			return nil
		case transfer.StateFailed:
			return trace.Wrap(snap.Error)
		}
		if o.cfg.Clock.Now().After(deadline) {
			o.cfg.Engine.Cancel(handle)
			return trace.LimitExceeded("timed out waiting for the update package")
		}
		select {
		case <-o.cfg.Clock.After(o.cfg.PollInterval):
		case <-ctx.Done():
			o.cfg.Engine.Cancel(handle)
			return trace.Wrap(ctx.Err())
		}
	}
}

// install copies the updater binary out of the update directory's way
// and executes it against the extracted package. The exit code is
// appended to the update log.
func (o *Orchestrator) install(ctx context.Context, m Manifest, updateDir, logPath string) error {
	argv := m.InstallCommand
	if len(argv) == 0 {
		if o.cfg.UpdaterPath == "" {
			return trace.BadParameter("no install command and no updater binary configured")
		}
		// run a copy so the update package can replace the original
		updaterCopy := filepath.Join(o.cfg.RuntimeDir, filepath.Base(o.cfg.UpdaterPath))
		if err := utils.CopyFile(o.cfg.UpdaterPath, updaterCopy, 0o755); err != nil {
			return trace.Wrap(err)
		}
		argv = []string{updaterCopy}
	}
	argv = append(append([]string(nil), argv...), "--path", updateDir)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = updateDir
	runErr := cmd.Run()

	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	o.appendLog(logPath, fmt.Sprintf("updater %q exited with code %d", argv[0], exitCode))

	if runErr != nil {
		if _, ok := runErr.(*exec.ExitError); ok {
			return trace.Errorf("updater exited with code %d", exitCode)
		}
		return trace.ConvertSystemError(runErr)
	}
	return nil
}

// uploadLog ships the update log to the response URL when one is set
// and the log exists.
func (o *Orchestrator) uploadLog(ctx context.Context, m Manifest, logPath string) error {
	if m.ResponseURL == "" || !utils.FileExists(logPath) {
		return nil
	}
	handle, err := o.cfg.Engine.Begin(transfer.Request{
		Direction: transfer.DirectionUpload,
		LocalPath: logPath,
		URL:       m.ResponseURL,
		Token:     m.Token,
	})
	if err != nil {
		return trace.Wrap(err)
	}
	defer o.cfg.Engine.Release(handle)

	waitCtx, cancel := context.WithTimeout(ctx, o.cfg.DownloadTimeout)
	defer cancel()
	snap, err := o.cfg.Engine.Wait(waitCtx, handle)
	if err != nil {
		return trace.Wrap(err)
	}
	if snap.State == transfer.StateFailed {
		return trace.Wrap(snap.Error)
	}
	return nil
}

// appendLog appends one line to the update log, creating it if needed.
func (o *Orchestrator) appendLog(logPath, line string) {
	f, err := os.OpenFile(logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		plog.Debugf("Failed to open update log: %v.", err)
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "%s %s\n", o.cfg.Clock.Now().UTC().Format(time.RFC3339), line)
}
