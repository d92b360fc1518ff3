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

// Command iot-update is the external updater the agent executes after
// an update package has been downloaded and extracted. It applies the
// package found in the update directory and appends its progress to
// iot-update.log, which the agent uploads afterwards.
package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/gravitational/trace"

	iotagent "github.com/edgewise/iot-agent"
	"github.com/edgewise/iot-agent/lib/defaults"
	"github.com/edgewise/iot-agent/lib/utils"
)

// installScript is the entry point an update package provides.
const installScript = "install.sh"

func main() {
	if err := run(os.Args[1:]); err != nil {
		utils.FatalError(err)
	}
}

func run(args []string) error {
	app := kingpin.New("iot-update", "Applies an extracted software update package.")
	app.Version(iotagent.Version)
	app.HelpFlag.Short('h')
	path := app.Flag("path", "Update directory holding the extracted package.").Required().String()

	if _, err := app.Parse(args); err != nil {
		return trace.Wrap(err)
	}

	logPath := filepath.Join(*path, defaults.UpdateLogName)
	logFile, err := os.OpenFile(logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	defer logFile.Close()
	logf := func(format string, a ...any) {
		fmt.Fprintf(logFile, "%s "+format+"\n",
			append([]any{time.Now().UTC().Format(time.RFC3339)}, a...)...)
	}

	logf("updater %s starting in %s", iotagent.Version, *path)
	script := filepath.Join(*path, installScript)
	if !utils.FileExists(script) {
		logf("no %s in package, nothing to apply", installScript)
		return nil
	}

	cmd := exec.Command("/bin/sh", script)
	cmd.Dir = *path
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Run(); err != nil {
		logf("install script failed: %v", err)
		return trace.Wrap(err, "install script failed")
	}
	logf("update applied")
	return nil
}
