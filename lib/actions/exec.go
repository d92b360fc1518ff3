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

package actions

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/edgewise/iot-agent/lib/status"
)

// execCommand runs a subprocess action target. Input parameters are
// substituted as argv tokens in declaration order; stdout and stderr
// are captured into log files next to each other. With the no-return
// flag the process is acknowledged as soon as it spawns and left to
// run detached.
func (d *Dispatcher) execCommand(ctx context.Context, action *Action, req *Request) (status.Code, string) {
	argv := append([]string(nil), action.command...)
	for _, p := range action.params {
		if p.Direction == Out {
			continue
		}
		if v, ok := req.In[p.Name]; ok {
			argv = append(argv, v.String())
		}
	}

	logDir := d.cfg.LogDir
	if logDir == "" {
		logDir = os.TempDir()
	}
	base := filepath.Join(logDir, fmt.Sprintf("%s-%s", action.name, req.ID))
	stdout, err := os.Create(base + ".out")
	if err != nil {
		return status.FileOpenFailed, err.Error()
	}
	stderr, err := os.Create(base + ".err")
	if err != nil {
		stdout.Close()
		return status.FileOpenFailed, err.Error()
	}

	var cmd *exec.Cmd
	if action.flags&FlagNoReturn != 0 {
		// the detached process must outlive the request context
		cmd = exec.Command(argv[0], argv[1:]...)
	} else {
		cmd = exec.CommandContext(ctx, argv[0], argv[1:]...)
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		plog.Warnf("Failed to spawn %q for request %q: %v.", argv[0], req.ID, err)
		return status.NotExecutable, err.Error()
	}

	if action.flags&FlagNoReturn != 0 {
		// reap in the background so the child never zombies
		go func() {
			cmd.Wait()
			stdout.Close()
			stderr.Close()
		}()
		return status.Success, ""
	}

	waitErr := cmd.Wait()
	stdout.Close()
	stderr.Close()
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			return status.ExecutionError, fmt.Sprintf("exit status %d", exitErr.ExitCode())
		}
		return status.ExecutionError, waitErr.Error()
	}
	return status.Success, ""
}
