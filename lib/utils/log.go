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

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"

	iotagent "github.com/edgewise/iot-agent"
)

// InitLogger configures the process-wide logger. level is one of the
// logrus level names ("debug", "info", "warning", "error").
func InitLogger(level string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return trace.BadParameter("unsupported log level %q", level)
	}
	log.SetLevel(lvl)
	log.SetOutput(os.Stderr)
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	return nil
}

// InitLoggerForTests mutes log output in tests unless the debug env
// var is set.
func InitLoggerForTests() {
	if os.Getenv(iotagent.DebugOutputEnvVar) != "" {
		log.SetLevel(log.DebugLevel)
		log.SetOutput(os.Stderr)
		return
	}
	log.SetLevel(log.WarnLevel)
	log.SetOutput(io.Discard)
}

// FatalError prints the error to stderr and exits non-zero. Intended
// for tool entry points only.
func FatalError(err error) {
	os.Stderr.WriteString(trace.UserMessage(err) + "\n")
	os.Exit(1)
}
