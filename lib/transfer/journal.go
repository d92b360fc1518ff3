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
	"encoding/json"
	"os"

	"github.com/gravitational/trace"

	"github.com/edgewise/iot-agent/lib/utils"
)

// journalLocked persists every non-terminal transfer so a restarted
// agent resumes pending work without operator intervention. Must be
// called with the engine mutex held.
func (e *Engine) journalLocked() {
	if e.cfg.JournalPath == "" {
		return
	}
	var reqs []Request
	for _, rec := range e.records {
		if !rec.state.Terminal() && !rec.released {
			reqs = append(reqs, rec.req)
		}
	}
	data, err := json.Marshal(reqs)
	if err != nil {
		plog.Warnf("Failed to serialize transfer journal: %v.", err)
		return
	}
	if err := utils.WriteFileAtomic(e.cfg.JournalPath, data, 0o600); err != nil {
		plog.Warnf("Failed to write transfer journal: %v.", err)
	}
}

// loadJournal reads the journal left by a previous run. A missing
// file is not an error.
func loadJournal(path string) ([]Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, trace.ConvertSystemError(err)
	}
	var reqs []Request
	if err := json.Unmarshal(data, &reqs); err != nil {
		return nil, trace.BadParameter("malformed transfer journal: %v", err)
	}
	return reqs, nil
}
