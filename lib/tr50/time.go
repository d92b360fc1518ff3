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

package tr50

import (
	"time"

	"github.com/gravitational/trace"
)

const (
	timestampMillis = "2006-01-02T15:04:05.000Z"
	timestampSecs   = "2006-01-02T15:04:05Z"
)

// FormatTimestamp renders t the way the cloud expects: RFC3339 UTC
// with a millisecond fraction and a trailing Z. Sub-millisecond
// precision is truncated.
func FormatTimestamp(t time.Time) string {
	t = t.UTC().Truncate(time.Millisecond)
	if t.Nanosecond() == 0 {
		return t.Format(timestampSecs)
	}
	return t.Format(timestampMillis)
}

// ParseTimestamp accepts both the second and millisecond forms.
func ParseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(timestampMillis, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(timestampSecs, s)
	if err != nil {
		return time.Time{}, trace.BadParameter("malformed timestamp %q", s)
	}
	return t, nil
}
