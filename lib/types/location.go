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

package types

import (
	"fmt"

	"github.com/gravitational/trace"
)

// LocationSource identifies how a position fix was obtained.
type LocationSource int

const (
	// SourceUnknown is the zero source; the fixType wire field is
	// omitted for it.
	SourceUnknown LocationSource = iota
	// SourceFixed is a manually entered, non-moving position.
	SourceFixed
	// SourceGPS is a satellite fix.
	SourceGPS
	// SourceWiFi is a position derived from WiFi survey.
	SourceWiFi
	// SourceM2MLocate is a position from the carrier locate service.
	SourceM2MLocate
)

// WireName returns the fixType string the cloud expects.
func (s LocationSource) WireName() string {
	switch s {
	case SourceFixed:
		return "manual"
	case SourceGPS:
		return "gps"
	case SourceWiFi:
		return "wifi"
	case SourceM2MLocate:
		return "m2m-locate"
	}
	return ""
}

// LocationFlag marks which optional fields of a Location are set.
// Unset fields are never emitted on the wire.
type LocationFlag uint32

const (
	// FlagAccuracy marks the horizontal accuracy field.
	FlagAccuracy LocationFlag = 1 << iota
	// FlagAltitude marks the altitude field.
	FlagAltitude
	// FlagAltitudeAccuracy marks the altitude accuracy field.
	FlagAltitudeAccuracy
	// FlagHeading marks the heading field.
	FlagHeading
	// FlagSpeed marks the speed field.
	FlagSpeed
	// FlagSource marks the fix source field.
	FlagSource
	// FlagTag marks the free-form tag field.
	FlagTag
)

// Location is a geodetic sample. Latitude and longitude are always
// present; the Flags bitmask records which optional fields carry data.
type Location struct {
	// Latitude in degrees, -90..90.
	Latitude float64
	// Longitude in degrees, -180..180.
	Longitude float64
	// Accuracy is the horizontal fix accuracy in meters.
	Accuracy float64
	// Altitude in meters.
	Altitude float64
	// AltitudeAccuracy is the vertical fix accuracy in meters.
	AltitudeAccuracy float64
	// Heading in degrees, 0..360.
	Heading float64
	// Speed in meters per second.
	Speed float64
	// Source is how the fix was obtained.
	Source LocationSource
	// Tag is a short free-form label (street address in the original
	// protocol).
	Tag string
	// Flags records which optional fields are set.
	Flags LocationFlag
}

// Check validates the sample ranges.
func (l *Location) Check() error {
	if l.Latitude < -90 || l.Latitude > 90 {
		return trace.BadParameter("latitude %g out of range", l.Latitude)
	}
	if l.Longitude < -180 || l.Longitude > 180 {
		return trace.BadParameter("longitude %g out of range", l.Longitude)
	}
	if l.Flags&FlagHeading != 0 && (l.Heading < 0 || l.Heading > 360) {
		return trace.BadParameter("heading %g out of range", l.Heading)
	}
	return nil
}

// Has reports whether the optional field marked by flag is set.
func (l *Location) Has(flag LocationFlag) bool {
	return l.Flags&flag != 0
}

// SetAccuracy sets the horizontal accuracy and marks it present.
func (l *Location) SetAccuracy(m float64) {
	l.Accuracy = m
	l.Flags |= FlagAccuracy
}

// SetAltitude sets the altitude and marks it present.
func (l *Location) SetAltitude(m float64) {
	l.Altitude = m
	l.Flags |= FlagAltitude
}

// SetAltitudeAccuracy sets the vertical accuracy and marks it present.
func (l *Location) SetAltitudeAccuracy(m float64) {
	l.AltitudeAccuracy = m
	l.Flags |= FlagAltitudeAccuracy
}

// SetHeading sets the heading and marks it present.
func (l *Location) SetHeading(deg float64) {
	l.Heading = deg
	l.Flags |= FlagHeading
}

// SetSpeed sets the speed and marks it present.
func (l *Location) SetSpeed(ms float64) {
	l.Speed = ms
	l.Flags |= FlagSpeed
}

// SetSource sets the fix source and marks it present.
func (l *Location) SetSource(s LocationSource) {
	l.Source = s
	l.Flags |= FlagSource
}

// SetTag sets the free-form tag and marks it present.
func (l *Location) SetTag(tag string) {
	l.Tag = tag
	l.Flags |= FlagTag
}

// String renders the sample for logs.
func (l Location) String() string {
	return fmt.Sprintf("location(%g,%g)", l.Latitude, l.Longitude)
}
