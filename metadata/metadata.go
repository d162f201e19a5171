package metadata

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"shielded/model"

	"github.com/rwcarlsen/goexif/exif"
)

// Inspection is what the original bytes reveal before sanitization.
type Inspection struct {
	Make      string         `json:"make,omitempty"`
	Model     string         `json:"model,omitempty"`
	DateTime  time.Time      `json:"datetime,omitempty"`
	HasGPS    bool           `json:"has_gps"`
	Latitude  float64        `json:"latitude,omitempty"`
	Longitude float64        `json:"longitude,omitempty"`
	Segments  map[string]int `json:"segments,omitempty"`
}

// Device joins make and model, dropping a make already repeated in the model.
func (i Inspection) Device() string {
	mk := strings.TrimSpace(i.Make)
	mdl := strings.TrimSpace(i.Model)
	switch {
	case mk == "":
		return mdl
	case mdl == "":
		return mk
	case strings.HasPrefix(strings.ToLower(mdl), strings.ToLower(mk)):
		return mdl
	default:
		return mk + " " + mdl
	}
}

// Location renders GPS coordinates, or "" when the file carries none.
func (i Inspection) Location() string {
	if !i.HasGPS || (i.Latitude == 0 && i.Longitude == 0) {
		return ""
	}
	return fmt.Sprintf("%.5f, %.5f", i.Latitude, i.Longitude)
}

// SegmentNames lists the metadata markers found, sorted.
func (i Inspection) SegmentNames() []string {
	names := make([]string, 0, len(i.Segments))
	for name := range i.Segments {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Inspect reads capture metadata from an original file. maxBytes bounds the
// EXIF decoder; 0 means unlimited. It never fails: unreadable metadata
// yields an empty Inspection.
func Inspect(data []byte, mimeType string, maxBytes int64) Inspection {
	result := Inspection{Segments: ScanSegments(data)}

	switch model.CategoryOf(mimeType) {
	case model.CategoryImage:
		extractImageMetadata(data, maxBytes, &result)
	case model.CategoryVideo:
		if result.Segments["quicktime_location"] > 0 {
			result.HasGPS = true
		}
	}
	return result
}

// extractImageMetadata extracts a subset of EXIF tags from images.
func extractImageMetadata(data []byte, maxBytes int64, result *Inspection) {
	var reader io.Reader = bytes.NewReader(data)
	if maxBytes > 0 {
		reader = io.LimitReader(reader, maxBytes)
	}
	x, err := exif.Decode(reader)
	if err != nil {
		return
	}

	if tm, err := x.DateTime(); err == nil {
		result.DateTime = tm.UTC()
	}
	if makeTag, err := x.Get(exif.Make); err == nil {
		if v, err := makeTag.StringVal(); err == nil {
			result.Make = strings.TrimSpace(v)
		}
	}
	if modelTag, err := x.Get(exif.Model); err == nil {
		if v, err := modelTag.StringVal(); err == nil {
			result.Model = strings.TrimSpace(v)
		}
	}
	if lat, long, err := x.LatLong(); err == nil {
		result.HasGPS = true
		result.Latitude = lat
		result.Longitude = long
	} else if _, err := x.Get(exif.GPSInfoIFDPointer); err == nil {
		result.HasGPS = true
	}
}
