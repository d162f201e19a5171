package metadata

import (
	"bytes"

	"github.com/cloudflare/ahocorasick"
)

// segmentMarkers maps byte signatures of embedded metadata blocks to the
// segment name reported for them.
var segmentMarkers = []struct {
	name   string
	marker string
}{
	{"exif", "Exif\x00\x00"},
	{"exif", "eXIf"},
	{"xmp", "http://ns.adobe.com/xap/1.0/"},
	{"xmp", "<x:xmpmeta"},
	{"iptc", "Photoshop 3.0\x00"},
	{"icc", "ICC_PROFILE\x00"},
	{"png_text", "tEXt"},
	{"png_text", "iTXt"},
	{"png_text", "zTXt"},
	{"quicktime_location", "\xa9xyz"},
	{"quicktime_device", "\xa9mak"},
	{"quicktime_device", "\xa9mod"},
}

const (
	autoAhoMinTerms        = 8
	autoAhoMinContentBytes = 4 * 1024
)

type segmentCounter struct {
	names   []string
	markers [][]byte
	matcher *ahocorasick.Matcher
}

var defaultCounter = newSegmentCounter()

func newSegmentCounter() segmentCounter {
	names := make([]string, len(segmentMarkers))
	markers := make([][]byte, len(segmentMarkers))
	dict := make([]string, len(segmentMarkers))
	for i, m := range segmentMarkers {
		names[i] = m.name
		markers[i] = []byte(m.marker)
		dict[i] = m.marker
	}
	return segmentCounter{
		names:   names,
		markers: markers,
		matcher: ahocorasick.NewStringMatcher(dict),
	}
}

func (c segmentCounter) count(content []byte) map[string]int {
	if len(c.markers) < autoAhoMinTerms || len(content) < autoAhoMinContentBytes {
		return c.countNaive(content, nil)
	}
	matches := c.matcher.MatchThreadSafe(content)
	if len(matches) == 0 {
		return map[string]int{}
	}
	candidates := make([]bool, len(c.markers))
	for _, idx := range matches {
		if idx >= 0 && idx < len(candidates) {
			candidates[idx] = true
		}
	}
	return c.countNaive(content, candidates)
}

func (c segmentCounter) countNaive(content []byte, candidates []bool) map[string]int {
	hits := make(map[string]int, 4)
	for i, marker := range c.markers {
		if candidates != nil && !candidates[i] {
			continue
		}
		if n := bytes.Count(content, marker); n > 0 {
			hits[c.names[i]] += n
		}
	}
	return hits
}

// ScanSegments counts embedded metadata markers in a byte stream. An empty
// result on a sanitized output is the evidence that nothing was carried over.
func ScanSegments(content []byte) map[string]int {
	return defaultCounter.count(content)
}
