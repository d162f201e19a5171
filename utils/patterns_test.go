package utils

import "testing"

func TestShouldInclude(t *testing.T) {
	matcher := NewPatternMatcher(nil, nil)
	if !matcher.ShouldInclude("clip.mov") {
		t.Fatal("expected include by default")
	}
	matcher = NewPatternMatcher([]string{"*.jpg"}, nil)
	if matcher.ShouldInclude("notes.txt") {
		t.Fatal("should not include unmatched include pattern")
	}
	if !matcher.ShouldInclude("photo.jpg") {
		t.Fatal("should include matching include pattern")
	}
	if !matcher.ShouldInclude("/dcim/IMG_0001.JPG") {
		t.Fatal("glob match should ignore case")
	}
	matcher = NewPatternMatcher(nil, []string{"shielded_*"})
	if matcher.ShouldInclude("out/shielded_photo.jpg") {
		t.Fatal("should exclude matching exclude pattern")
	}
	if !matcher.ShouldInclude("photo.jpg") {
		t.Fatal("should include when exclude does not match")
	}
	matcher = NewPatternMatcher([]string{`.*/dcim/.*\.heic$`}, nil)
	if !matcher.ShouldInclude("/media/dcim/a.heic") {
		t.Fatal("should match regex include pattern")
	}
}
