package utils

import (
	"path/filepath"
	"testing"
)

func TestIsPathWithin(t *testing.T) {
	root := t.TempDir()
	child := filepath.Join(root, "a", "b.jpg")
	outside := filepath.Join(filepath.Dir(root), "outside.jpg")

	if !IsPathWithin(child, []string{root}) {
		t.Fatalf("expected %s to be within %s", child, root)
	}
	if IsPathWithin(outside, []string{root}) {
		t.Fatalf("did not expect %s to be within %s", outside, root)
	}
}

func TestJoinWithin(t *testing.T) {
	dir := t.TempDir()
	path, err := JoinWithin(dir, "shielded_photo.jpg")
	if err != nil {
		t.Fatalf("JoinWithin: %v", err)
	}
	if filepath.Dir(path) != dir {
		t.Fatalf("unexpected path %s", path)
	}
	for _, name := range []string{"", "..", "../escape.jpg", "."} {
		if _, err := JoinWithin(dir, name); err == nil {
			t.Errorf("expected %q to be refused", name)
		}
	}
}
