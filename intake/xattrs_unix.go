//go:build !windows

package intake

import (
	"bytes"
	"sort"

	"golang.org/x/sys/unix"
)

// xattrNames lists extended attribute names such as com.apple.quarantine or
// user.xdg.origin.url, which can reveal where a file came from.
func xattrNames(path string) ([]string, error) {
	size, err := unix.Listxattr(path, nil)
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, nil
	}
	buf := make([]byte, size)
	n, err := unix.Listxattr(path, buf)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, name := range bytes.Split(buf[:n], []byte{0}) {
		if len(name) > 0 {
			names = append(names, string(name))
		}
	}
	sort.Strings(names)
	return names, nil
}
