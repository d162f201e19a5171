package intake

import (
	"io"
	"os"
	"strings"

	"golang.org/x/exp/mmap"
)

const (
	ReadModeAuto   = "auto"
	ReadModeStream = "stream"
	ReadModeMmap   = "mmap"

	defaultMmapMinSize = 128 * 1024
)

var openMmapReader = mmap.Open

// fileSource reads an input from disk each time it is opened.
type fileSource struct {
	path        string
	mode        string
	mmapMinSize int64
}

func newFileSource(path, mode string, mmapMinSize int64) fileSource {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" {
		mode = ReadModeAuto
	}
	if mmapMinSize <= 0 {
		mmapMinSize = defaultMmapMinSize
	}
	return fileSource{path: path, mode: mode, mmapMinSize: mmapMinSize}
}

func (s fileSource) Open() (io.ReadCloser, error) {
	switch s.mode {
	case ReadModeMmap:
		return s.openMmap()
	case ReadModeAuto:
		info, err := os.Stat(s.path)
		if err != nil {
			return nil, err
		}
		if info.Size() >= s.mmapMinSize {
			if rc, err := s.openMmap(); err == nil {
				return rc, nil
			}
		}
		return os.Open(s.path)
	default:
		return os.Open(s.path)
	}
}

type mmapReadCloser struct {
	*io.SectionReader
	r *mmap.ReaderAt
}

func (m mmapReadCloser) Close() error {
	return m.r.Close()
}

func (s fileSource) openMmap() (io.ReadCloser, error) {
	r, err := openMmapReader(s.path)
	if err != nil {
		return nil, err
	}
	return mmapReadCloser{SectionReader: io.NewSectionReader(r, 0, int64(r.Len())), r: r}, nil
}
