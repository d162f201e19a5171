// Package intake turns files on disk into batch inputs and applies the
// acceptance rules every batch is subject to.
package intake

import (
	"context"
	"io"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"shielded/logger"
	"shielded/model"
	"shielded/utils"

	"github.com/djherbis/times"
	"github.com/h2non/filetype"
)

type LoadOptions struct {
	Matcher       *utils.PatternMatcher
	ReadMode      string
	MmapMinSize   int64
	CollectXattrs bool
}

// LoadPaths expands files and directories into inputs, in walk order.
// Unreadable paths are logged and skipped.
func LoadPaths(ctx context.Context, paths []string, opts LoadOptions) ([]model.RawInput, error) {
	var inputs []model.RawInput
	for _, root := range paths {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if err != nil {
				logger.Warnf("Failed to access %s: %v", path, err)
				return nil
			}
			if d.IsDir() || !d.Type().IsRegular() {
				return nil
			}
			if opts.Matcher != nil && !opts.Matcher.ShouldInclude(path) {
				return nil
			}
			in, err := loadFile(path, opts)
			if err != nil {
				logger.Warnf("Failed to load %s: %v", path, err)
				return nil
			}
			inputs = append(inputs, in)
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return inputs, err
			}
			logger.Warnf("Error walking path %s: %v", root, err)
		}
	}
	return inputs, nil
}

func loadFile(path string, opts LoadOptions) (model.RawInput, error) {
	info, err := os.Stat(path)
	if err != nil {
		return model.RawInput{}, err
	}
	modTime := info.ModTime()
	if ts, err := times.Stat(path); err == nil {
		modTime = ts.ModTime()
	}
	in := model.RawInput{
		Name:         filepath.Base(path),
		MimeType:     DetectMimeType(path),
		SizeBytes:    info.Size(),
		LastModified: modTime.UnixMilli(),
		Path:         path,
		Source:       newFileSource(path, opts.ReadMode, opts.MmapMinSize),
	}
	if opts.CollectXattrs {
		if names, err := xattrNames(path); err == nil {
			in.ExtendedAttributes = names
		}
	}
	return in, nil
}

// DetectMimeType sniffs the file header and falls back to the extension.
func DetectMimeType(path string) string {
	var sniffed string
	if file, err := os.Open(path); err == nil {
		sniffed = SniffMimeType(file)
		file.Close()
	}
	return resolveMimeType(sniffed, "", path)
}

// DetectUploadMimeType picks the type of an uploaded file: sniffed content
// first, then the client's declared type, then the name's extension.
func DetectUploadMimeType(r io.Reader, name, declared string) string {
	return resolveMimeType(SniffMimeType(r), declared, name)
}

func resolveMimeType(sniffed, declared, name string) string {
	if sniffed != "" {
		return sniffed
	}
	declared = baseMimeType(declared)
	if declared != "" && declared != "application/octet-stream" {
		return declared
	}
	if byExt := baseMimeType(mime.TypeByExtension(strings.ToLower(filepath.Ext(name)))); byExt != "" {
		return byExt
	}
	return "application/octet-stream"
}

func baseMimeType(value string) string {
	base, _, _ := strings.Cut(value, ";")
	return strings.ToLower(strings.TrimSpace(base))
}

// SniffMimeType matches the first 261 bytes of r against known signatures.
// It returns "" when nothing matches.
func SniffMimeType(r io.Reader) string {
	if r == nil {
		return ""
	}
	buf := make([]byte, 261)
	n, err := io.ReadFull(r, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return ""
	}
	kind, err := filetype.Match(buf[:n])
	if err != nil || kind == filetype.Unknown || kind.MIME.Value == "" {
		return ""
	}
	return kind.MIME.Value
}
