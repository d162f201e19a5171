package hasher

import (
	"bytes"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"strings"
	"sync"

	"shielded/logger"

	"github.com/cespare/xxhash/v2"
	"lukechampine.com/blake3"
)

const hashBufferSize = 64 * 1024

var hashBufferPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, hashBufferSize)
		return &buf
	},
}

// Supported lists the algorithm names ComputeHashes understands.
var Supported = []string{"md5", "sha1", "sha256", "blake3", "xxh64"}

func newHash(algo string) hash.Hash {
	switch algo {
	case "md5":
		return md5.New()
	case "sha1":
		return sha1.New()
	case "sha256":
		return sha256.New()
	case "blake3":
		return blake3.New(32, nil)
	case "xxh64":
		return xxhash.New()
	default:
		return nil
	}
}

// ComputeHashes streams r once through every requested algorithm. Unknown
// or duplicate names are skipped.
func ComputeHashes(r io.Reader, algorithms []string) map[string]string {
	hashes := make(map[string]string, len(algorithms))

	type hasherEntry struct {
		name string
		h    hash.Hash
	}
	hashers := make([]hasherEntry, 0, len(algorithms))
	seen := make(map[string]struct{}, len(algorithms))
	for _, algo := range algorithms {
		algo = strings.ToLower(strings.TrimSpace(algo))
		if _, ok := seen[algo]; ok {
			continue
		}
		h := newHash(algo)
		if h == nil {
			logger.Warnf("Unsupported hash algorithm: %s", algo)
			continue
		}
		seen[algo] = struct{}{}
		hashers = append(hashers, hasherEntry{name: algo, h: h})
	}
	if len(hashers) == 0 || r == nil {
		return hashes
	}

	bufferPtr := hashBufferPool.Get().(*[]byte)
	defer hashBufferPool.Put(bufferPtr)
	buffer := *bufferPtr
	for {
		n, readErr := r.Read(buffer)
		if n > 0 {
			chunk := buffer[:n]
			for i := range hashers {
				_, _ = hashers[i].h.Write(chunk)
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				logger.Warnf("Failed to compute hashes: %v", readErr)
				return map[string]string{}
			}
			break
		}
	}

	for i := range hashers {
		hashes[hashers[i].name] = hex.EncodeToString(hashers[i].h.Sum(nil))
	}
	return hashes
}

// HashBytes is ComputeHashes over an in-memory buffer.
func HashBytes(data []byte, algorithms []string) map[string]string {
	return ComputeHashes(bytes.NewReader(data), algorithms)
}
