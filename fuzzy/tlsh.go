package fuzzy

import (
	"bytes"

	"github.com/glaslos/tlsh"
)

type TLSHHasher struct{}

func (h TLSHHasher) Name() string {
	return "tlsh"
}

// TLSH needs at least 50 bytes with some variance.
func (h TLSHHasher) MinSize() int {
	return 50
}

func (h TLSHHasher) HashBytes(data []byte) (string, error) {
	hash, err := tlsh.HashReader(bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	return hash.String(), nil
}

func init() {
	Register(TLSHHasher{})
}
