package engine

import (
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
	"github.com/zeebo/blake3"
)

// HashAlgorithm selects the checksum used to verify a copy.
type HashAlgorithm string

const (
	HashBLAKE3 HashAlgorithm = "blake3"
	HashXXH64  HashAlgorithm = "xxhash"
)

// ParseHashAlgorithm validates a user-supplied algorithm name. Empty selects BLAKE3.
func ParseHashAlgorithm(s string) (HashAlgorithm, error) {
	switch HashAlgorithm(s) {
	case "", HashBLAKE3:
		return HashBLAKE3, nil
	case HashXXH64:
		return HashXXH64, nil
	default:
		return "", fmt.Errorf("unknown hash algorithm %q (want blake3 or xxhash)", s)
	}
}

func (a HashAlgorithm) newHash() hash.Hash {
	if a == HashXXH64 {
		return xxhash.New()
	}
	return blake3.New()
}

// HashFile computes the checksum of the file at path, returning the hex-encoded digest.
func HashFile(path string, alg HashAlgorithm) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	digest, err := HashReader(f, alg)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return digest, nil
}

// HashReader computes the checksum of everything r yields.
func HashReader(r io.Reader, alg HashAlgorithm) (string, error) {
	h := alg.newHash()
	buf := make([]byte, 32*1024)
	if _, err := io.CopyBuffer(h, r, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
