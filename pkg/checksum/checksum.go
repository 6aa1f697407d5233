package checksum

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"

	"github.com/cryptolog/apt-offline/pkg/record"
)

var ErrUnsupportedAlgorithm = errors.New("unsupported checksum algorithm")

// Verifier decides whether a file on disk matches a record's checksum.
type Verifier interface {
	Verify(path string, sum record.Checksum) (bool, error)
}

// Files verifies checksums by hashing the file contents.
type Files struct{}

var _ Verifier = Files{}

func (Files) Verify(path string, sum record.Checksum) (bool, error) {
	return VerifyFile(path, sum)
}

// Skip trusts every file. It backs the insecure mode.
type Skip struct{}

var _ Verifier = Skip{}

func (Skip) Verify(string, record.Checksum) (bool, error) {
	return true, nil
}

func newHash(algo string) (hash.Hash, error) {
	switch algo {
	case "md5":
		return md5.New(), nil
	case "sha1":
		return sha1.New(), nil
	case "sha256":
		return sha256.New(), nil
	case "sha512":
		return sha512.New(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, algo)
	}
}

// Digest returns the lowercase hex digest of everything read from in.
func Digest(in io.Reader, algo string) (string, error) {
	h, err := newHash(algo)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, in); err != nil {
		return "", fmt.Errorf("hashing: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// FileDigest hashes the file at fn.
func FileDigest(fn, algo string) (string, error) {
	f, err := os.Open(fn)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return Digest(f, algo)
}

// VerifyFile reports whether the file at fn matches sum.
func VerifyFile(fn string, sum record.Checksum) (bool, error) {
	got, err := FileDigest(fn, sum.Algorithm)
	if err != nil {
		return false, err
	}
	return got == sum.Digest, nil
}
