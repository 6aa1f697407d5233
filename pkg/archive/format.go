package archive

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/clearsign"
	"github.com/blakesmith/ar"
)

type Format int

const (
	FormatUnknown Format = iota
	FormatBzip2
	FormatGzip
	FormatXz
	FormatZip
	FormatPGP
	FormatDeb
	// FormatBugReport is any printable text, which includes bug reports and
	// uncompressed index files.
	FormatBugReport
)

func (f Format) String() string {
	switch f {
	case FormatBzip2:
		return "bzip2"
	case FormatGzip:
		return "gzip"
	case FormatXz:
		return "xz"
	case FormatZip:
		return "zip"
	case FormatPGP:
		return "pgp"
	case FormatDeb:
		return "deb"
	case FormatBugReport:
		return "bug-report-text"
	default:
		return "unknown"
	}
}

type UnknownFormatError struct {
	Path string
}

func (e *UnknownFormatError) Error() string {
	return fmt.Sprintf("cannot determine format of %s", e.Path)
}

const sniffLen = 512

var (
	magicBzip2 = []byte("BZh")
	magicGzip  = []byte{0x1f, 0x8b}
	magicXz    = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
	magicZip   = [][]byte{[]byte("PK\x03\x04"), []byte("PK\x05\x06")}
	magicAr    = []byte("!<arch>\n")
	pgpArmor   = []byte("-----BEGIN PGP ")
	pgpSigned  = []byte("-----BEGIN PGP SIGNED MESSAGE-----")
)

// ProbeFormat classifies the file at path by its content.
func ProbeFormat(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return FormatUnknown, err
	}
	defer f.Close()

	format, err := Probe(f)
	if err != nil {
		return FormatUnknown, err
	}
	if format == FormatUnknown {
		return FormatUnknown, &UnknownFormatError{Path: path}
	}
	return format, nil
}

// Probe classifies r by its leading bytes. PGP and deb candidates are
// parsed further, so r must be positioned at the start of the content.
func Probe(r io.ReadSeeker) (Format, error) {
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return FormatUnknown, err
	}
	head = head[:n]

	switch {
	case n == 0:
		return FormatUnknown, nil
	case bytes.HasPrefix(head, magicBzip2):
		return FormatBzip2, nil
	case bytes.HasPrefix(head, magicGzip):
		return FormatGzip, nil
	case bytes.HasPrefix(head, magicXz):
		return FormatXz, nil
	case bytes.HasPrefix(head, magicZip[0]), bytes.HasPrefix(head, magicZip[1]):
		return FormatZip, nil
	case bytes.HasPrefix(head, magicAr):
		if _, err := r.Seek(0, io.SeekStart); err != nil {
			return FormatUnknown, err
		}
		if isDeb(r) {
			return FormatDeb, nil
		}
		return FormatUnknown, nil
	case bytes.HasPrefix(head, pgpArmor):
		if _, err := r.Seek(0, io.SeekStart); err != nil {
			return FormatUnknown, err
		}
		if isPGP(r, bytes.HasPrefix(head, pgpSigned)) {
			return FormatPGP, nil
		}
		return FormatBugReport, nil
	case printable(head):
		return FormatBugReport, nil
	default:
		return FormatUnknown, nil
	}
}

func isDeb(r io.Reader) bool {
	hdr, err := ar.NewReader(r).Next()
	if err != nil {
		return false
	}
	return strings.TrimSuffix(hdr.Name, "/") == "debian-binary"
}

func isPGP(r io.Reader, signed bool) bool {
	if signed {
		b, err := io.ReadAll(r)
		if err != nil {
			return false
		}
		block, _ := clearsign.Decode(b)
		return block != nil
	}
	_, err := armor.Decode(r)
	return err == nil
}

func printable(b []byte) bool {
	for _, c := range b {
		switch {
		case c == '\t', c == '\n', c == '\r', c == '\f':
		case c < 0x20, c == 0x7f:
			return false
		}
	}
	return true
}
