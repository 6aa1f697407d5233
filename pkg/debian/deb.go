package debian

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/blakesmith/ar"
	"github.com/klauspost/compress/gzip"
	"github.com/ulikunitz/xz"
)

var ErrNoControl = errors.New("no control file in package")

// ReadControl returns the control paragraph of a .deb read from in.
func ReadControl(in io.Reader) (Paragraph, error) {
	reader := ar.NewReader(in)
	for {
		hdr, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil, ErrNoControl
		} else if err != nil {
			return nil, fmt.Errorf("reading package: %w", err)
		}

		var tarIn io.Reader
		switch strings.TrimSuffix(hdr.Name, "/") {
		case "control.tar":
			tarIn = reader
		case "control.tar.gz":
			gzIn, err := gzip.NewReader(reader)
			if err != nil {
				return nil, fmt.Errorf("reading control.tar.gz: %w", err)
			}
			defer gzIn.Close()
			tarIn = gzIn
		case "control.tar.xz":
			if tarIn, err = xz.NewReader(reader); err != nil {
				return nil, fmt.Errorf("reading control.tar.xz: %w", err)
			}
		default:
			continue
		}
		return controlFromTar(tarIn)
	}
}

func controlFromTar(in io.Reader) (Paragraph, error) {
	tr := tar.NewReader(in)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil, ErrNoControl
		} else if err != nil {
			return nil, fmt.Errorf("reading control archive: %w", err)
		}
		if strings.TrimPrefix(hdr.Name, "./") != "control" {
			continue
		}

		graphs, err := ParseControlFile(tr)
		if err != nil {
			return nil, fmt.Errorf("parsing control file: %w", err)
		}
		if len(graphs) != 1 {
			return nil, fmt.Errorf("control file has %d paragraphs", len(graphs))
		}
		return graphs[0], nil
	}
}

// ReadControlFile opens the .deb at fn and returns its control paragraph.
func ReadControlFile(fn string) (Paragraph, error) {
	f, err := os.Open(fn)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return ReadControl(f)
}
