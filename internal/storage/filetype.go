package storage

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/ulikunitz/xz"
)

// xzMagic is the header of an xz stream.
var xzMagic = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}

// FileType classifies a local image file by its magic bytes, not its name.
type FileType struct {
	path string
	xz   bool
}

// DetectFileType inspects the file header to classify it.
func DetectFileType(path string) (*FileType, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return nil, fmt.Errorf("open image file: %w", err)
	}
	defer f.Close()

	header := make([]byte, len(xzMagic))
	n, err := io.ReadFull(f, header)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, fmt.Errorf("read file header: %w", err)
	}

	return &FileType{
		path: path,
		xz:   bytes.Equal(header[:n], xzMagic),
	}, nil
}

// IsXZ reports whether the file is an xz compressed stream.
func (t *FileType) IsXZ() bool { return t.xz }

// Size returns the payload size the storage service must be told up front.
// For an xz file this is the decompressed size, measured by streaming the
// whole file through the decompressor; the container header is not trusted.
func (t *FileType) Size() (int64, error) {
	if !t.xz {
		info, err := os.Stat(t.path)
		if err != nil {
			return 0, fmt.Errorf("stat image file: %w", err)
		}
		return info.Size(), nil
	}

	f, err := os.Open(t.path)
	if err != nil {
		return 0, fmt.Errorf("open image file: %w", err)
	}
	defer f.Close()

	reader, err := xz.NewReader(f)
	if err != nil {
		return 0, fmt.Errorf("open xz stream: %w", err)
	}

	size, err := io.Copy(io.Discard, reader)
	if err != nil {
		return 0, fmt.Errorf("measure decompressed size: %w", err)
	}
	return size, nil
}

// OpenStream opens the file as a sequential byte stream. With expand set and
// an xz source, the stream decompresses transparently. The caller closes the
// returned closer, which always refers to the underlying file.
func (t *FileType) OpenStream(expand bool) (io.Reader, io.Closer, error) {
	f, err := os.Open(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("%w: %s", ErrFileNotFound, t.path)
		}
		return nil, nil, fmt.Errorf("open image file: %w", err)
	}

	if t.xz && expand {
		reader, err := xz.NewReader(f)
		if err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("open xz stream: %w", err)
		}
		return reader, f, nil
	}

	return f, f, nil
}
