package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// DefaultMaxAttempts is the usual upload attempt budget.
const DefaultMaxAttempts = 5

// UploadOptions configures one image upload.
type UploadOptions struct {
	// Path is the local image file.
	Path string
	// Container is the target storage container.
	Container string
	// BlobName names the target blob. Defaults to the file's base name.
	BlobName string
	// PageBlob selects the page transfer mode used for disk images.
	PageBlob bool
	// Expand decompresses an xz source on the fly during upload.
	Expand bool
	// MaxAttempts is the wholesale retry budget. Must be at least 1.
	MaxAttempts int
	// Concurrency is the parallel chunk hint passed to the blob client.
	Concurrency int
}

// Uploader moves local image files into blob storage, retrying a failed
// transfer wholesale from a freshly reopened source stream.
type Uploader struct {
	blobs  BlobAPI
	logger zerolog.Logger
}

// NewUploader creates an uploader on top of the given blob client.
func NewUploader(blobs BlobAPI, logger zerolog.Logger) *Uploader {
	return &Uploader{
		blobs:  blobs,
		logger: logger.With().Str("component", "uploader").Logger(),
	}
}

// Upload transfers the file and returns the blob name it was stored under.
func (u *Uploader) Upload(ctx context.Context, opts UploadOptions) (string, error) {
	maxAttempts := opts.MaxAttempts
	if maxAttempts < 1 {
		return "", fmt.Errorf("max attempts must be at least 1, got %d", maxAttempts)
	}

	blobName := opts.BlobName
	if blobName == "" {
		blobName = filepath.Base(opts.Path)
	}

	fileType, err := DetectFileType(opts.Path)
	if err != nil {
		return "", err
	}

	expand := opts.Expand && fileType.IsXZ()

	// The service needs the true payload length up front, which for an
	// expanded upload means measuring the decompressed stream.
	var length int64
	if expand {
		length, err = fileType.Size()
	} else {
		length, err = rawSize(opts.Path)
	}
	if err != nil {
		return "", err
	}

	blobType := BlockBlob
	if opts.PageBlob {
		blobType = PageBlob
	}

	u.logger.Info().
		Str("blob", blobName).
		Str("container", opts.Container).
		Str("blob_type", string(blobType)).
		Int64("payload_length", length).
		Bool("expand", expand).
		Msg("starting image upload")

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = u.attempt(ctx, opts, blobName, fileType, expand, length, blobType)
		if lastErr == nil {
			u.logger.Info().Str("blob", blobName).Int("attempt", attempt).Msg("image upload complete")
			return blobName, nil
		}
		if isFatal(lastErr) {
			return "", lastErr
		}
		u.logger.Warn().
			Str("blob", blobName).
			Int("attempt", attempt).
			Int("max_attempts", maxAttempts).
			Err(lastErr).
			Msg("upload attempt failed")
	}

	return "", &TransferError{BlobName: blobName, Attempts: maxAttempts, Err: lastErr}
}

// attempt runs one full open-and-upload sequence from the beginning of the
// source.
func (u *Uploader) attempt(ctx context.Context, opts UploadOptions, blobName string, fileType *FileType, expand bool, length int64, blobType BlobType) error {
	stream, closer, err := fileType.OpenStream(expand)
	if err != nil {
		return err
	}
	defer closer.Close()

	return u.blobs.Upload(ctx, opts.Container, blobName, stream, length, blobType, opts.Concurrency)
}

// isFatal reports errors that must not consume further attempts.
func isFatal(err error) bool {
	return errors.Is(err, ErrFileNotFound)
}

// rawSize returns the on-disk file size.
func rawSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat image file: %w", err)
	}
	return info.Size(), nil
}
