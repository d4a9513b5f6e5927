package storage

import (
	"errors"
	"fmt"
)

// ErrFileNotFound marks a missing source file. It is never retried.
var ErrFileNotFound = errors.New("source file not found")

// ErrBlobNotFound marks a delete against a blob that does not exist.
var ErrBlobNotFound = errors.New("blob not found")

// TransferError wraps the last failure after every upload attempt was
// exhausted.
type TransferError struct {
	BlobName string
	Attempts int
	Err      error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("upload of %s failed after %d attempts: %v", e.BlobName, e.Attempts, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }
