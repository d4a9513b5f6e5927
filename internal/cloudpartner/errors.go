package cloudpartner

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrOfferNotFound marks an offer identifier that resolves to nothing.
var ErrOfferNotFound = errors.New("offer not found")

// NoMatchError reports a semantic mismatch inside a fetched offer document.
// It is never retried.
type NoMatchError struct {
	Kind  string // "sku" or "version"
	Value string
}

func (e *NoMatchError) Error() string {
	return fmt.Sprintf("no match found for %s %q, offer doc not updated", e.Kind, e.Value)
}

// NoMatchForSKU reports a SKU identifier absent from the document.
func NoMatchForSKU(sku string) *NoMatchError {
	return &NoMatchError{Kind: "sku", Value: sku}
}

// NoMatchForVersion reports a version number absent from the document.
func NoMatchForVersion(version string) *NoMatchError {
	return &NoMatchError{Kind: "version", Value: version}
}

// PublicationError reports a configure job that reached a terminal failed
// state, carrying the provider-reported messages.
type PublicationError struct {
	JobID    string
	Messages []string
}

func (e *PublicationError) Error() string {
	return fmt.Sprintf("publication job %s failed: %s", e.JobID, strings.Join(e.Messages, "; "))
}

// TimeoutError reports polling that exceeded its budget without the job
// reaching a terminal state. The outcome is unknown, not failed; callers
// should re-check the job rather than assume failure.
type TimeoutError struct {
	JobID      string
	LastStatus JobStatus
	Waited     time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("job %s still %s after waiting %s", e.JobID, e.LastStatus, e.Waited)
}
