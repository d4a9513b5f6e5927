package compute

import (
	"errors"
	"fmt"
	"time"
)

// ErrImageNotFound marks a compute image or gallery image version that does
// not exist in the resource group.
var ErrImageNotFound = errors.New("image not found")

// ProvisioningError reports a resource whose provisioning reached a terminal
// failed state.
type ProvisioningError struct {
	Resource string
	State    string
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provisioning of %s ended in state %s", e.Resource, e.State)
}

// TimeoutError reports provisioning polling that exceeded its budget without
// the resource reaching a terminal state. The outcome is unknown, not failed.
type TimeoutError struct {
	Resource  string
	LastState string
	Waited    time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s still %s after waiting %s", e.Resource, e.LastState, e.Waited)
}
