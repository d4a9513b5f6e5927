package compute

import (
	"context"
	"time"
)

// Terminal provisioning states reported by ARM.
const (
	provisioningSucceeded = "Succeeded"
	provisioningFailed    = "Failed"
	provisioningCanceled  = "Canceled"
)

// waitForProvisioning polls the resource's provisioning state on a doubling
// delay schedule until it is terminal or the timeout budget is spent. A
// non-terminal state at budget exhaustion is a TimeoutError, not a failure.
func (c *Client) waitForProvisioning(ctx context.Context, resource string, timeout time.Duration, fetch func(context.Context) (string, error)) error {
	start := c.now()
	delay := c.backoff

	for {
		state, err := fetch(ctx)
		if err != nil {
			return err
		}

		switch state {
		case provisioningSucceeded:
			c.logger.Info().Str("resource", resource).Msg("provisioning succeeded")
			return nil
		case provisioningFailed, provisioningCanceled:
			return &ProvisioningError{Resource: resource, State: state}
		}

		remaining := timeout - c.now().Sub(start)
		if remaining <= 0 {
			return &TimeoutError{Resource: resource, LastState: state, Waited: timeout}
		}

		sleep := delay
		if sleep > remaining {
			sleep = remaining
		}
		c.logger.Debug().
			Str("resource", resource).
			Str("state", state).
			Dur("sleep", sleep).
			Msg("provisioning not terminal, waiting")
		c.sleep(sleep)
		delay *= 2
	}
}

// waitForGone polls an existence check after an asynchronous delete until the
// resource disappears or the timeout budget is spent.
func (c *Client) waitForGone(ctx context.Context, resource string, timeout time.Duration, exists func(context.Context) (bool, error)) error {
	start := c.now()
	delay := c.backoff

	for {
		found, err := exists(ctx)
		if err != nil {
			return err
		}
		if !found {
			c.logger.Info().Str("resource", resource).Msg("resource deleted")
			return nil
		}

		remaining := timeout - c.now().Sub(start)
		if remaining <= 0 {
			return &TimeoutError{Resource: resource, LastState: "present", Waited: timeout}
		}

		sleep := delay
		if sleep > remaining {
			sleep = remaining
		}
		c.sleep(sleep)
		delay *= 2
	}
}
