package cloudpartner

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// JobStatus is the processing state of a configure job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobUnknown   JobStatus = "unknown"
)

// JobResult is the outcome of a completed job.
type JobResult string

const (
	ResultSucceeded JobResult = "succeeded"
	ResultFailed    JobResult = "failed"
)

// Job is the polled state of one submitted configuration change.
type Job struct {
	ID     string
	Status JobStatus
	Result JobResult
	Errors []string
}

// terminal reports whether polling can stop.
func (j *Job) terminal() bool {
	return j.Status == JobCompleted || j.Status == JobUnknown
}

// parseJobStatus maps wire statuses onto the job state enum.
func parseJobStatus(status string) JobStatus {
	switch status {
	case "notStarted", "pending":
		return JobPending
	case "running":
		return JobRunning
	case "completed":
		return JobCompleted
	default:
		return JobUnknown
	}
}

// Orchestrator submits offer mutations as asynchronous configure jobs and
// polls them to completion with bounded, backing-off waits.
type Orchestrator struct {
	client  *Client
	logger  zerolog.Logger
	sleep   func(time.Duration)
	now     func() time.Time
	backoff time.Duration
}

// NewOrchestrator creates an orchestrator on top of the ingestion client.
func NewOrchestrator(client *Client, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		client:  client,
		logger:  logger.With().Str("component", "orchestrator").Logger(),
		sleep:   time.Sleep,
		now:     time.Now,
		backoff: 1 * time.Second,
	}
}

// Submit posts the changed resources and returns the opaque job identifier
// to poll.
func (o *Orchestrator) Submit(ctx context.Context, resources []any) (string, error) {
	jobID, err := o.client.Configure(ctx, resources)
	if err != nil {
		return "", err
	}
	o.logger.Info().Str("job_id", jobID).Msg("configuration change submitted")
	return jobID, nil
}

// WaitFor polls the job on a doubling delay schedule until it reaches a
// terminal state or the timeout budget is spent. A non-terminal job at
// budget exhaustion is a TimeoutError, not a failure.
func (o *Orchestrator) WaitFor(ctx context.Context, jobID string, timeout time.Duration) (*Job, error) {
	start := o.now()
	delay := o.backoff

	for {
		job, err := o.client.QueryJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if job.terminal() {
			o.logger.Info().
				Str("job_id", jobID).
				Str("status", string(job.Status)).
				Str("result", string(job.Result)).
				Msg("job reached terminal state")
			return job, nil
		}

		remaining := timeout - o.now().Sub(start)
		if remaining <= 0 {
			return nil, &TimeoutError{JobID: jobID, LastStatus: job.Status, Waited: timeout}
		}

		sleep := delay
		if sleep > remaining {
			sleep = remaining
		}
		o.logger.Debug().
			Str("job_id", jobID).
			Str("status", string(job.Status)).
			Dur("sleep", sleep).
			Msg("job not terminal, waiting")
		o.sleep(sleep)
		delay *= 2
	}
}

// SubmitAndWait submits the resources and waits for the job to finish,
// surfacing provider-reported errors when the job fails.
func (o *Orchestrator) SubmitAndWait(ctx context.Context, resources []any, timeout time.Duration) (string, error) {
	jobID, err := o.Submit(ctx, resources)
	if err != nil {
		return "", err
	}

	job, err := o.WaitFor(ctx, jobID, timeout)
	if err != nil {
		return "", err
	}

	if job.Result == ResultFailed {
		messages := job.Errors
		if len(messages) == 0 {
			messages = []string{"no error details reported"}
		}
		return "", &PublicationError{JobID: jobID, Messages: messages}
	}

	return jobID, nil
}

// PublishDocument submits the mutated technical configurations of the
// document and waits for the job.
func (o *Orchestrator) PublishDocument(ctx context.Context, doc *Document, timeout time.Duration) (string, error) {
	resources := make([]any, 0, len(doc.TechConfigs))
	for i := range doc.TechConfigs {
		resources = append(resources, doc.TechConfigs[i])
	}
	return o.SubmitAndWait(ctx, resources, timeout)
}

// Publish pushes the offer's draft configuration to the preview stage.
func (o *Orchestrator) Publish(ctx context.Context, productID string, timeout time.Duration) (string, error) {
	resource := submissionResource(productID, TargetPreview, "")
	return o.SubmitAndWait(ctx, []any{resource}, timeout)
}

// GoLive promotes the offer's current preview submission to live. The
// preview submission id is looked up first so the live-target record can
// reference it.
func (o *Orchestrator) GoLive(ctx context.Context, productID string, timeout time.Duration) (string, error) {
	submissions, err := o.client.Submissions(ctx, productID)
	if err != nil {
		return "", err
	}

	var previewID string
	for _, submission := range submissions {
		if submission.Target == TargetPreview {
			previewID = submission.ID
		}
	}
	if previewID == "" {
		return "", fmt.Errorf("offer %s has no preview submission to promote", productID)
	}

	resource := submissionResource(productID, TargetLive, previewID)
	return o.SubmitAndWait(ctx, []any{resource}, timeout)
}
