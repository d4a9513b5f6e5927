package cloudpartner

// SubmissionStatus is the processing state of a submission record.
type SubmissionStatus string

const (
	SubmissionRunning   SubmissionStatus = "running"
	SubmissionCompleted SubmissionStatus = "completed"
)

// Submission is one entry of an offer's submission history.
type Submission struct {
	ID     string
	Target Target
	Status SubmissionStatus
	Result JobResult
}

// OfferStatus is the externally meaningful lifecycle state of an offer,
// always recomputed from the submission history and never stored.
type OfferStatus string

const (
	StatusRunning                   OfferStatus = "running"
	StatusWaitingForPublisherReview OfferStatus = "waitingForPublisherReview"
	StatusSucceeded                 OfferStatus = "succeeded"
	StatusFailed                    OfferStatus = "failed"
	StatusUnknown                   OfferStatus = "unknown"
)

// DeriveStatus reduces a submission history, ordered oldest first, to a
// single lifecycle status. Preview signals take precedence over live ones:
// a new submission supersedes the interpretation of an older completed one
// for the same target.
func DeriveStatus(history []Submission) OfferStatus {
	var preview *Submission
	var live []Submission
	for i := range history {
		switch history[i].Target {
		case TargetPreview:
			preview = &history[i]
		case TargetLive:
			live = append(live, history[i])
		}
	}

	if preview != nil {
		switch {
		case preview.Status == SubmissionRunning:
			return StatusRunning
		case preview.Status == SubmissionCompleted && preview.Result == ResultFailed:
			return StatusFailed
		case preview.Status == SubmissionCompleted && preview.Result == ResultSucceeded:
			return StatusWaitingForPublisherReview
		}
	}

	switch len(live) {
	case 1:
		switch live[0].Status {
		case SubmissionCompleted:
			return OfferStatus(live[0].Result)
		case SubmissionRunning:
			return StatusRunning
		}
	case 2:
		// Republish: one completed submission plus a new one.
		if live[0].Status == SubmissionRunning || live[1].Status == SubmissionRunning {
			return StatusRunning
		}
		newer := live[1]
		if newer.Status == SubmissionCompleted && newer.Result == ResultFailed {
			return StatusFailed
		}
	}

	return StatusUnknown
}
