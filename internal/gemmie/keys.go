package gemmie

// Keys are the backend keys for one conversation scope.
type Keys struct {
	PendingJob     string
	QueuedTriggers string
	ActiveJob      string
	SelectedMedia  string
	ProcessedJobs  string
	LastActivity   string
}

// NewKeys derives all keys from prefix ("gemmie" when empty).
func NewKeys(prefix string) Keys {
	if prefix == "" {
		prefix = "gemmie"
	}
	p := prefix + ":"
	return Keys{
		PendingJob:     p + "pending-job",
		QueuedTriggers: p + "queued-triggers",
		ActiveJob:      p + "active-job",
		SelectedMedia:  p + "selected-media",
		ProcessedJobs:  p + "processed-jobs",
		LastActivity:   p + "last-activity",
	}
}
