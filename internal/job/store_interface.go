package job

import "context"

// Store persists job records. Implementations enforce status transitions
// atomically inside UpdateStatus so concurrent writers cannot move a job
// backwards.
type Store interface {
	// Create inserts j, failing with ErrExists if the id is taken.
	Create(ctx context.Context, j *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	// UpdateStatus moves the job to next and writes f. When the transition is
	// not allowed it returns ErrInvalidTransition together with the job as
	// currently stored.
	UpdateStatus(ctx context.Context, id string, next Status, f Fields) (*Job, error)
	// List returns one page of jobs, newest first, and the total matching f.
	List(ctx context.Context, f Filter) ([]*Job, int, error)
	Stats(ctx context.Context) (Counts, error)
}

type Filter struct {
	Status Status
	Limit  int
	Offset int
}

// Counts is the number of jobs in each status.
type Counts struct {
	Uploaded   int `json:"uploaded"`
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

func (c *Counts) add(s Status, n int) {
	switch s {
	case StatusUploaded:
		c.Uploaded += n
	case StatusQueued:
		c.Queued += n
	case StatusProcessing:
		c.Processing += n
	case StatusCompleted:
		c.Completed += n
	case StatusFailed:
		c.Failed += n
	}
}
