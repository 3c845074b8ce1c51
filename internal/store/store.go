package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/atomjob/internal/job"
)

var (
	// ErrNotFound is returned when no job has the requested id.
	ErrNotFound = errors.New("job not found")

	// ErrExists is returned by Insert for a duplicate id.
	ErrExists = errors.New("job already exists")
)

// Table is a concurrency-safe job table keyed by job id.
type Table interface {
	Insert(ctx context.Context, j *job.Job) error
	Get(ctx context.Context, id string) (*job.Job, error)
	Update(ctx context.Context, id string, fn func(*job.Job) error) (*job.Job, error)
	Count(ctx context.Context) (int, error)
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
	Close() error
}

// terminalStatuses are the stored statuses DeleteExpired may remove.
var terminalStatuses = []string{string(job.StatusCompleted), string(job.StatusFailed)}

func encodeRecord(j *job.Job) ([]byte, error) {
	b, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("encode job %s: %w", j.ID, err)
	}
	return b, nil
}

// decodeRecord keeps submitted numbers as json.Number so field values
// round-trip without float conversion.
func decodeRecord(b []byte) (*job.Job, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var j job.Job
	if err := dec.Decode(&j); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &j, nil
}
