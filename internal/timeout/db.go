package timeout

import (
	"context"
	"errors"
)

var ErrScheduling = errors.New("scheduling failed")

type DB interface {
	UpsertJob(ctx context.Context, job Job) error
	DeleteJob(ctx context.Context, jobID string) (bool, error)
	ListJobs(ctx context.Context) ([]Job, error)
}
