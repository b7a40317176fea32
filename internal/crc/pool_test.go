package crc

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tasker-run/tasker/internal/model"
)

func TestRunEmptyJobsReturnsImmediately(t *testing.T) {
	results, errs, err := Run(context.Background(), 4, nil, nil, true)
	if err != nil || results != nil || errs != nil {
		t.Fatalf("got (%v, %v, %v), want all nil", results, errs, err)
	}
}

func TestRunPreservesOrderAcrossWorkers(t *testing.T) {
	jobs := make([]Job, 5)
	for i := range jobs {
		i := i
		jobs[i] = Job{
			Index:  i,
			TaskID: i,
			Execute: func(ctx context.Context) (*model.TaskResult, error) {
				// Stagger completion so workers finish out of submission order.
				time.Sleep(time.Duration(5-i) * time.Millisecond)
				return &model.TaskResult{ID: i, ExitCode: 0, Success: true}, nil
			},
		}
	}

	results, errs, err := Run(context.Background(), 3, jobs, nil, false)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(errs) != 0 {
		t.Fatalf("errs = %v, want none", errs)
	}
	if len(results) != 5 {
		t.Fatalf("len(results) = %d, want 5", len(results))
	}
	for i, r := range results {
		if r.ID != i {
			t.Errorf("results[%d].ID = %d, want %d", i, r.ID, i)
		}
	}
}

func TestRunFailFastCancelsRemainingWork(t *testing.T) {
	var started atomic.Int32
	jobs := make([]Job, 10)
	for i := range jobs {
		i := i
		jobs[i] = Job{
			Index:  i,
			TaskID: i,
			Execute: func(ctx context.Context) (*model.TaskResult, error) {
				started.Add(1)
				if i == 0 {
					return nil, errors.New("boom")
				}
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(50 * time.Millisecond):
					return &model.TaskResult{ID: i, Success: true}, nil
				}
			},
		}
	}

	_, errs, err := Run(context.Background(), 10, jobs, nil, true)
	if err == nil {
		t.Fatalf("want error from fail-fast pool")
	}
	if len(errs) == 0 {
		t.Fatalf("want at least one JobError")
	}
}

func TestRunCollectAllErrorsContinuesOnFailure(t *testing.T) {
	jobs := []Job{
		{Index: 0, TaskID: 0, Execute: func(ctx context.Context) (*model.TaskResult, error) {
			return nil, errors.New("fail 0")
		}},
		{Index: 1, TaskID: 1, Execute: func(ctx context.Context) (*model.TaskResult, error) {
			return &model.TaskResult{ID: 1, Success: true}, nil
		}},
	}

	results, errs, err := Run(context.Background(), 2, jobs, nil, false)
	if err != nil {
		t.Fatalf("Run: %v, want nil since not all jobs failed", err)
	}
	if len(results) != 1 || len(errs) != 1 {
		t.Fatalf("got %d results, %d errs, want 1 and 1", len(results), len(errs))
	}
}

func TestRunAllFailedReturnsErrorEvenWithoutFailFast(t *testing.T) {
	jobs := []Job{
		{Index: 0, TaskID: 0, Execute: func(ctx context.Context) (*model.TaskResult, error) {
			return nil, errors.New("fail")
		}},
	}
	_, _, err := Run(context.Background(), 1, jobs, nil, false)
	if err == nil {
		t.Fatalf("want error when every job fails")
	}
}
