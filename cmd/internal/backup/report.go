package backup

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/metal-stack/dbbackup/cmd/internal/naming"
	"golang.org/x/sync/errgroup"
)

type (
	// Options control a run over several targets
	Options struct {
		Parallelism int
		// StopOnError skips jobs that have not started yet after the first failure
		StopOnError bool
	}

	// Result is the outcome of the backup of a single target
	Result struct {
		Target naming.Target
		// Stage is the stage the run failed in, or done
		Stage    string
		Artifact string
		Skipped  bool
		Err      error
	}

	// Report collects the results of all targets in job order
	Report struct {
		Results []Result
	}
)

// Err returns the joined errors of all failed targets
func (r *Report) Err() error {
	var errs []error
	for _, res := range r.Results {
		if res.Err != nil {
			errs = append(errs, res.Err)
		}
	}
	return errors.Join(errs...)
}

func (r *Report) Failed() []Result {
	var failed []Result
	for _, res := range r.Results {
		if res.Err != nil {
			failed = append(failed, res)
		}
	}
	return failed
}

// RunAll runs the jobs with bounded parallelism, a failing target does not affect the others
func (b *Backup) RunAll(ctx context.Context, jobs []Job, opts Options) *Report {
	report := &Report{Results: make([]Result, len(jobs))}

	var (
		g      errgroup.Group
		failed atomic.Bool
	)
	g.SetLimit(max(opts.Parallelism, 1))

	for i, job := range jobs {
		g.Go(func() error {
			if opts.StopOnError && failed.Load() {
				b.log.Warn("skipping backup after previous failure", "target", job.Target.String())
				report.Results[i] = Result{Target: job.Target, Skipped: true}
				return nil
			}

			res := b.run(ctx, job)
			if res.Err != nil {
				failed.Store(true)
			}
			report.Results[i] = res

			return nil
		})
	}

	_ = g.Wait()

	return report
}
