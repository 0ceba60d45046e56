package download

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/BadgerOps/patcher/internal/digest"
)

// Job represents a single file transfer.
type Job struct {
	// Path is the manifest path, used as the job's identity in callbacks.
	Path         string
	Sources      []string
	DestPath     string
	Expected     digest.Sum
	ExpectedSize int64
	Mode         os.FileMode
}

// Result represents the result of a transfer job.
type Result struct {
	Job      Job
	Success  bool
	Error    error
	Fetch    *FetchResult
	Attempts int
	index    int // Internal: used to maintain result order
}

// Cancelled reports whether the job was stopped by context cancellation.
func (r Result) Cancelled() bool {
	return errors.Is(r.Error, context.Canceled) || errors.Is(r.Error, context.DeadlineExceeded)
}

// Pool manages concurrent transfers using a worker pool pattern.
type Pool struct {
	client     *Client
	workers    int
	logger     *slog.Logger
	retryCount int

	// Callbacks run on worker goroutines and must be safe for concurrent use.
	OnStart    func(job Job)
	OnProgress func(job Job, bytesDone, totalBytes int64)
	OnComplete func(result Result)
}

// NewPool creates a new transfer pool with the specified number of worker goroutines.
func NewPool(client *Client, workers int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		client:     client,
		workers:    workers,
		logger:     logger,
		retryCount: 3,
	}
}

// SetRetryCount sets the attempts made per job; values below 1 mean 1.
func (p *Pool) SetRetryCount(n int) {
	if n < 1 {
		n = 1
	}
	p.retryCount = n
}

// Execute submits a batch of jobs to the pool and waits for all to complete.
// The returned results maintain the same order as the input jobs, one per
// job. A failed job never stops the others. If the context is cancelled,
// in-flight transfers abort and every job not yet started is returned as a
// cancelled failure.
func (p *Pool) Execute(ctx context.Context, jobs []Job) []Result {
	if len(jobs) == 0 {
		return []Result{}
	}

	// Create channels for jobs and results
	jobsChan := make(chan jobWithIndex, len(jobs))
	resultsChan := make(chan Result, len(jobs))

	for i, job := range jobs {
		jobsChan <- jobWithIndex{job: job, index: i}
	}
	close(jobsChan)

	// Launch worker goroutines
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go p.worker(ctx, jobsChan, resultsChan, &wg)
	}

	// Wait for all workers to finish
	go func() {
		wg.Wait()
		close(resultsChan)
	}()

	// Collect results
	results := make([]Result, 0, len(jobs))
	for result := range resultsChan {
		results = append(results, result)
	}

	// Sort results by their original index to maintain order
	sort.Slice(results, func(i, j int) bool {
		return results[i].index < results[j].index
	})

	return results
}

// jobWithIndex pairs a Job with its original index for ordering results.
type jobWithIndex struct {
	job   Job
	index int
}

// worker processes jobs from the jobs channel and sends results to the results channel.
func (p *Pool) worker(ctx context.Context, jobsChan <-chan jobWithIndex, resultsChan chan<- Result, wg *sync.WaitGroup) {
	defer wg.Done()

	for item := range jobsChan {
		job := item.job
		if err := ctx.Err(); err != nil {
			// Drain remaining jobs as cancelled so every job has a result
			result := Result{Job: job, Error: err, index: item.index}
			p.complete(result)
			resultsChan <- result
			continue
		}

		if p.OnStart != nil {
			p.OnStart(job)
		}

		opts := FetchOptions{
			Sources:      job.Sources,
			DestPath:     job.DestPath,
			Expected:     job.Expected,
			ExpectedSize: job.ExpectedSize,
			Mode:         job.Mode,
			RetryCount:   p.retryCount,
		}
		if p.OnProgress != nil {
			opts.OnProgress = func(done, total int64) {
				p.OnProgress(job, done, total)
			}
		}

		fetched, err := p.client.Fetch(ctx, opts)

		result := Result{
			Job:   job,
			index: item.index,
			Fetch: fetched,
		}

		if err != nil {
			result.Error = err
			var fe *FetchError
			if errors.As(err, &fe) {
				result.Attempts = fe.Attempts
			}
			p.logger.Error("transfer job failed", "path", job.Path, "attempts", result.Attempts, "error", err)
		} else {
			result.Success = true
			result.Attempts = fetched.Attempts
			p.logger.Info("transfer job completed", "path", job.Path, "size", fetched.Size, "source", fetched.Source)
		}

		p.complete(result)
		resultsChan <- result
	}
}

func (p *Pool) complete(result Result) {
	if p.OnComplete != nil {
		p.OnComplete(result)
	}
}
