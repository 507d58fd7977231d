package worker

import (
	"context"
	"log"
	"time"

	"golang.org/x/sync/semaphore"

	"playful-backend/internal/entity"
	"playful-backend/internal/service"
)

// JobLister is the slice of the repository the resync scan needs.
type JobLister interface {
	ListByState(ctx context.Context, states ...entity.JobState) ([]*entity.Job, error)
}

// Pool drives reconciliation: N workers claim job ids off the queue,
// advance each claimed job by one transition, then put non-terminal jobs
// back after the poll interval. A resync ticker re-enqueues non-terminal
// store rows that fell out of the queue (process restart, lost ack).
type Pool struct {
	queue        service.Queue
	rec          *Reconciler
	lister       JobLister
	workers      int
	claimDelay   time.Duration
	pollInterval time.Duration
	resyncEvery  time.Duration

	// caps concurrent GitHub calls below the worker count, so many
	// claimed jobs queue up on the semaphore instead of hammering the API
	inflight *semaphore.Weighted
}

func NewPool(queue service.Queue, rec *Reconciler, lister JobLister, workers, remoteCap int, pollInterval time.Duration) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if remoteCap <= 0 {
		remoteCap = 2
	}
	if pollInterval <= 0 {
		pollInterval = 4 * time.Second
	}
	return &Pool{
		queue:        queue,
		rec:          rec,
		lister:       lister,
		workers:      workers,
		claimDelay:   5 * time.Second,
		pollInterval: pollInterval,
		resyncEvery:  30 * time.Second,
		inflight:     semaphore.NewWeighted(int64(remoteCap)),
	}
}

func (p *Pool) Run(ctx context.Context) {
	log.Printf("reconcile pool started: workers=%d poll_interval=%s", p.workers, p.pollInterval)

	jobCh := make(chan string)

	for i := 0; i < p.workers; i++ {
		go func(n int) {
			for jobID := range jobCh {
				p.handle(ctx, n, jobID)
			}
		}(i + 1)
	}

	go p.resyncLoop(ctx)

	// Listener: atomically claim from queue -> processing
	for {
		select {
		case <-ctx.Done():
			close(jobCh)
			log.Println("reconcile pool stopped")
			return
		default:
			jobID, err := p.queue.ClaimBlocking(ctx, p.claimDelay)
			if err != nil {
				// timeout/redis.Nil/ctx cancel — не фатально
				continue
			}
			select {
			case jobCh <- jobID:
			case <-ctx.Done():
				close(jobCh)
				return
			}
		}
	}
}

func (p *Pool) handle(ctx context.Context, n int, jobID string) {
	if err := p.inflight.Acquire(ctx, 1); err != nil {
		return
	}
	done, err := p.rec.Advance(ctx, jobID)
	p.inflight.Release(1)

	if err != nil {
		log.Printf("[worker-%d] advance job %s error: %v", n, jobID, err)
	}

	// ACK either way: the transition (or its failure) is already recorded
	// in the store. A crash before this point leaves the id in processing
	// for the reaper.
	if ackErr := p.queue.Ack(ctx, jobID); ackErr != nil {
		log.Printf("[worker-%d] ack job %s error: %v", n, jobID, ackErr)
	}

	if done {
		return
	}

	// suspended re-enqueue: the job comes back one poll interval from now
	go func() {
		select {
		case <-ctx.Done():
		case <-time.After(p.pollInterval):
			if err := p.queue.Enqueue(ctx, jobID); err != nil {
				log.Printf("[worker-%d] re-enqueue job %s error: %v", n, jobID, err)
			}
		}
	}()
}

// resyncLoop puts orphaned non-terminal jobs back on the queue. Orphaned
// means nothing has touched the record for a while, which happens after a
// restart that emptied the delayed re-enqueue goroutines.
func (p *Pool) resyncLoop(ctx context.Context) {
	ticker := time.NewTicker(p.resyncEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			jobs, err := p.lister.ListByState(ctx, entity.NonTerminalStates...)
			if err != nil {
				log.Printf("[resync] list error: %v", err)
				continue
			}
			for _, job := range jobs {
				if time.Since(job.UpdatedAt) < p.resyncEvery {
					continue
				}
				if err := p.queue.Enqueue(ctx, job.ID.String()); err != nil {
					log.Printf("[resync] enqueue job %s error: %v", job.ID, err)
					continue
				}
				log.Printf("[resync] re-enqueued stale job %s state=%s", job.ID, job.State)
			}
		}
	}
}
