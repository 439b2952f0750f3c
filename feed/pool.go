package feed

import (
	"context"
	"sync"

	"feedsync/models"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
)

type transformJob struct {
	records []models.RawRecord
	result  chan []models.FeedItem
}

// Pool runs record transformation on a fixed set of worker goroutines so the
// goroutine driving a session only waits for results.
type Pool struct {
	maxWorkers  int
	chunkSize   int
	workerQueue chan transformJob
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
}

func NewPool(ctx context.Context, maxWorkers int, chunkSize int) *Pool {
	ctx, cancel := context.WithCancel(ctx)

	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if chunkSize < 1 {
		chunkSize = 64
	}

	pool := &Pool{
		maxWorkers:  maxWorkers,
		chunkSize:   chunkSize,
		workerQueue: make(chan transformJob, maxWorkers*2),
		ctx:         ctx,
		cancel:      cancel,
	}

	pool.wg.Add(maxWorkers)
	for i := 0; i < maxWorkers; i++ {
		go pool.startWorker(i)
	}

	return pool
}

func (pool *Pool) startWorker(id int) {
	defer pool.wg.Done()

	for {
		select {
		case <-pool.ctx.Done():
			log.Debugf("Transform worker %d: shutting down", id)
			return
		case job := <-pool.workerQueue:
			// result is buffered so the worker never blocks on an abandoned job
			job.result <- TransformAll(job.records)
		}
	}
}

// Transform splits records into chunks, transforms them on the workers and
// returns the items in the order of the input.
func (pool *Pool) Transform(ctx context.Context, records []models.RawRecord) ([]models.FeedItem, error) {
	chunks := lo.Chunk(records, pool.chunkSize)
	results := make([]chan []models.FeedItem, len(chunks))

	for i, chunk := range chunks {
		results[i] = make(chan []models.FeedItem, 1)
		select {
		case pool.workerQueue <- transformJob{records: chunk, result: results[i]}:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-pool.ctx.Done():
			return nil, pool.ctx.Err()
		}
	}

	items := make([]models.FeedItem, 0, len(records))
	for _, result := range results {
		select {
		case chunkItems := <-result:
			items = append(items, chunkItems...)
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-pool.ctx.Done():
			return nil, pool.ctx.Err()
		}
	}

	return items, nil
}

// Close stops the workers and waits for them to exit
func (pool *Pool) Close() {
	pool.cancel()
	pool.wg.Wait()
}
