package sync

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"offline-sync-engine/internal/config"
	"offline-sync-engine/internal/logger"
	"offline-sync-engine/internal/queue"
)

// WorkerPool batches captured changes into queue items. Events of one table
// always go to the same worker so their order survives.
type WorkerPool struct {
	workers       []*Worker
	eventChan     <-chan ChangeEvent
	lookup        func(table string) (Entity, bool)
	sink          func(items []queue.Item) error
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	batchSize     int
	flushInterval time.Duration
}

func NewWorkerPool(cfg config.SyncConfig, eventChan <-chan ChangeEvent, lookup func(string) (Entity, bool), sink func([]queue.Item) error) *WorkerPool {
	ctx, cancel := context.WithCancel(context.Background())

	n := max(cfg.Workers, 1)
	pool := &WorkerPool{
		workers:       make([]*Worker, n),
		eventChan:     eventChan,
		lookup:        lookup,
		sink:          sink,
		ctx:           ctx,
		cancel:        cancel,
		batchSize:     max(cfg.BatchInsertSize, 1),
		flushInterval: cfg.FlushInterval,
	}
	if pool.flushInterval <= 0 {
		pool.flushInterval = 500 * time.Millisecond
	}

	for i := 0; i < n; i++ {
		pool.workers[i] = newWorker(i, pool)
	}
	return pool
}

func (p *WorkerPool) Start() {
	logger.Log.Info("Starting worker pool", zap.Int("workers", len(p.workers)))
	for _, w := range p.workers {
		p.wg.Add(1)
		go w.run()
	}
	p.wg.Add(1)
	go p.dispatch()
}

// Stop flushes what the workers hold and waits for them.
func (p *WorkerPool) Stop() {
	p.cancel()
	p.wg.Wait()
	logger.Log.Info("Stopped worker pool")
}

func (p *WorkerPool) dispatch() {
	defer p.wg.Done()
	defer func() {
		for _, w := range p.workers {
			close(w.in)
		}
	}()

	for {
		select {
		case ev, ok := <-p.eventChan:
			if !ok {
				return
			}
			w := p.workers[p.shard(ev.Table)]
			// Hand over without blocking when the worker has room, so a
			// received event is never lost to a concurrent Stop.
			select {
			case w.in <- ev:
				continue
			default:
			}
			select {
			case w.in <- ev:
			case <-p.ctx.Done():
				return
			}
		case <-p.ctx.Done():
			return
		}
	}
}

func (p *WorkerPool) shard(table string) int {
	h := fnv.New32a()
	h.Write([]byte(table))
	return int(h.Sum32() % uint32(len(p.workers)))
}

type Worker struct {
	id    int
	pool  *WorkerPool
	in    chan ChangeEvent
	batch []queue.Item
}

func newWorker(id int, pool *WorkerPool) *Worker {
	return &Worker{
		id:   id,
		pool: pool,
		in:   make(chan ChangeEvent, pool.batchSize),
	}
}

func (w *Worker) run() {
	defer w.pool.wg.Done()

	ticker := time.NewTicker(w.pool.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-w.in:
			if !ok {
				w.processBatch()
				return
			}
			w.add(event)
			if len(w.batch) >= w.pool.batchSize {
				w.processBatch()
			}

		case <-ticker.C:
			w.processBatch()
		}
	}
}

func (w *Worker) add(ev ChangeEvent) {
	ent, ok := w.pool.lookup(ev.Table)
	if !ok {
		logger.Log.Debug("Ignoring change of unregistered table", zap.String("table", ev.Table))
		return
	}
	w.batch = append(w.batch, ev.Items(ent)...)
}

func (w *Worker) processBatch() {
	if len(w.batch) == 0 {
		return
	}

	logger.Log.Debug("Processing batch", zap.Int("workerID", w.id), zap.Int("size", len(w.batch)))

	if err := w.pool.sink(w.batch); err != nil {
		logger.Log.Error("Failed to enqueue captured changes",
			zap.Int("workerID", w.id),
			zap.Int("items", len(w.batch)),
			zap.Error(err),
		)
	}
	w.batch = w.batch[:0]
}
