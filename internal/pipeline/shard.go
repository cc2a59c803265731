package pipeline

import (
	"context"
	"hash/fnv"

	"golang.org/x/sync/errgroup"
)

// shardSet fans work out over a fixed set of workers, hashing the key so
// every record of one vehicle runs on the same worker. Tasks on a worker
// run serially, which is what lets the per-vehicle stage state live
// without locks.
type shardSet struct {
	queues []chan func()
}

func newShardSet(workers, depth int) *shardSet {
	queues := make([]chan func(), workers)
	for i := range queues {
		queues[i] = make(chan func(), depth)
	}
	return &shardSet{queues: queues}
}

// run drains the worker queues until the context is cancelled or close
// is called. Tasks still queued at cancellation are dropped; the broker
// redelivers their unacknowledged sources.
func (s *shardSet) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, q := range s.queues {
		q := q
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case task, ok := <-q:
					if !ok {
						return nil
					}
					task()
				}
			}
		})
	}
	return g.Wait()
}

func (s *shardSet) submit(key string, task func()) {
	h := fnv.New32a()
	h.Write([]byte(key))
	s.queues[int(h.Sum32())%len(s.queues)] <- task
}

func (s *shardSet) close() {
	for _, q := range s.queues {
		close(q)
	}
}
