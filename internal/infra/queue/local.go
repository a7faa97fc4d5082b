package queue

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vietddude/harvester/internal/core/domain"
	"github.com/vietddude/harvester/internal/core/fault"
)

// LocalConfig sizes the in-process pool.
type LocalConfig struct {
	Concurrency int
	Buffer      int // max queued assignments; 0 means unbounded
}

type item struct {
	a   domain.ChunkAssignment
	seq uint64
}

// pq orders by priority (high first), then chunk index, then arrival.
type pq []item

func (q pq) Len() int { return len(q) }
func (q pq) Less(i, j int) bool {
	if q[i].a.Priority != q[j].a.Priority {
		return q[i].a.Priority > q[j].a.Priority
	}
	if q[i].a.Index != q[j].a.Index {
		return q[i].a.Index < q[j].a.Index
	}
	return q[i].seq < q[j].seq
}
func (q pq) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *pq) Push(x any)   { *q = append(*q, x.(item)) }
func (q *pq) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	*q = old[:n-1]
	return it
}

// Local is an in-process transport: a priority queue drained by a fixed
// pool of goroutines, with completions applied synchronously.
type Local struct {
	cfg LocalConfig

	mu     sync.Mutex
	cond   *sync.Cond
	items  pq
	seq    uint64
	closed bool

	complete CompletionHandler
	wg       sync.WaitGroup
	log      *slog.Logger
}

// NewLocal creates an in-process queue.
func NewLocal(cfg LocalConfig) *Local {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	l := &Local{
		cfg: cfg,
		log: slog.Default().With("component", "queue", "backend", "local"),
	}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// OnCompletion sets the handler Report delivers to.
func (l *Local) OnCompletion(h CompletionHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.complete = h
}

// Dispatch implements Dispatcher.
func (l *Local) Dispatch(ctx context.Context, a domain.ChunkAssignment) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return "", fault.New(fault.KindBrokerConnection, "local dispatch", "queue closed")
	}
	if l.cfg.Buffer > 0 && len(l.items) >= l.cfg.Buffer {
		return "", fault.New(fault.KindBrokerConnection, "local dispatch", "queue full")
	}
	l.seq++
	heap.Push(&l.items, item{a: a, seq: l.seq})
	l.cond.Signal()
	return fmt.Sprintf("local-%d", l.seq), nil
}

// Report implements Reporter.
func (l *Local) Report(ctx context.Context, c domain.Completion) error {
	l.mu.Lock()
	h := l.complete
	l.mu.Unlock()
	if h == nil {
		return fault.New(fault.KindBrokerConnection, "local report", "no completion handler")
	}
	return h(ctx, c)
}

// Len returns the number of queued assignments.
func (l *Local) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

func (l *Local) next() (domain.ChunkAssignment, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for len(l.items) == 0 && !l.closed {
		l.cond.Wait()
	}
	if l.closed {
		return domain.ChunkAssignment{}, false
	}
	return heap.Pop(&l.items).(item).a, true
}

// Start launches the worker goroutines. They stop when ctx is done or Stop
// is called; queued assignments are dropped and recovered by the reaper.
func (l *Local) Start(ctx context.Context, handler ChunkHandler) {
	l.log.Info("Starting local workers", "concurrency", l.cfg.Concurrency)
	for i := 0; i < l.cfg.Concurrency; i++ {
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			for {
				a, ok := l.next()
				if !ok {
					return
				}
				if err := handler(ctx, a); err != nil {
					l.log.Error("Chunk handler failed", "job", a.JobID, "chunk", a.ChunkID, "error", err)
				}
			}
		}()
	}
	go func() {
		<-ctx.Done()
		l.Stop()
	}()
}

// Stop closes the queue and waits for running handlers to return.
func (l *Local) Stop() {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		l.cond.Broadcast()
	}
	l.mu.Unlock()
	l.wg.Wait()
}
