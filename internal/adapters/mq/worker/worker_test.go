package worker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	queue "github.com/okian/fidscore/internal/adapters/mq/queue"
	worker "github.com/okian/fidscore/internal/adapters/mq/worker"
	"github.com/okian/fidscore/internal/adapters/repository"
	"github.com/okian/fidscore/internal/domain/history"
	model "github.com/okian/fidscore/internal/domain/model"
	logging "github.com/okian/fidscore/pkg/logger"
	"github.com/smartystreets/goconvey/convey"
)

var at = time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)

// Mock implementations for testing.
type mockQueue struct {
	items chan queue.Item
}

func newMockQueue() *mockQueue {
	return &mockQueue{items: make(chan queue.Item, 10)}
}

func (mq *mockQueue) Dequeue(context.Context) <-chan queue.Item { return mq.items }

func (mq *mockQueue) Close() error {
	close(mq.items)
	return nil
}

type mockAppender struct {
	mu       sync.Mutex
	appended []model.Snapshot
	fail     map[int64]error
}

func newMockAppender() *mockAppender {
	return &mockAppender{fail: make(map[int64]error)}
}

func (m *mockAppender) Append(_ context.Context, s model.Snapshot) repository.AppendResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.fail[s.FID]; ok {
		return repository.AppendResult{Snapshot: s, Err: err}
	}
	m.appended = append(m.appended, s)
	return repository.AppendResult{Snapshot: s, Outcome: history.Appended, Length: 1}
}

func (m *mockAppender) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.appended)
}

type resultSink struct {
	mu      sync.Mutex
	results []repository.AppendResult
}

func (r *resultSink) record(res repository.AppendResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

func (r *resultSink) all() []repository.AppendResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]repository.AppendResult(nil), r.results...)
}

func TestInMemoryWorker(t *testing.T) {
	convey.Convey("Given a new InMemoryWorker", t, func() {
		q := newMockQueue()
		appender := newMockAppender()
		sink := &resultSink{}

		convey.Convey("When running a worker", func() {
			w := worker.NewInMemoryWorker(q, appender,
				worker.WithName("test-worker"),
				worker.WithLogger(logging.Discard()),
				worker.WithResultFunc(sink.record))
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go w.Run(ctx)

			convey.Convey("And when processing snapshots", func() {
				q.items <- model.NewSnapshot(1, 0.5, at, model.SourceAPI)
				q.items <- model.NewSnapshot(2, 0.6, at, model.SourceAPI)
				_ = q.Close()
				<-w.Done()

				convey.Convey("Then every snapshot is appended and reported", func() {
					convey.So(appender.count(), convey.ShouldEqual, 2)
					convey.So(sink.all(), convey.ShouldHaveLength, 2)
				})
			})

			convey.Convey("And when an append fails", func() {
				appender.fail[3] = errors.New("store down")
				q.items <- model.NewSnapshot(3, 0.5, at, model.SourceAPI)
				_ = q.Close()
				<-w.Done()

				convey.Convey("Then the failure is reported and the worker keeps going", func() {
					results := sink.all()
					convey.So(results, convey.ShouldHaveLength, 1)
					convey.So(results[0].OK(), convey.ShouldBeFalse)
					convey.So(appender.count(), convey.ShouldEqual, 0)
				})
			})
		})

		convey.Convey("When shutting a worker down", func() {
			w := worker.NewInMemoryWorker(q, appender, worker.WithLogger(logging.Discard()))
			go w.Run(context.Background())

			err := w.Shutdown(context.Background())

			convey.Convey("Then it stops without error", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(w.Shutdown(context.Background()), convey.ShouldBeNil)
			})
		})
	})
}

func TestPool(t *testing.T) {
	convey.Convey("Given a pool over a real queue", t, func() {
		q := queue.NewInMemoryQueue(queue.WithCapacity(50))
		appender := newMockAppender()
		sink := &resultSink{}
		pool := worker.NewPool(4, q, appender,
			worker.WithLogger(logging.Discard()),
			worker.WithResultFunc(sink.record))

		convey.So(pool.Size(), convey.ShouldEqual, 4)

		convey.Convey("When snapshots are queued and the queue is closed", func() {
			ctx := context.Background()
			pool.Start(ctx)
			for fid := int64(1); fid <= 50; fid++ {
				convey.So(q.Enqueue(ctx, model.NewSnapshot(fid, 0.1, at, model.SourceAPI)), convey.ShouldBeTrue)
			}
			_ = q.Close()
			pool.Wait()

			convey.Convey("Then every snapshot is persisted exactly once", func() {
				convey.So(appender.count(), convey.ShouldEqual, 50)
				convey.So(sink.all(), convey.ShouldHaveLength, 50)
			})
		})

		convey.Convey("When the pool is shut down", func() {
			pool.Start(context.Background())
			err := pool.Shutdown(context.Background())

			convey.Convey("Then the queue is closed", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(q.IsClosed(), convey.ShouldBeTrue)
			})
		})
	})
}
