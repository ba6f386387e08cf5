// internal/infra/etcd/announcer.go
package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"single-thread-dispatcher/internal/worker"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	// WorkerAnnouncePrefix is the etcd prefix under which live dispatcher threads are published.
	WorkerAnnouncePrefix = "/dispatchers/workers/"
)

// WorkerInfo is the value stored for an announced worker thread.
type WorkerInfo struct {
	WorkerID   string    `json:"worker_id"`
	Dispatcher string    `json:"dispatcher"`
	Host       string    `json:"host"`
	StartedAt  time.Time `json:"started_at"`
}

type announcement struct {
	info    WorkerInfo
	started bool
}

// Announcer publishes the process's live worker threads in etcd.
//
// It implements worker.Observer. Observer callbacks run on the worker thread,
// so they only enqueue; a separate goroutine talks to etcd. All keys share one
// lease, which is revoked on Close.
type Announcer struct {
	client  *clientv3.Client
	logger  *slog.Logger
	host    string
	ttl     int64
	timeout time.Duration

	leaseID clientv3.LeaseID
	cancel  context.CancelFunc
	events  chan announcement
	stop    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// NewAnnouncer creates an announcer publishing under host with a lease of ttl.
func NewAnnouncer(client *clientv3.Client, host string, ttl, timeout time.Duration, logger *slog.Logger) *Announcer {
	secs := int64(ttl / time.Second)
	if secs < 1 {
		secs = 1
	}
	return &Announcer{
		client:  client,
		logger:  logger.With("component", "etcd-announcer"),
		host:    host,
		ttl:     secs,
		timeout: timeout,
		events:  make(chan announcement, 64),
		stop:    make(chan struct{}),
	}
}

// WorkerKey returns the etcd key of a worker: /dispatchers/workers/{worker_id}.
func WorkerKey(workerID string) string {
	return WorkerAnnouncePrefix + workerID
}

// Start grants the shared lease, keeps it alive and begins publishing.
func (a *Announcer) Start(ctx context.Context) error {
	leaseResp, err := a.client.Grant(ctx, a.ttl)
	if err != nil {
		return fmt.Errorf("failed to grant lease: %w", err)
	}
	a.leaseID = leaseResp.ID

	kaCtx, cancel := context.WithCancel(context.Background())
	keepAliveCh, err := a.client.KeepAlive(kaCtx, a.leaseID)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to start keep-alive: %w", err)
	}
	a.cancel = cancel

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		for {
			ka, ok := <-keepAliveCh
			if !ok {
				a.logger.Warn("keep-alive channel closed, worker announcements may have expired")
				return
			}
			a.logger.Debug("lease keep-alive refreshed", "lease_id", ka.ID, "ttl", ka.TTL)
		}
	}()
	go a.publish()

	a.logger.Info("announcer started", "lease_id", a.leaseID, "ttl", a.ttl)
	return nil
}

// WorkerStarted queues a Put for w. It never blocks the worker thread.
func (a *Announcer) WorkerStarted(w *worker.Worker) {
	a.enqueue(announcement{info: a.info(w), started: true})
}

// WorkerExited queues a Delete for w. It never blocks the worker thread.
func (a *Announcer) WorkerExited(w *worker.Worker) {
	a.enqueue(announcement{info: a.info(w)})
}

func (a *Announcer) info(w *worker.Worker) WorkerInfo {
	return WorkerInfo{
		WorkerID:   w.ID(),
		Dispatcher: w.Name(),
		Host:       a.host,
		StartedAt:  time.Now().UTC(),
	}
}

func (a *Announcer) enqueue(ev announcement) {
	select {
	case <-a.stop:
	case a.events <- ev:
	default:
		a.logger.Warn("announcement queue full, dropping event", "worker_id", ev.info.WorkerID, "started", ev.started)
	}
}

func (a *Announcer) publish() {
	defer a.wg.Done()
	for {
		select {
		case <-a.stop:
			return
		case ev := <-a.events:
			if err := a.apply(ev); err != nil {
				a.logger.Error("failed to publish worker", "worker_id", ev.info.WorkerID, "error", err)
			}
		}
	}
}

func (a *Announcer) apply(ev announcement) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	key := WorkerKey(ev.info.WorkerID)
	if !ev.started {
		if _, err := a.client.Delete(ctx, key); err != nil {
			return fmt.Errorf("failed to delete worker key: %w", err)
		}
		a.logger.Debug("worker withdrawn", "key", key)
		return nil
	}

	value, err := json.Marshal(ev.info)
	if err != nil {
		return fmt.Errorf("failed to marshal worker info: %w", err)
	}
	if _, err := a.client.Put(ctx, key, string(value), clientv3.WithLease(a.leaseID)); err != nil {
		return fmt.Errorf("failed to put worker key: %w", err)
	}
	a.logger.Debug("worker announced", "key", key, "dispatcher", ev.info.Dispatcher)
	return nil
}

// Close stops publishing and revokes the lease, which deletes every announced key.
func (a *Announcer) Close(ctx context.Context) error {
	var err error
	a.once.Do(func() {
		close(a.stop)
		if a.cancel != nil {
			a.cancel()
		}
		a.logger.Info("revoking announcer lease", "lease_id", a.leaseID)
		if a.leaseID != 0 {
			if _, rerr := a.client.Revoke(ctx, a.leaseID); rerr != nil {
				err = fmt.Errorf("failed to revoke lease: %w", rerr)
			}
		}
		a.wg.Wait()
	})
	return err
}
