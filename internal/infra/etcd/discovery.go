// internal/infra/etcd/discovery.go
package etcd

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// WorkerDiscovery tracks the dispatcher threads announced by every process
// sharing the etcd cluster.
type WorkerDiscovery struct {
	client  *clientv3.Client
	logger  *slog.Logger
	workers map[string]WorkerInfo // map of workerID -> info
	mu      sync.RWMutex
}

// NewWorkerDiscovery creates a new discovery service.
func NewWorkerDiscovery(client *clientv3.Client, logger *slog.Logger) *WorkerDiscovery {
	return &WorkerDiscovery{
		client:  client,
		logger:  logger.With("component", "worker-discovery"),
		workers: make(map[string]WorkerInfo),
	}
}

// WatchWorkers starts watching etcd for worker announcements and withdrawals.
// This is a blocking call and should be run in a goroutine.
func (d *WorkerDiscovery) WatchWorkers(ctx context.Context) {
	d.logger.Info("starting to watch for workers")

	if err := d.loadInitialWorkers(ctx); err != nil {
		d.logger.Error("failed to perform initial worker load", "error", err)
	}

	watchChan := d.client.Watch(ctx, WorkerAnnouncePrefix, clientv3.WithPrefix())
	for watchResp := range watchChan {
		for _, event := range watchResp.Events {
			d.apply(event.Type == clientv3.EventTypePut, string(event.Kv.Key), event.Kv.Value)
		}
	}
	d.logger.Info("stopped watching for workers")
}

func (d *WorkerDiscovery) loadInitialWorkers(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := d.client.Get(ctx, WorkerAnnouncePrefix, clientv3.WithPrefix())
	if err != nil {
		return err
	}
	for _, kv := range resp.Kvs {
		d.apply(true, string(kv.Key), kv.Value)
	}
	return nil
}

// apply records a put (announced) or delete (withdrawn or lease expired).
func (d *WorkerDiscovery) apply(put bool, key string, value []byte) {
	workerID := strings.TrimPrefix(key, WorkerAnnouncePrefix)

	d.mu.Lock()
	defer d.mu.Unlock()

	if !put {
		if info, ok := d.workers[workerID]; ok {
			d.logger.Info("worker withdrawn", "worker_id", workerID, "dispatcher", info.Dispatcher, "host", info.Host)
			delete(d.workers, workerID)
		}
		return
	}

	var info WorkerInfo
	if err := json.Unmarshal(value, &info); err != nil {
		d.logger.Warn("failed to unmarshal worker info", "key", key, "error", err)
		return
	}
	if _, ok := d.workers[workerID]; !ok {
		d.logger.Info("worker discovered", "worker_id", workerID, "dispatcher", info.Dispatcher, "host", info.Host)
	}
	d.workers[workerID] = info
}

// Workers returns a snapshot of the known workers sorted by host and dispatcher.
func (d *WorkerDiscovery) Workers() []WorkerInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()

	workers := make([]WorkerInfo, 0, len(d.workers))
	for _, info := range d.workers {
		workers = append(workers, info)
	}
	sort.Slice(workers, func(i, j int) bool {
		if workers[i].Host != workers[j].Host {
			return workers[i].Host < workers[j].Host
		}
		return workers[i].Dispatcher < workers[j].Dispatcher
	})
	return workers
}
