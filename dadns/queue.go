/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package dadns

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/nsqio/go-diskqueue"
)

// DiskQueue is a durable FIFO of QueueItems backed by go-diskqueue segment
// files under <queue_root>/<name>. Items survive process restart; a consumed
// item is gone (no redelivery on crash mid-processing).
type DiskQueue struct {
	Name string
	dq   diskqueue.Interface
}

func dqLogf(lvl diskqueue.LogLevel, f string, args ...interface{}) {
	// go-diskqueue DEBUG chatter is per-message; drop it.
	if lvl >= diskqueue.INFO {
		log.Printf("diskqueue: "+f, args...)
	}
}

// NewDiskQueue opens (creating if needed) the named queue under root.
func NewDiskQueue(root, name string) (*DiskQueue, error) {
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("NewDiskQueue: creating %s: %w", dir, err)
	}
	dq := diskqueue.New(name, dir, 64*1024*1024, 0, 4*1024*1024, 2500, 2*time.Second, dqLogf)
	return &DiskQueue{Name: name, dq: dq}, nil
}

// Put appends an item to the queue.
func (q *DiskQueue) Put(item *QueueItem) error {
	buf, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("queue %s: marshal: %w", q.Name, err)
	}
	return q.dq.Put(buf)
}

// Get blocks for up to timeout waiting for the next item. The bool result is
// false on timeout. Undecodable payloads are dropped with a log line rather
// than wedging the queue head.
func (q *DiskQueue) Get(timeout time.Duration) (*QueueItem, bool) {
	select {
	case buf := <-q.dq.ReadChan():
		var item QueueItem
		if err := json.Unmarshal(buf, &item); err != nil {
			log.Printf("queue %s: dropping undecodable item: %v", q.Name, err)
			return nil, false
		}
		return &item, true
	case <-time.After(timeout):
		return nil, false
	}
}

// Depth returns the number of items currently queued.
func (q *DiskQueue) Depth() int64 {
	return q.dq.Depth()
}

// Close persists queue metadata and releases file handles.
func (q *DiskQueue) Close() error {
	return q.dq.Close()
}
