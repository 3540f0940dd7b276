// Package delivery sends detection events to the coordinator with bounded
// retries. Events that still fail go to an in-memory queue that is retried
// periodically and eventually dropped; nothing survives a restart.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"camfleet/api"
	"camfleet/client"
	"camfleet/utils"
)

var ErrQueued = errors.New("event queued for retry")

type Sender interface {
	SendEvent(ctx context.Context, event api.Event, image []byte) (api.EventResponse, error)
}

type Item struct {
	Event      api.Event
	Image      []byte
	RetryCount int
}

// Queue is a FIFO of events waiting for another delivery attempt
type Queue struct {
	mutex sync.Mutex
	items []Item
}

func (q *Queue) Push(items ...Item) {
	q.mutex.Lock()
	q.items = append(q.items, items...)
	q.mutex.Unlock()
}

// Drain removes and returns everything queued, oldest first
func (q *Queue) Drain() []Item {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *Queue) Len() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return len(q.items)
}

type Options struct {
	MaxAPIRetries   int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	RetryInterval   time.Duration
	MaxQueueRetries int
}

type Stats struct {
	Delivered uint64
	Queued    int
	Dropped   uint64
}

type Deliverer struct {
	sender Sender
	opts   Options
	queue  Queue

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

func New(sender Sender, opts Options) *Deliverer {
	if opts.MaxAPIRetries <= 0 {
		opts.MaxAPIRetries = 1
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 30 * time.Second
	}
	return &Deliverer{sender: sender, opts: opts}
}

// Deliver sends the event right away. Permanent rejections are returned as is.
// Once the retries run out the event is queued and ErrQueued is returned.
func (d *Deliverer) Deliver(ctx context.Context, event api.Event, image []byte) (api.EventResponse, error) {
	var resp api.EventResponse
	err := utils.Retry(ctx, d.opts.BaseDelay, d.opts.MaxDelay, d.opts.MaxAPIRetries, func() (err error) {
		resp, err = d.sender.SendEvent(ctx, event, image)
		return err
	}, client.IsPermanent)
	switch {
	case err == nil:
		d.delivered.Add(1)
		return resp, nil
	case client.IsPermanent(err):
		return resp, err
	}
	d.queue.Push(Item{Event: event, Image: image, RetryCount: 1})
	return resp, fmt.Errorf("%w: %v", ErrQueued, err)
}

// Flush makes one delivery attempt for every queued event
func (d *Deliverer) Flush(ctx context.Context) (delivered, requeued, dropped int) {
	items := d.queue.Drain()
	for i, item := range items {
		if ctx.Err() != nil {
			d.queue.Push(items[i:]...)
			requeued += len(items) - i
			return
		}
		_, err := d.sender.SendEvent(ctx, item.Event, item.Image)
		switch {
		case err == nil:
			d.delivered.Add(1)
			delivered++
			continue
		case client.IsPermanent(err):
			log.Printf("dropping event %s: %v", item.Event.ID, err)
			d.dropped.Add(1)
			dropped++
			continue
		}
		item.RetryCount++
		if item.RetryCount > d.opts.MaxQueueRetries {
			log.Printf("dropping event %s after %d retries: %v", item.Event.ID, item.RetryCount-1, err)
			d.dropped.Add(1)
			dropped++
			continue
		}
		d.queue.Push(item)
		requeued++
	}
	return
}

// Run flushes the queue every RetryInterval until ctx is done
func (d *Deliverer) Run(ctx context.Context) {
	ticker := time.NewTicker(d.opts.RetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if d.queue.Len() == 0 {
				continue
			}
			delivered, requeued, dropped := d.Flush(ctx)
			log.Printf("retry queue: %d delivered, %d requeued, %d dropped", delivered, requeued, dropped)
		}
	}
}

func (d *Deliverer) Stats() Stats {
	return Stats{Delivered: d.delivered.Load(), Queued: d.queue.Len(), Dropped: d.dropped.Load()}
}
