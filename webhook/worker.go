// Package webhook is the task-state notification pipeline: a fixed-size
// pool of workers draining one shared event queue and POSTing JSON
// notifications, with bounded retry on transient failure. Delivery at
// least once is the contract; duplicate notifications are possible and
// receivers must tolerate them.
package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/jpillora/backoff"
)

// maxDeliveryAttempts bounds the retry budget for one event before it is
// dropped as a permanent failure.
const maxDeliveryAttempts = 5

// Event is one task-state transition to notify about. Status is the
// task's numeric status code (TO_DO=0, RUNNING=1, DONE=2), the task
// row's status column serialized straight to JSON, not its string name.
type Event struct {
	TaskID int64  `json:"task_id"`
	Label  string `json:"label"`
	IP     string `json:"ip"`
	Status int    `json:"status"`
	URL    string `json:"-"`
}

// Pool is a fixed-size set of workers sharing one buffered event queue
// (4096 events); Enqueue blocks while the queue is full.
type Pool struct {
	queue   chan Event
	stop    chan struct{}
	done    chan struct{}
	client  *http.Client
	log     log15.Logger
	workers int
}

// NewPool starts n workers. Call Enqueue to publish events and
// Stop to shut the pool down cooperatively.
func NewPool(n int, logger log15.Logger) *Pool {
	if n < 1 {
		n = 1
	}
	p := &Pool{
		queue:   make(chan Event, 4096),
		stop:    make(chan struct{}),
		done:    make(chan struct{}, n),
		client:  &http.Client{Timeout: 10 * time.Second},
		log:     logger,
		workers: n,
	}
	for i := 0; i < n; i++ {
		go p.run()
	}
	return p
}

// Enqueue publishes an event. Events whose URL is empty are discarded
// immediately and never occupy a queue slot.
func (p *Pool) Enqueue(e Event) {
	if e.URL == "" {
		return
	}
	select {
	case p.queue <- e:
	case <-p.stop:
	}
}

// Stop signals every worker to deliver the events already queued and
// exit, then blocks until all of them have.
func (p *Pool) Stop() {
	close(p.stop)
	for i := 0; i < p.workers; i++ {
		<-p.done
	}
}

func (p *Pool) run() {
	defer func() { p.done <- struct{}{} }()
	for {
		select {
		case e := <-p.queue:
			p.deliver(e)
		case <-p.stop:
			// Drain whatever is already queued without blocking, so events
			// enqueued just before Stop() aren't silently lost, then exit.
			for {
				select {
				case e := <-p.queue:
					p.deliver(e)
				default:
					return
				}
			}
		}
	}
}

func (p *Pool) deliver(e Event) {
	body, err := json.Marshal(e)
	if err != nil {
		p.log.Error("webhook: marshal event failed, dropping", "task_id", e.TaskID, "err", err)
		return
	}

	b := &backoff.Backoff{Min: 500 * time.Millisecond, Max: 10 * time.Second, Factor: 2, Jitter: true}
	for attempt := 1; attempt <= maxDeliveryAttempts; attempt++ {
		ok, retryable, err := p.post(e.URL, body)
		if ok {
			return
		}
		if !retryable {
			p.log.Error("webhook: permanent delivery failure, dropping", "task_id", e.TaskID, "url", e.URL, "err", err)
			return
		}
		if attempt == maxDeliveryAttempts {
			p.log.Error("webhook: retry budget exhausted, dropping", "task_id", e.TaskID, "url", e.URL, "err", err)
			return
		}
		time.Sleep(b.Duration())
	}
}

// post makes one delivery attempt. ok means a 2xx was received. retryable
// distinguishes a transient failure (connection error, 5xx) from a
// permanent one (4xx) worth dropping without burning the retry budget.
func (p *Pool) post(url string, body []byte) (ok, retryable bool, err error) {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, false, fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return false, true, fmt.Errorf("webhook: post %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return true, false, nil
	}
	if resp.StatusCode >= 500 {
		return false, true, fmt.Errorf("webhook: %s responded %d", url, resp.StatusCode)
	}
	return false, false, fmt.Errorf("webhook: %s responded %d", url, resp.StatusCode)
}
