package webhook

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() log15.Logger {
	l := log15.New()
	l.SetHandler(log15.DiscardHandler())
	return l
}

func TestDeliversEventAsJSON(t *testing.T) {
	var got Event
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewPool(2, discardLogger())
	defer p.Stop()

	p.Enqueue(Event{TaskID: 42, Label: "demo", IP: "10.0.0.1", Status: 2, URL: srv.URL})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got.TaskID == 42
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, "demo", got.Label)
	assert.Equal(t, 2, got.Status)
}

func TestEventsWithoutURLAreDiscarded(t *testing.T) {
	p := NewPool(1, discardLogger())
	defer p.Stop()

	p.Enqueue(Event{TaskID: 1, URL: ""})
	assert.Len(t, p.queue, 0)
}

func TestPermanentFailureIsNotRetried(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	p := NewPool(1, discardLogger())
	p.Enqueue(Event{TaskID: 1, URL: srv.URL})
	p.Stop()

	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestStopDrainsQueuedEventsBeforeExiting(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewPool(1, discardLogger())
	for i := 0; i < 5; i++ {
		p.Enqueue(Event{TaskID: int64(i), URL: srv.URL})
	}
	p.Stop()

	assert.Equal(t, int32(5), atomic.LoadInt32(&hits))
}
