package cloud

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tilde-lab/yascheduler/model"
)

type fakeProvider struct {
	name     string
	maxNodes int
	platform string
	sshUser  string

	mu      sync.Mutex
	created int
	deleted []string
	nextIP  int
	failNew bool
}

func (f *fakeProvider) Name() string     { return f.name }
func (f *fakeProvider) SSHUser() string  { return f.sshUser }
func (f *fakeProvider) MaxNodes() int    { return f.maxNodes }
func (f *fakeProvider) Platform() string { return f.platform }

func (f *fakeProvider) CreateNode(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNew {
		return "", assert.AnError
	}
	f.created++
	f.nextIP++
	return "10.0.0." + string(rune('0'+f.nextIP)), nil
}

func (f *fakeProvider) DeleteNode(ctx context.Context, ip string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, ip)
	return nil
}

type fakeStore struct {
	mu      sync.Mutex
	upserts []model.Node
	removed []string
}

func (s *fakeStore) UpsertNode(ctx context.Context, n model.Node) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts = append(s.upserts, n)
	return nil
}

func (s *fakeStore) RemoveNode(ctx context.Context, ip string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, ip)
	return nil
}

type fakeProvisioner struct {
	mu          sync.Mutex
	provisioned []string
}

func (p *fakeProvisioner) Provision(ctx context.Context, ip, sshUser, platform string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.provisioned = append(p.provisioned, ip)
	return nil
}

func discardLogger() log15.Logger {
	l := log15.New()
	l.SetHandler(log15.DiscardHandler())
	return l
}

func TestGetCapacitySumsFreeSlots(t *testing.T) {
	a := &fakeProvider{name: "a", maxNodes: 3}
	b := &fakeProvider{name: "b", maxNodes: 2}
	m := NewManager(&fakeStore{}, &fakeProvisioner{}, discardLogger(), a, b)

	resources := []model.Node{
		{IP: "10.0.0.1", Cloud: "a"},
		{IP: "10.0.0.2", Cloud: "b"},
		{IP: "10.0.0.3", Cloud: "b"},
	}
	assert.Equal(t, 2, m.GetCapacity(resources)) // a: 3-1=2, b: 2-2=0
}

func TestLoadReportsZeroWhenIdle(t *testing.T) {
	a := &fakeProvider{name: "a", maxNodes: 3}
	b := &fakeProvider{name: "b", maxNodes: 2}
	m := NewManager(&fakeStore{}, &fakeProvisioner{}, discardLogger(), a, b)

	assert.Equal(t, map[string]int{"a": 0, "b": 0}, m.Load())
}

func TestPickProviderPrefersFewestOwned(t *testing.T) {
	a := &fakeProvider{name: "a", maxNodes: 5}
	b := &fakeProvider{name: "b", maxNodes: 5}
	m := NewManager(&fakeStore{}, &fakeProvisioner{}, discardLogger(), a, b)

	owned := map[string]int{"a": 3, "b": 1}
	name, ok := m.pickProvider(owned)
	require.True(t, ok)
	assert.Equal(t, "b", name)
}

func TestPickProviderTieBreaksByName(t *testing.T) {
	a := &fakeProvider{name: "a", maxNodes: 5}
	b := &fakeProvider{name: "b", maxNodes: 5}
	m := NewManager(&fakeStore{}, &fakeProvisioner{}, discardLogger(), b, a)

	name, ok := m.pickProvider(map[string]int{})
	require.True(t, ok)
	assert.Equal(t, "a", name)
}

func TestAllocateDrainsIntoStoreAndProvisioner(t *testing.T) {
	a := &fakeProvider{name: "a", maxNodes: 5}
	store := &fakeStore{}
	prov := &fakeProvisioner{}
	m := NewManager(store, prov, discardLogger(), a)

	m.Allocate(1, nil)

	// An intent is immediately visible as a disabled, dotless placeholder
	// row tagged with the owning provider.
	store.mu.Lock()
	require.Len(t, store.upserts, 1)
	placeholder := store.upserts[0]
	store.mu.Unlock()
	assert.False(t, placeholder.IsReal())
	assert.False(t, placeholder.Enabled)
	assert.Equal(t, "a", placeholder.Cloud)

	// Draining swaps the placeholder row for the real node and kicks off
	// provisioning.
	require.Eventually(t, func() bool {
		m.DoAsyncWork(context.Background())
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.upserts) == 2
	}, time.Second, 5*time.Millisecond)

	store.mu.Lock()
	assert.Equal(t, []string{placeholder.IP}, store.removed)
	assert.True(t, store.upserts[1].IsReal())
	store.mu.Unlock()

	require.Eventually(t, func() bool {
		prov.mu.Lock()
		defer prov.mu.Unlock()
		return len(prov.provisioned) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestGetCapacityIgnoresPlaceholderRows(t *testing.T) {
	a := &fakeProvider{name: "a", maxNodes: 3}
	m := NewManager(&fakeStore{}, &fakeProvisioner{}, discardLogger(), a)
	m.pendingAlloc["a"] = 1

	// The placeholder row and the pending intent describe the same
	// mid-allocation node; only the intent may be counted.
	resources := []model.Node{
		{IP: "10.0.0.1", Cloud: "a"},
		{IP: "a-0123456789ab", Enabled: false, Cloud: "a"},
	}
	assert.Equal(t, 1, m.GetCapacity(resources))
}

func TestAllocateWithNoCapacityIsDropped(t *testing.T) {
	a := &fakeProvider{name: "a", maxNodes: 1}
	m := NewManager(&fakeStore{}, &fakeProvisioner{}, discardLogger(), a)
	m.pendingAlloc["a"] = 1 // already at capacity

	m.Allocate(1, nil)
	m.DoAsyncWork(context.Background())
	assert.Equal(t, 1, m.pendingAlloc["a"]) // unchanged, no goroutine spawned
}

func TestDeallocateIgnoresNonCloudNodes(t *testing.T) {
	a := &fakeProvider{name: "a", maxNodes: 5}
	store := &fakeStore{}
	m := NewManager(store, &fakeProvisioner{}, discardLogger(), a)

	m.Deallocate([]model.Node{{IP: "10.0.0.9", Cloud: ""}, {IP: "10.0.0.1", Cloud: "a"}})

	require.Eventually(t, func() bool {
		m.DoAsyncWork(context.Background())
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.removed) == 1
	}, time.Second, 5*time.Millisecond)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, []string{"10.0.0.1"}, store.removed)
}

func TestStopWaitsForInFlightCalls(t *testing.T) {
	a := &fakeProvider{name: "a", maxNodes: 5}
	m := NewManager(&fakeStore{}, &fakeProvisioner{}, discardLogger(), a)
	m.Allocate(1, nil)
	m.Stop() // must return once the in-flight CreateNode call has finished
}
