package cloud

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/inconshreveable/log15"
	deadlock "github.com/sasha-s/go-deadlock"

	"github.com/tilde-lab/yascheduler/model"
	"github.com/tilde-lab/yascheduler/rp"
)

// NodeStore is the narrow slice of the storage adapter the cloud manager
// needs: inserting newly created nodes and removing deleted ones. Kept
// narrow rather than injecting the whole store.Store, so this package
// does not need to import the scheduler's storage dependency surface.
type NodeStore interface {
	UpsertNode(ctx context.Context, n model.Node) error
	RemoveNode(ctx context.Context, ip string) error
}

// NodeProvisioner is the narrow capability the cloud manager needs to
// turn a freshly created node into a usable one: dial it and run the
// one-shot provisioning routine. The scheduler package supplies the real
// implementation (wiring in its rshell.Manager and engine.Repository)
// without this package needing to depend on either.
type NodeProvisioner interface {
	Provision(ctx context.Context, ip, sshUser, platform string) error
}

// perProviderConcurrency bounds how many CreateNode/DeleteNode calls the
// manager will have in flight against a single provider at once.
const perProviderConcurrency = 3

// allocResult is what a background allocation goroutine reports back.
type allocResult struct {
	provider    string
	taskID      int64
	placeholder string
	ip          string
	err         error
}

// deleteResult is what a background deletion goroutine reports back.
type deleteResult struct {
	provider string
	ip       string
	err      error
}

// Manager composes several Providers, accounting for capacity and
// fairness across them, and performs allocation/deallocation on its own
// background workers so the scheduler pass never blocks on a provider
// API call.
type Manager struct {
	providers map[string]Provider
	order     []string // provider names, sorted, for deterministic tie-break
	throttle  map[string]*rp.Protector

	store       NodeStore
	provisioner NodeProvisioner
	log         log15.Logger

	mu           deadlock.Mutex
	pendingAlloc map[string]int // provider -> intents not yet drained

	allocResults  chan allocResult
	deleteResults chan deleteResult

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager composes the given providers behind one cloud.Manager.
func NewManager(store NodeStore, provisioner NodeProvisioner, logger log15.Logger, providers ...Provider) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		providers:     make(map[string]Provider, len(providers)),
		throttle:      make(map[string]*rp.Protector, len(providers)),
		store:         store,
		provisioner:   provisioner,
		log:           logger,
		pendingAlloc:  make(map[string]int, len(providers)),
		allocResults:  make(chan allocResult, 64),
		deleteResults: make(chan deleteResult, 64),
		ctx:           ctx,
		cancel:        cancel,
	}
	for _, p := range providers {
		m.providers[p.Name()] = p
		m.throttle[p.Name()] = rp.New(p.Name()+"-create", 2*time.Second, perProviderConcurrency, 10*time.Minute)
		m.order = append(m.order, p.Name())
	}
	sort.Strings(m.order)
	return m
}

// GetCapacity returns the sum over providers of (max_nodes - current_owned),
// where current_owned counts resources currently tagged for that provider
// plus outstanding allocation intents not yet drained.
func (m *Manager) GetCapacity(resources []model.Node) int {
	owned := ownedCounts(resources)

	m.mu.Lock()
	defer m.mu.Unlock()

	total := 0
	for _, name := range m.order {
		p := m.providers[name]
		free := p.MaxNodes() - owned[name] - m.pendingAlloc[name]
		if free > 0 {
			total += free
		}
	}
	return total
}

// Load reports, per provider, how many CreateNode/DeleteNode calls are
// currently in flight against its throttle, used by the controller's
// per-pass stats output to show provider busyness.
func (m *Manager) Load() map[string]int {
	load := make(map[string]int, len(m.order))
	for _, name := range m.order {
		load[name] = m.throttle[name].InUse()
	}
	return load
}

// SSHUser returns the login user CreateNode's machines come up as for the
// named provider, used by the controller to open a session against a
// freshly allocated cloud node before it knows anything else about it.
func (m *Manager) SSHUser(providerName string) (string, bool) {
	p, ok := m.providers[providerName]
	if !ok {
		return "", false
	}
	return p.SSHUser(), true
}

// Allocate records an intent to provision one node on behalf of taskID,
// picking whichever provider currently has capacity and owns the fewest
// nodes (ties broken by provider name). Actual creation happens on a
// background goroutine; do_async_work later drains the result.
func (m *Manager) Allocate(taskID int64, resources []model.Node) {
	owned := ownedCounts(resources)

	m.mu.Lock()
	name, ok := m.pickProvider(owned)
	if ok {
		m.pendingAlloc[name]++
	}
	m.mu.Unlock()

	if !ok {
		m.log.Warn("cloud: no provider has capacity, dropping allocation intent", "task_id", taskID)
		return
	}

	// A mid-allocation node is visible in the registry under a dotless
	// placeholder id, disabled, until its real address is learned.
	placeholder := placeholderID(name)
	if err := m.store.UpsertNode(m.ctx, model.Node{IP: placeholder, Enabled: false, Cloud: name}); err != nil {
		m.log.Warn("cloud: recording placeholder node row failed", "provider", name, "err", err)
	}

	provider := m.providers[name]
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if m.ctx.Err() != nil {
			m.mu.Lock()
			m.pendingAlloc[name]--
			m.mu.Unlock()
			if err := m.store.RemoveNode(context.Background(), placeholder); err != nil {
				m.log.Error("cloud: remove placeholder node row failed", "ip", placeholder, "err", err)
			}
			return
		}
		throttle := m.throttle[name]
		receipt, err := throttle.Request(1)
		if err == nil {
			throttle.WaitUntilGranted(receipt)
			defer throttle.Release(receipt)
		}

		ip, err := provider.CreateNode(m.ctx)
		select {
		case m.allocResults <- allocResult{provider: name, taskID: taskID, placeholder: placeholder, ip: ip, err: err}:
		case <-m.ctx.Done():
		}
	}()
}

// placeholderID builds a registry key for a node that is still being
// created: provider name plus a short random suffix, guaranteed to
// contain no dot so the controller's real-node filter skips it.
func placeholderID(provider string) string {
	return provider + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// pickProvider chooses the provider with spare capacity that currently
// owns the fewest nodes (including pending intents), breaking ties by
// name. Caller must hold m.mu.
func (m *Manager) pickProvider(owned map[string]int) (string, bool) {
	best := ""
	bestCount := 0
	for _, name := range m.order {
		p := m.providers[name]
		current := owned[name] + m.pendingAlloc[name]
		if current >= p.MaxNodes() {
			continue
		}
		if best == "" || current < bestCount {
			best, bestCount = name, current
		}
	}
	return best, best != ""
}

// Deallocate records intents to delete the given nodes. Nodes with no
// known owning provider (Cloud=="" or an unrecognized provider name) are
// ignored; the manager only releases nodes it owns.
func (m *Manager) Deallocate(nodes []model.Node) {
	for _, n := range nodes {
		provider, ok := m.providers[n.Cloud]
		if !ok {
			continue
		}
		ip := n.IP
		m.wg.Add(1)
		go func(provider Provider, ip string) {
			defer m.wg.Done()
			if m.ctx.Err() != nil {
				return
			}
			throttle := m.throttle[provider.Name()]
			receipt, err := throttle.Request(1)
			if err == nil {
				throttle.WaitUntilGranted(receipt)
				defer throttle.Release(receipt)
			}
			err = provider.DeleteNode(m.ctx, ip)
			select {
			case m.deleteResults <- deleteResult{provider: provider.Name(), ip: ip, err: err}:
			case <-m.ctx.Done():
			}
		}(provider, ip)
	}
}

// DoAsyncWork is polled once per scheduler pass: it drains whatever
// allocation/deletion results have completed since the last call,
// inserting or removing node rows and kicking off provisioning for
// newly created nodes. Never blocks.
func (m *Manager) DoAsyncWork(ctx context.Context) {
	for {
		select {
		case res := <-m.allocResults:
			m.mu.Lock()
			m.pendingAlloc[res.provider]--
			m.mu.Unlock()
			m.handleAllocResult(ctx, res)
		case res := <-m.deleteResults:
			m.handleDeleteResult(ctx, res)
		default:
			return
		}
	}
}

func (m *Manager) handleAllocResult(ctx context.Context, res allocResult) {
	if err := m.store.RemoveNode(ctx, res.placeholder); err != nil {
		m.log.Error("cloud: remove placeholder node row failed", "ip", res.placeholder, "err", err)
	}
	if res.err != nil {
		m.log.Error("cloud: create node failed", "provider", res.provider, "task_id", res.taskID, "err", res.err)
		return
	}

	provider := m.providers[res.provider]
	node := model.Node{IP: res.ip, Enabled: false, Cloud: res.provider}
	if err := m.store.UpsertNode(ctx, node); err != nil {
		m.log.Error("cloud: insert node row failed", "ip", res.ip, "err", err)
		return
	}

	go func() {
		if err := m.provisioner.Provision(m.ctx, res.ip, provider.SSHUser(), provider.Platform()); err != nil {
			m.log.Error("cloud: provisioning failed, node stays disabled", "ip", res.ip, "err", err)
			return
		}
		node.Enabled = true
		if err := m.store.UpsertNode(m.ctx, node); err != nil {
			m.log.Error("cloud: enabling provisioned node failed", "ip", res.ip, "err", err)
		}
	}()
}

func (m *Manager) handleDeleteResult(ctx context.Context, res deleteResult) {
	if res.err != nil {
		m.log.Error("cloud: delete node failed, will retry", "provider", res.provider, "ip", res.ip, "err", res.err)
		return
	}
	if err := m.store.RemoveNode(ctx, res.ip); err != nil {
		m.log.Error("cloud: remove node row failed", "ip", res.ip, "err", err)
	}
}

// Stop cancels outstanding allocation/deletion intents that haven't
// started their provider call yet, but waits for in-flight provider
// calls to return before returning itself.
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
}

// ownedCounts counts cloud-owned registry rows per provider. Placeholder
// rows for mid-allocation nodes are excluded: pendingAlloc already
// accounts for those, and counting both would halve effective capacity.
func ownedCounts(resources []model.Node) map[string]int {
	owned := make(map[string]int)
	for _, n := range resources {
		if n.Cloud != "" && n.IsReal() {
			owned[n.Cloud]++
		}
	}
	return owned
}
