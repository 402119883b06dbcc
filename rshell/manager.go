package rshell

import (
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"
	deadlock "github.com/sasha-s/go-deadlock"
)

// SSHUserFunc resolves the login user to use for a given node IP: the
// per-node cloud override if applicable, else the configured default.
type SSHUserFunc func(ip string) (user string)

// connectTimeout bounds session creation for a single node during
// reconciliation.
const connectTimeout = 2 * time.Minute

// Manager owns one Machine per live node and reconciles that set against
// the node registry once per scheduler pass.
type Manager struct {
	keysDir string
	dial    func(host, user, keysDir string, maxTotal time.Duration) (*Machine, error)
	mu      deadlock.RWMutex
	byIP    map[string]*Machine
}

// NewManager creates an empty Manager. keysDir is the directory private
// keys are loaded from ([local] keys_dir).
func NewManager(keysDir string) *Manager {
	return &Manager{keysDir: keysDir, dial: Dial, byIP: make(map[string]*Machine)}
}

// Reconcile closes sessions for nodes no longer present in wantIPs and
// opens sessions for new ones, using userFor to resolve each new node's
// login user. Errors opening individual nodes are aggregated and
// returned, but do not stop reconciliation of the others.
func (m *Manager) Reconcile(wantIPs []string, userFor SSHUserFunc) error {
	want := make(map[string]bool, len(wantIPs))
	for _, ip := range wantIPs {
		want[ip] = true
	}

	m.mu.Lock()
	current := make([]string, 0, len(m.byIP))
	for ip := range m.byIP {
		current = append(current, ip)
	}
	toClose, toOpen := diffSessions(current, want)
	closing := make(map[string]*Machine, len(toClose))
	for _, ip := range toClose {
		closing[ip] = m.byIP[ip]
		delete(m.byIP, ip)
	}
	m.mu.Unlock()

	var merr *multierror.Error
	for ip, machine := range closing {
		if err := machine.Close(); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("close session %s: %w", ip, err))
		}
	}

	sort.Strings(toOpen)
	for _, ip := range toOpen {
		machine, err := m.dial(ip, userFor(ip), m.keysDir, connectTimeout)
		if err != nil {
			merr = multierror.Append(merr, fmt.Errorf("open session %s: %w", ip, err))
			continue
		}
		m.mu.Lock()
		m.byIP[ip] = machine
		m.mu.Unlock()
	}

	return merr.ErrorOrNil()
}

// diffSessions computes which currently-open sessions should be closed
// (no longer wanted) and which wanted IPs need a new session opened.
// Pulled out as a pure function so it can be unit tested without a
// network.
func diffSessions(current []string, want map[string]bool) (toClose, toOpen []string) {
	haveNow := make(map[string]bool, len(current))
	for _, ip := range current {
		haveNow[ip] = true
		if !want[ip] {
			toClose = append(toClose, ip)
		}
	}
	for ip := range want {
		if !haveNow[ip] {
			toOpen = append(toOpen, ip)
		}
	}
	sort.Strings(toClose)
	sort.Strings(toOpen)
	return toClose, toOpen
}

// Get returns the session Runner for ip, or false if no session is open.
func (m *Manager) Get(ip string) (Runner, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	machine, ok := m.byIP[ip]
	if !ok {
		return nil, false
	}
	return machine, ok
}

// IPs returns the sorted set of nodes with an open session.
func (m *Manager) IPs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ips := make([]string, 0, len(m.byIP))
	for ip := range m.byIP {
		ips = append(ips, ip)
	}
	sort.Strings(ips)
	return ips
}

// CloseAll tears down every open session, e.g. on controller shutdown.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	machines := m.byIP
	m.byIP = make(map[string]*Machine)
	m.mu.Unlock()

	var merr *multierror.Error
	for ip, machine := range machines {
		if err := machine.Close(); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("close session %s: %w", ip, err))
		}
	}
	return merr.ErrorOrNil()
}
