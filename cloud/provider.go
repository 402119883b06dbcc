// Package cloud is the cloud elasticity controller: the abstract
// create/delete/capacity contract every provider implements, and the
// Manager that composes several of them, tracking per-provider ownership
// and driving allocation/deallocation on background workers so the
// scheduler's pass never blocks on a provider API call.
package cloud

import "context"

// Provider is implemented once per cloud backend. CreateNode and
// DeleteNode are both blocking: CreateNode waits until SSH answers
// before returning; DeleteNode waits until the provider acknowledges
// removal.
type Provider interface {
	// Name identifies this provider, matching the Node.Cloud tag used in
	// storage and the [clouds] config keys (<name>_login, <name>_pass,
	// <name>_max_nodes).
	Name() string

	// CreateNode provisions one fresh machine and blocks until it
	// responds to SSH, returning its public IP.
	CreateNode(ctx context.Context) (ip string, err error)

	// DeleteNode blocks until the provider confirms the node is gone.
	DeleteNode(ctx context.Context, ip string) error

	// SSHUser is the login user CreateNode's machines are reachable as.
	SSHUser() string

	// MaxNodes is this provider's configured cap on concurrently owned
	// nodes.
	MaxNodes() int

	// Platform is the OS platform tag (e.g. "debian-10") that
	// CreateNode's machines come up running, used to select which
	// engines' packages to install during provisioning.
	Platform() string
}
