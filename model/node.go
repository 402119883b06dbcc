package model

import "strings"

// Node is one worker machine, static or cloud-allocated.
type Node struct {
	IP      string
	NCPUs   int  // 0 means "unknown, ask the node"
	Enabled bool // false while mid-provisioning
	Cloud   string // provider name that owns this node, "" for static nodes
}

// IsReal reports whether IP is a genuine network address rather than a
// placeholder identifier assigned to a cloud node that hasn't yet learned
// its real address. Placeholder ids never contain a dot.
func (n Node) IsReal() bool {
	return strings.Contains(n.IP, ".")
}

// IsCloud reports whether this node is owned by a cloud provider.
func (n Node) IsCloud() bool {
	return n.Cloud != ""
}
