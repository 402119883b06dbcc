package providers

import (
	"context"
	"fmt"
	"net"
	"time"
)

// sshProbeInterval and sshProbeTimeout bound how CreateNode waits for a
// freshly booted node's SSH daemon to start accepting connections before
// returning. A bare TCP connect to port 22 is the cheapest probe
// available without this package depending on rshell's authenticated
// session machinery.
const (
	sshProbeInterval = 3 * time.Second
	sshProbeTimeout  = 5 * time.Minute
)

// waitForSSH blocks until ip accepts a TCP connection on port 22, or ctx
// is cancelled, or sshProbeTimeout elapses.
func waitForSSH(ctx context.Context, ip string) error {
	deadline := time.Now().Add(sshProbeTimeout)
	ticker := time.NewTicker(sshProbeInterval)
	defer ticker.Stop()

	for {
		conn, err := net.DialTimeout("tcp", net.JoinHostPort(ip, "22"), 5*time.Second)
		if err == nil {
			conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("providers: ssh never came up on %s: %w", ip, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
