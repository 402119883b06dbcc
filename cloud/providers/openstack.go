package providers

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gophercloud/gophercloud"
	"github.com/gophercloud/gophercloud/openstack"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/extensions/keypairs"
	"github.com/gophercloud/gophercloud/openstack/compute/v2/servers"
	"github.com/gophercloud/gophercloud/pagination"
)

// OpenStack implements cloud.Provider against a generic OpenStack
// compute endpoint.
type OpenStack struct {
	compute   *gophercloud.ServiceClient
	flavor    string
	image     string
	network   string
	keyName   string
	publicKey string
	sshUser   string
	platform  string
	maxNodes  int
	counter   uint64
	keyOnce   sync.Once
}

// NewOpenStack authenticates against authURL and returns a provider bound
// to the given project/domain scope. publicKey is the
// authorized_keys-format public key enrolled (as the "yascheduler"
// keypair) on every server this provider creates.
func NewOpenStack(authURL, username, password, domain, project, flavor, image, network, publicKey, sshUser, platform string, maxNodes int) (*OpenStack, error) {
	opts := gophercloud.AuthOptions{
		IdentityEndpoint: authURL,
		Username:         username,
		Password:         password,
		DomainName:       domain,
		TenantName:       project,
	}
	client, err := openstack.AuthenticatedClient(opts)
	if err != nil {
		return nil, fmt.Errorf("openstack: authenticate: %w", err)
	}
	compute, err := openstack.NewComputeV2(client, gophercloud.EndpointOpts{})
	if err != nil {
		return nil, fmt.Errorf("openstack: compute endpoint: %w", err)
	}
	return &OpenStack{
		compute:   compute,
		flavor:    flavor,
		image:     image,
		network:   network,
		keyName:   "yascheduler",
		publicKey: publicKey,
		sshUser:   sshUser,
		platform:  platform,
		maxNodes:  maxNodes,
	}, nil
}

func (o *OpenStack) Name() string     { return "openstack" }
func (o *OpenStack) SSHUser() string  { return o.sshUser }
func (o *OpenStack) MaxNodes() int    { return o.maxNodes }
func (o *OpenStack) Platform() string { return o.platform }

// CreateNode boots one server and blocks until it is ACTIVE with a fixed
// or floating IP assigned.
func (o *OpenStack) CreateNode(ctx context.Context) (string, error) {
	n := atomic.AddUint64(&o.counter, 1)
	name := randomName("ys", uint64(time.Now().UnixNano())+n)

	o.keyOnce.Do(func() {
		// Creating a keypair that already exists conflicts; the server
		// create below references it by name either way.
		_, _ = keypairs.Create(o.compute, keypairs.CreateOpts{
			Name:      o.keyName,
			PublicKey: o.publicKey,
		}).Extract()
	})

	opts := keypairs.CreateOptsExt{
		CreateOptsBuilder: servers.CreateOpts{
			Name:      name,
			FlavorRef: o.flavor,
			ImageRef:  o.image,
			Networks:  []servers.Network{{UUID: o.network}},
		},
		KeyName: o.keyName,
	}

	server, err := servers.Create(o.compute, opts).Extract()
	if err != nil {
		return "", fmt.Errorf("openstack: create server %s: %w", name, err)
	}

	ip, err := o.waitForActive(ctx, server.ID)
	if err != nil {
		return "", err
	}
	if err := waitForSSH(ctx, ip); err != nil {
		return "", fmt.Errorf("openstack: %w", err)
	}
	return ip, nil
}

func (o *OpenStack) waitForActive(ctx context.Context, id string) (string, error) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
			server, err := servers.Get(o.compute, id).Extract()
			if err != nil {
				return "", fmt.Errorf("openstack: poll server %s: %w", id, err)
			}
			if server.Status != "ACTIVE" {
				continue
			}
			if ip := firstAddress(server.Addresses); ip != "" {
				return ip, nil
			}
		}
	}
}

// firstAddress pulls the first IPv4 address out of gophercloud's nested
// addresses map (network name -> list of address entries).
func firstAddress(addresses map[string]interface{}) string {
	for _, raw := range addresses {
		entries, ok := raw.([]interface{})
		if !ok {
			continue
		}
		for _, e := range entries {
			entry, ok := e.(map[string]interface{})
			if !ok {
				continue
			}
			if version, ok := entry["version"].(float64); ok && version != 4 {
				continue
			}
			if addr, ok := entry["addr"].(string); ok && addr != "" {
				return addr
			}
		}
	}
	return ""
}

// DeleteNode deletes the server matching ip, blocking until OpenStack
// accepts the deletion request.
func (o *OpenStack) DeleteNode(ctx context.Context, ip string) error {
	pager := servers.List(o.compute, servers.ListOpts{})
	var serverID string
	err := pager.EachPage(func(page pagination.Page) (bool, error) {
		list, err := servers.ExtractServers(page)
		if err != nil {
			return false, err
		}
		for _, s := range list {
			if firstAddress(s.Addresses) == ip {
				serverID = s.ID
				return false, nil
			}
		}
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("openstack: list servers: %w", err)
	}
	if serverID == "" {
		return fmt.Errorf("openstack: no server found with ip %s", ip)
	}
	if err := servers.Delete(o.compute, serverID).ExtractErr(); err != nil {
		return fmt.Errorf("openstack: delete server %s: %w", serverID, err)
	}
	return nil
}
