package providers

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/digitalocean/godo"
	"golang.org/x/crypto/ssh"
)

// DigitalOcean implements cloud.Provider against the DigitalOcean API.
type DigitalOcean struct {
	client      *godo.Client
	region      string
	size        string
	image       string
	publicKey   string
	fingerprint string
	sshUser     string
	platform    string
	maxNodes    int
	counter     uint64
	keyOnce     sync.Once
}

// NewDigitalOcean builds a provider bound to one DigitalOcean account.
// publicKey is the authorized_keys-format public key every created
// droplet comes up carrying; nodes are reachable by key, never by
// password.
func NewDigitalOcean(token, region, size, image, publicKey, sshUser, platform string, maxNodes int) (*DigitalOcean, error) {
	pk, _, _, _, err := ssh.ParseAuthorizedKey([]byte(publicKey))
	if err != nil {
		return nil, fmt.Errorf("digitalocean: parse public key: %w", err)
	}
	return &DigitalOcean{
		client:      godo.NewFromToken(token),
		region:      region,
		size:        size,
		image:       image,
		publicKey:   publicKey,
		fingerprint: ssh.FingerprintLegacyMD5(pk),
		sshUser:     sshUser,
		platform:    platform,
		maxNodes:    maxNodes,
	}, nil
}

func (d *DigitalOcean) Name() string     { return "digitalocean" }
func (d *DigitalOcean) SSHUser() string  { return d.sshUser }
func (d *DigitalOcean) MaxNodes() int    { return d.maxNodes }
func (d *DigitalOcean) Platform() string { return d.platform }

// CreateNode creates one droplet and blocks, polling, until DigitalOcean
// reports it active and an IPv4 address is assigned.
func (d *DigitalOcean) CreateNode(ctx context.Context) (string, error) {
	n := atomic.AddUint64(&d.counter, 1)
	name := randomName("ys", uint64(time.Now().UnixNano())+n)

	d.keyOnce.Do(func() {
		// Registering a key the account already knows fails; the droplet
		// create below references the key by fingerprint either way.
		_, _, _ = d.client.Keys.Create(ctx, &godo.KeyCreateRequest{
			Name:      "yascheduler",
			PublicKey: d.publicKey,
		})
	})

	req := &godo.DropletCreateRequest{
		Name:   name,
		Region: d.region,
		Size:   d.size,
		Image:  godo.DropletCreateImage{Slug: d.image},
		SSHKeys: []godo.DropletCreateSSHKey{
			{Fingerprint: d.fingerprint},
		},
	}
	droplet, _, err := d.client.Droplets.Create(ctx, req)
	if err != nil {
		return "", fmt.Errorf("digitalocean: create droplet %s: %w", name, err)
	}

	ip, err := d.waitForActive(ctx, droplet.ID)
	if err != nil {
		return "", err
	}
	if err := waitForSSH(ctx, ip); err != nil {
		return "", fmt.Errorf("digitalocean: %w", err)
	}
	return ip, nil
}

func (d *DigitalOcean) waitForActive(ctx context.Context, id int) (string, error) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
			droplet, _, err := d.client.Droplets.Get(ctx, id)
			if err != nil {
				return "", fmt.Errorf("digitalocean: poll droplet %d: %w", id, err)
			}
			if droplet.Status != "active" {
				continue
			}
			ip, err := droplet.PublicIPv4()
			if err != nil || ip == "" {
				continue
			}
			return ip, nil
		}
	}
}

// DeleteNode destroys the droplet matching ip, blocking until DigitalOcean
// accepts the deletion request.
func (d *DigitalOcean) DeleteNode(ctx context.Context, ip string) error {
	droplets, _, err := d.client.Droplets.List(ctx, &godo.ListOptions{PerPage: 200})
	if err != nil {
		return fmt.Errorf("digitalocean: list droplets: %w", err)
	}
	for _, droplet := range droplets {
		dip, err := droplet.PublicIPv4()
		if err == nil && dip == ip {
			if _, err := d.client.Droplets.Delete(ctx, droplet.ID); err != nil {
				return fmt.Errorf("digitalocean: delete droplet %d: %w", droplet.ID, err)
			}
			return nil
		}
	}
	return fmt.Errorf("digitalocean: no droplet found with ip %s", ip)
}
