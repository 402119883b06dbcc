package providers

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/linode/linodego"
	"golang.org/x/oauth2"
)

// Linode implements cloud.Provider against the Linode API.
type Linode struct {
	client    linodego.Client
	region    string
	typ       string
	image     string
	rootPass  string
	publicKey string
	sshUser   string
	platform  string
	maxNodes  int
	counter   uint64
}

// NewLinode builds a provider bound to one Linode account. publicKey is
// the authorized_keys-format public key every created instance comes up
// carrying; rootPass is required by Linode's instance-create API even
// though login happens over that key.
func NewLinode(token, region, typ, image, rootPass, publicKey, sshUser, platform string, maxNodes int) *Linode {
	tokenSource := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	oauthClient := oauth2.NewClient(context.Background(), tokenSource)
	return &Linode{
		client:    linodego.NewClient(oauthClient),
		region:    region,
		typ:       typ,
		image:     image,
		rootPass:  rootPass,
		publicKey: publicKey,
		sshUser:   sshUser,
		platform:  platform,
		maxNodes:  maxNodes,
	}
}

func (l *Linode) Name() string     { return "linode" }
func (l *Linode) SSHUser() string  { return l.sshUser }
func (l *Linode) MaxNodes() int    { return l.maxNodes }
func (l *Linode) Platform() string { return l.platform }

// CreateNode creates one Linode instance and blocks until it is running
// with an assigned public IPv4 address.
func (l *Linode) CreateNode(ctx context.Context) (string, error) {
	n := atomic.AddUint64(&l.counter, 1)
	label := randomName("ys", uint64(time.Now().UnixNano())+n)

	instance, err := l.client.CreateInstance(ctx, linodego.InstanceCreateOptions{
		Label:          label,
		Region:         l.region,
		Type:           l.typ,
		Image:          l.image,
		RootPass:       l.rootPass,
		AuthorizedKeys: []string{l.publicKey},
	})
	if err != nil {
		return "", fmt.Errorf("linode: create instance %s: %w", label, err)
	}

	ip, err := l.waitForRunning(ctx, instance.ID)
	if err != nil {
		return "", err
	}
	if err := waitForSSH(ctx, ip); err != nil {
		return "", fmt.Errorf("linode: %w", err)
	}
	return ip, nil
}

func (l *Linode) waitForRunning(ctx context.Context, id int) (string, error) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
			instance, err := l.client.GetInstance(ctx, id)
			if err != nil {
				return "", fmt.Errorf("linode: poll instance %d: %w", id, err)
			}
			if instance.Status != linodego.InstanceRunning {
				continue
			}
			if len(instance.IPv4) == 0 {
				continue
			}
			return instance.IPv4[0].String(), nil
		}
	}
}

// DeleteNode deletes the instance matching ip, blocking until Linode
// accepts the deletion request.
func (l *Linode) DeleteNode(ctx context.Context, ip string) error {
	instances, err := l.client.ListInstances(ctx, nil)
	if err != nil {
		return fmt.Errorf("linode: list instances: %w", err)
	}
	for _, instance := range instances {
		for _, addr := range instance.IPv4 {
			if addr.String() == ip {
				if err := l.client.DeleteInstance(ctx, instance.ID); err != nil {
					return fmt.Errorf("linode: delete instance %d: %w", instance.ID, err)
				}
				return nil
			}
		}
	}
	return fmt.Errorf("linode: no instance found with ip %s", ip)
}
