// Package provision turns a freshly created, bare node into one capable
// of running the engines it was given: package installation and
// per-engine deployment of binaries/archives.
package provision

import (
	"context"
	"fmt"
	"path"
	"strings"

	multierror "github.com/hashicorp/go-multierror"

	"github.com/tilde-lab/yascheduler/engine"
	"github.com/tilde-lab/yascheduler/rshell"
)

// aptRetries bounds how many times the apt-get update/upgrade step is
// attempted before provisioning gives up on a node; transient mirror
// hiccups are common on freshly booted cloud images.
const aptRetries = 3

// Dialer opens a Runner to a freshly created node. In production this is
// rshell.Dial; tests substitute a fake that never touches the network.
type Dialer func(ctx context.Context, host, user string) (rshell.Runner, error)

// Provisioner installs the package set a node's platform requires and
// deploys every engine that supports that platform, using a Runner
// obtained from Dialer.
type Provisioner struct {
	dial             Dialer
	engines          engine.Repository
	reposDir         string // local directory holding engine archives/binaries referenced by LocalFilesDeploy/LocalArchiveDeploy steps
	remoteEnginesDir string // remote directory ([remote] engines_dir) engine binaries are deployed under
}

// New builds a Provisioner. reposDir is where this process keeps the
// local copies of engine deployment artifacts; remoteEnginesDir is the
// node-side directory ([remote] engines_dir) each engine gets its own
// subdirectory under.
func New(dial Dialer, engines engine.Repository, reposDir, remoteEnginesDir string) *Provisioner {
	return &Provisioner{dial: dial, engines: engines, reposDir: reposDir, remoteEnginesDir: remoteEnginesDir}
}

// Provision brings up one node end to end: dial it, update packages,
// install every package the node's platform's engines need, then run each
// supported engine's deploy steps. Directory creation and package
// install tolerate a retry; a partially deployed archive step may not.
func (p *Provisioner) Provision(ctx context.Context, ip, sshUser, platform string) error {
	runner, err := p.dial(ctx, ip, sshUser)
	if err != nil {
		return fmt.Errorf("provision %s: dial: %w", ip, err)
	}
	elevate := elevator(sshUser)

	if err := p.installPackages(runner, elevate, platform); err != nil {
		return fmt.Errorf("provision %s: install packages: %w", ip, err)
	}

	var result *multierror.Error
	for _, e := range p.engines.FilterPlatforms([]string{platform}) {
		if err := p.deployEngine(runner, e); err != nil {
			result = multierror.Append(result, fmt.Errorf("deploy %s: %w", e.Name, err))
		}
	}
	return result.ErrorOrNil()
}

// elevator wraps a command in a sudo invocation when the login user
// isn't already root.
func elevator(sshUser string) func(cmd string) string {
	if sshUser == "root" {
		return func(cmd string) string { return cmd }
	}
	return func(cmd string) string { return "sudo -n -- sh -c " + shellQuote(cmd) }
}

func (p *Provisioner) installPackages(runner rshell.Runner, elevate func(string) string, platform string) error {
	pkgs := p.engines.PlatformPackages(platform)

	cmd := elevate("export DEBIAN_FRONTEND=noninteractive; apt-get update && apt-get -y upgrade")
	var lastErr error
	for attempt := 0; attempt < aptRetries; attempt++ {
		code, _, stderr, err := runner.Run(cmd)
		if err == nil && code == 0 {
			lastErr = nil
			break
		}
		lastErr = fmt.Errorf("apt-get update: exit %d: %s", code, stderr)
	}
	if lastErr != nil {
		return lastErr
	}
	if len(pkgs) == 0 {
		return nil
	}

	install := "export DEBIAN_FRONTEND=noninteractive; apt-get install -y"
	for _, pkg := range pkgs {
		install += " " + pkg
	}
	code, _, stderr, err := runner.Run(elevate(install))
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("apt-get install: exit %d: %s", code, stderr)
	}
	return nil
}

// deployEngine dispatches on the concrete type of each of the engine's
// Deployable steps, in declaration order.
func (p *Provisioner) deployEngine(runner rshell.Runner, e *engine.Engine) error {
	remoteBase := path.Join(p.remoteEnginesDir, e.Name)
	if err := runner.MkdirAll(remoteBase); err != nil {
		return fmt.Errorf("mkdir %s: %w", remoteBase, err)
	}

	for _, step := range e.Deployable {
		var err error
		switch s := step.(type) {
		case engine.LocalFilesDeploy:
			err = p.deployLocalFiles(runner, remoteBase, s, e.Name)
		case engine.LocalArchiveDeploy:
			err = p.deployLocalArchive(runner, remoteBase, s, e.Name)
		case engine.RemoteArchiveDeploy:
			err = p.deployRemoteArchive(runner, remoteBase, s)
		default:
			err = fmt.Errorf("unknown deployable step %T", step)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *Provisioner) deployLocalFiles(runner rshell.Runner, remoteBase string, s engine.LocalFilesDeploy, engineName string) error {
	for _, name := range s.Files {
		local := path.Join(p.reposDir, engineName, name)
		remote := path.Join(remoteBase, name)
		if err := runner.Upload(local, remote); err != nil {
			return fmt.Errorf("upload %s: %w", name, err)
		}
		if err := runner.Chmod(remote, 0755); err != nil {
			return fmt.Errorf("chmod %s: %w", name, err)
		}
	}
	return nil
}

func (p *Provisioner) deployLocalArchive(runner rshell.Runner, remoteBase string, s engine.LocalArchiveDeploy, engineName string) error {
	local := path.Join(p.reposDir, engineName, s.Filename)
	remote := path.Join(remoteBase, s.Filename)
	if err := runner.Upload(local, remote); err != nil {
		return fmt.Errorf("upload archive %s: %w", s.Filename, err)
	}
	if err := extractArchive(runner, remote, remoteBase); err != nil {
		return err
	}
	return runner.Remove(remote)
}

func (p *Provisioner) deployRemoteArchive(runner rshell.Runner, remoteBase string, s engine.RemoteArchiveDeploy) error {
	remote := path.Join(remoteBase, "archive.tar.gz")
	fetch := fmt.Sprintf("curl -fsSL -o %s %s", shellQuote(remote), shellQuote(s.URL))
	code, _, stderr, err := runner.Run(fetch)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", s.URL, err)
	}
	if code != 0 {
		return fmt.Errorf("fetch %s: exit %d: %s", s.URL, code, stderr)
	}
	if err := extractArchive(runner, remote, remoteBase); err != nil {
		return err
	}
	return runner.Remove(remote)
}

func extractArchive(runner rshell.Runner, remoteArchive, destDir string) error {
	cmd := fmt.Sprintf("tar -xf %s -C %s", shellQuote(remoteArchive), shellQuote(destDir))
	code, _, stderr, err := runner.Run(cmd)
	if err != nil {
		return fmt.Errorf("extract %s: %w", remoteArchive, err)
	}
	if code != 0 {
		return fmt.Errorf("extract %s: exit %d: %s", remoteArchive, code, stderr)
	}
	return nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
