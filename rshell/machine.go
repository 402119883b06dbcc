// Package rshell is the remote-shell manager: one authenticated session
// per node, offering the handful of capabilities the rest of the
// scheduler needs (run, spawn-detached, upload, download, mkdir/remove,
// and "is this process running"), built on golang.org/x/crypto/ssh plus
// github.com/pkg/sftp.
package rshell

import (
	"bytes"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/jpillora/backoff"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Machine is one authenticated session against a single node. It owns an
// *ssh.Client plus a lazily-created *sftp.Client for file transfer.
type Machine struct {
	Host string
	User string

	client *ssh.Client
	sftp   *sftp.Client
}

// dialTimeout bounds each individual SSH handshake attempt.
const dialTimeout = 15 * time.Second

// Dial establishes a Machine's session, authenticating with the private
// key at keysDir/<user>/id_rsa, falling back to keysDir/id_rsa, so an
// operator can keep one key per login user. It retries with exponential
// backoff up to maxTotal wall-clock time, covering the window where a
// freshly booted node's sshd isn't accepting connections yet.
func Dial(host, user, keysDir string, maxTotal time.Duration) (*Machine, error) {
	signer, err := loadSigner(keysDir, user)
	if err != nil {
		return nil, fmt.Errorf("rshell: load key for %s: %w", user, err)
	}

	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // nodes are short-lived, keys unknown in advance
		Timeout:         dialTimeout,
	}

	b := &backoff.Backoff{
		Min:    1 * time.Second,
		Max:    30 * time.Second,
		Factor: 2,
		Jitter: true,
	}

	deadline := time.Now().Add(maxTotal)
	var lastErr error
	for time.Now().Before(deadline) {
		client, err := ssh.Dial("tcp", host+":22", cfg)
		if err == nil {
			return &Machine{Host: host, User: user, client: client}, nil
		}
		lastErr = err
		time.Sleep(b.Duration())
	}
	return nil, fmt.Errorf("rshell: could not connect to %s after %s: %w", host, maxTotal, lastErr)
}

func loadSigner(keysDir, user string) (ssh.Signer, error) {
	candidates := []string{
		path.Join(keysDir, user, "id_rsa"),
		path.Join(keysDir, "id_rsa"),
	}
	var lastErr error
	for _, p := range candidates {
		key, err := os.ReadFile(p)
		if err != nil {
			lastErr = err
			continue
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", p, err)
		}
		return signer, nil
	}
	return nil, lastErr
}

// Close tears down the session's SFTP and SSH clients.
func (m *Machine) Close() error {
	var err error
	if m.sftp != nil {
		err = m.sftp.Close()
	}
	if cerr := m.client.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Run executes cmd synchronously via "sh -c", returning its exit code,
// stdout and stderr.
func (m *Machine) Run(cmd string) (exitCode int, stdout, stderr string, err error) {
	session, err := m.client.NewSession()
	if err != nil {
		return -1, "", "", fmt.Errorf("rshell: new session on %s: %w", m.Host, err)
	}
	defer session.Close()

	var outBuf, errBuf bytes.Buffer
	session.Stdout = &outBuf
	session.Stderr = &errBuf

	runErr := session.Run(cmd)
	stdout, stderr = outBuf.String(), errBuf.String()
	if runErr == nil {
		return 0, stdout, stderr, nil
	}
	if exitErr, ok := runErr.(*ssh.ExitError); ok {
		return exitErr.ExitStatus(), stdout, stderr, nil
	}
	return -1, stdout, stderr, fmt.Errorf("rshell: run %q on %s: %w", cmd, m.Host, runErr)
}

// SpawnDetached starts cmd under cwd such that it survives this session
// ending, equivalent to `nohup sh -c '<cmd>' >/dev/null 2>&1 &` run from
// cwd.
func (m *Machine) SpawnDetached(cmd, cwd string) error {
	session, err := m.client.NewSession()
	if err != nil {
		return fmt.Errorf("rshell: new session on %s: %w", m.Host, err)
	}
	defer session.Close()

	wrapped := fmt.Sprintf("cd %s && nohup sh -c %s >/dev/null 2>&1 &", shellQuote(cwd), shellQuote(cmd))
	if err := session.Start(wrapped); err != nil {
		return fmt.Errorf("rshell: spawn on %s: %w", m.Host, err)
	}
	// We deliberately don't Wait(): the backgrounded process detaches via
	// nohup and the parent shell returns almost immediately.
	return nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// MkdirAll creates a remote directory and any missing parents.
func (m *Machine) MkdirAll(dir string) error {
	sc, err := m.sftpClient()
	if err != nil {
		return err
	}
	if err := sc.MkdirAll(dir); err != nil {
		return fmt.Errorf("rshell: mkdir %s on %s: %w", dir, m.Host, err)
	}
	return nil
}

// Remove deletes a remote file or, recursively, a directory.
func (m *Machine) Remove(remotePath string) error {
	sc, err := m.sftpClient()
	if err != nil {
		return err
	}
	info, err := sc.Stat(remotePath)
	if err != nil {
		return fmt.Errorf("rshell: stat %s on %s: %w", remotePath, m.Host, err)
	}
	if !info.IsDir() {
		if err := sc.Remove(remotePath); err != nil {
			return fmt.Errorf("rshell: remove %s on %s: %w", remotePath, m.Host, err)
		}
		return nil
	}
	if _, _, _, err := m.Run(fmt.Sprintf("rm -rf %s", shellQuote(remotePath))); err != nil {
		return fmt.Errorf("rshell: rm -rf %s on %s: %w", remotePath, m.Host, err)
	}
	return nil
}

// WriteFile writes content to a remote path, creating/truncating it.
func (m *Machine) WriteFile(remotePath, content string) error {
	sc, err := m.sftpClient()
	if err != nil {
		return err
	}
	f, err := sc.Create(remotePath)
	if err != nil {
		return fmt.Errorf("rshell: create %s on %s: %w", remotePath, m.Host, err)
	}
	defer f.Close()
	if _, err := f.Write([]byte(content)); err != nil {
		return fmt.Errorf("rshell: write %s on %s: %w", remotePath, m.Host, err)
	}
	return nil
}

// Upload copies a local file to a remote path.
func (m *Machine) Upload(localPath, remotePath string) error {
	sc, err := m.sftpClient()
	if err != nil {
		return err
	}
	local, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("rshell: open local %s: %w", localPath, err)
	}
	defer local.Close()

	remote, err := sc.Create(remotePath)
	if err != nil {
		return fmt.Errorf("rshell: create remote %s on %s: %w", remotePath, m.Host, err)
	}
	defer remote.Close()

	if _, err := remote.ReadFrom(local); err != nil {
		return fmt.Errorf("rshell: upload %s to %s on %s: %w", localPath, remotePath, m.Host, err)
	}
	return nil
}

// Download copies a remote file to a local path.
func (m *Machine) Download(remotePath, localPath string) error {
	sc, err := m.sftpClient()
	if err != nil {
		return err
	}
	remote, err := sc.Open(remotePath)
	if err != nil {
		return fmt.Errorf("rshell: open remote %s on %s: %w", remotePath, m.Host, err)
	}
	defer remote.Close()

	local, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("rshell: create local %s: %w", localPath, err)
	}
	defer local.Close()

	if _, err := remote.WriteTo(local); err != nil {
		return fmt.Errorf("rshell: download %s from %s: %w", remotePath, m.Host, err)
	}
	return nil
}

// Chmod sets a remote file's mode.
func (m *Machine) Chmod(remotePath string, mode os.FileMode) error {
	sc, err := m.sftpClient()
	if err != nil {
		return err
	}
	if err := sc.Chmod(remotePath, mode); err != nil {
		return fmt.Errorf("rshell: chmod %s on %s: %w", remotePath, m.Host, err)
	}
	return nil
}

// Nproc asks the node for its CPU count via `nproc --all`.
func (m *Machine) Nproc() (int, error) {
	code, stdout, stderr, err := m.Run("nproc --all")
	if err != nil {
		return 0, err
	}
	if code != 0 {
		return 0, fmt.Errorf("rshell: nproc on %s exited %d: %s", m.Host, code, stderr)
	}
	var n int
	if _, err := fmt.Sscanf(strings.TrimSpace(stdout), "%d", &n); err != nil {
		return 0, fmt.Errorf("rshell: parse nproc output %q: %w", stdout, err)
	}
	return n, nil
}

// ProcessRunning reports whether any process named pname is running on
// the node.
func (m *Machine) ProcessRunning(pname string) (bool, error) {
	code, _, _, err := m.Run(fmt.Sprintf("pgrep -x %s", shellQuote(pname)))
	if err != nil {
		return false, err
	}
	// pgrep exits 0 if it found at least one match, 1 if none.
	return code == 0, nil
}

func (m *Machine) sftpClient() (*sftp.Client, error) {
	if m.sftp != nil {
		return m.sftp, nil
	}
	sc, err := sftp.NewClient(m.client)
	if err != nil {
		return nil, fmt.Errorf("rshell: open sftp on %s: %w", m.Host, err)
	}
	m.sftp = sc
	return sc, nil
}
