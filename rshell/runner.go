package rshell

import "os"

// Runner is the subset of *Machine's capabilities the rest of the
// scheduler depends on. Defined as an interface so the controller,
// provisioner and cloud manager can be tested against a fake instead of
// a real SSH session.
type Runner interface {
	Run(cmd string) (exitCode int, stdout, stderr string, err error)
	SpawnDetached(cmd, cwd string) error
	MkdirAll(dir string) error
	Remove(remotePath string) error
	WriteFile(remotePath, content string) error
	Upload(localPath, remotePath string) error
	Download(remotePath, localPath string) error
	Chmod(remotePath string, mode os.FileMode) error
	Nproc() (int, error)
	ProcessRunning(pname string) (bool, error)
}

var _ Runner = (*Machine)(nil)
