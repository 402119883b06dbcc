package provision

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tilde-lab/yascheduler/engine"
	"github.com/tilde-lab/yascheduler/rshell"
)

type fakeRunner struct {
	commands []string
	mkdirs   []string
	uploads  [][2]string
	chmods   map[string]os.FileMode
	runErr   error
	runCode  int
}

func (f *fakeRunner) Run(cmd string) (int, string, string, error) {
	f.commands = append(f.commands, cmd)
	if f.runErr != nil {
		return -1, "", "", f.runErr
	}
	return f.runCode, "", "", nil
}
func (f *fakeRunner) SpawnDetached(cmd, cwd string) error { return nil }
func (f *fakeRunner) MkdirAll(dir string) error           { f.mkdirs = append(f.mkdirs, dir); return nil }
func (f *fakeRunner) Remove(remotePath string) error      { return nil }
func (f *fakeRunner) WriteFile(remotePath, content string) error { return nil }
func (f *fakeRunner) Upload(localPath, remotePath string) error {
	f.uploads = append(f.uploads, [2]string{localPath, remotePath})
	return nil
}
func (f *fakeRunner) Download(remotePath, localPath string) error { return nil }
func (f *fakeRunner) Chmod(remotePath string, mode os.FileMode) error {
	if f.chmods == nil {
		f.chmods = make(map[string]os.FileMode)
	}
	f.chmods[remotePath] = mode
	return nil
}
func (f *fakeRunner) Nproc() (int, error)                      { return 4, nil }
func (f *fakeRunner) ProcessRunning(pname string) (bool, error) { return false, nil }

var _ rshell.Runner = (*fakeRunner)(nil)

func newFakeDial(runner *fakeRunner) Dialer {
	return func(ctx context.Context, host, user string) (rshell.Runner, error) {
		return runner, nil
	}
}

func TestProvisionInstallsPackagesAndDeploysEngine(t *testing.T) {
	repo := engine.Repository{
		"demo": {
			Name:      "demo",
			Platforms: map[string]bool{"debian-10": true},
			Packages:  map[string][]string{"debian-10": {"gfortran"}},
			Deployable: []engine.Deployable{
				engine.LocalFilesDeploy{Files: []string{"run.sh"}},
			},
		},
	}
	runner := &fakeRunner{runCode: 0}
	p := New(newFakeDial(runner), repo, "/repos", "/opt/yascheduler/engines")

	err := p.Provision(context.Background(), "10.0.0.1", "root", "debian-10")
	require.NoError(t, err)

	require.Len(t, runner.commands, 2) // apt-get update, apt-get install
	assert.Contains(t, runner.commands[1], "gfortran")
	assert.Contains(t, runner.mkdirs, "/opt/yascheduler/engines/demo")
	require.Len(t, runner.uploads, 1)
	assert.Equal(t, "/repos/demo/run.sh", runner.uploads[0][0])
	assert.Equal(t, "/opt/yascheduler/engines/demo/run.sh", runner.uploads[0][1])
	assert.Equal(t, os.FileMode(0755), runner.chmods["/opt/yascheduler/engines/demo/run.sh"])
}

func TestProvisionSkipsUnsupportedPlatform(t *testing.T) {
	repo := engine.Repository{
		"demo": {Name: "demo", Platforms: map[string]bool{"centos-7": true}},
	}
	runner := &fakeRunner{runCode: 0}
	p := New(newFakeDial(runner), repo, "/repos", "/opt/yascheduler/engines")

	err := p.Provision(context.Background(), "10.0.0.1", "root", "debian-10")
	require.NoError(t, err)
	assert.Empty(t, runner.mkdirs)
}

func TestProvisionReportsAptFailure(t *testing.T) {
	repo := engine.Repository{
		"demo": {Name: "demo", Platforms: map[string]bool{"debian-10": true}, Packages: map[string][]string{"debian-10": {"gfortran"}}},
	}
	runner := &fakeRunner{runCode: 1}
	p := New(newFakeDial(runner), repo, "/repos", "/opt/yascheduler/engines")

	err := p.Provision(context.Background(), "10.0.0.1", "root", "debian-10")
	assert.Error(t, err)
}
