package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
[local]
data_dir = /srv/yascheduler
webhook_threads = 4

[remote]
user = ubuntu

[clouds]
openstack_login = demo
openstack_pass = secret
openstack_max_nodes = 10
openstack_public_key = /etc/yascheduler/keys/id_rsa.pub
linode_login = demo2
linode_max_nodes = 5

[db]
host = db.internal
name = prod

[engine.demo]
platforms = debian-10
spawn = {engine_path}/run.sh {task_path} {ncpus}
deploy = local_files:run.sh
packages.debian-10 = gfortran
`

func writeSample(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "yascheduler.conf")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0644))
	return path
}

func TestLoadAppliesFileOverDefaults(t *testing.T) {
	cfg, err := Load(writeSample(t))
	require.NoError(t, err)

	assert.Equal(t, "/srv/yascheduler", cfg.Local.DataDir)
	assert.Equal(t, 4, cfg.Local.WebhookThreads)
	assert.Equal(t, "./data/keys", cfg.Local.KeysDir) // untouched default survives

	assert.Equal(t, "ubuntu", cfg.Remote.User)
	assert.Equal(t, "/opt/yascheduler", cfg.Remote.DataDir) // default survives
}

func TestLoadParsesCloudsGroupedByProvider(t *testing.T) {
	cfg, err := Load(writeSample(t))
	require.NoError(t, err)

	require.Contains(t, cfg.Clouds, "openstack")
	assert.Equal(t, "demo", cfg.Clouds["openstack"].Login)
	assert.Equal(t, "secret", cfg.Clouds["openstack"].Password)
	assert.Equal(t, 10, cfg.Clouds["openstack"].MaxNodes)
	assert.Equal(t, "/etc/yascheduler/keys/id_rsa.pub", cfg.Clouds["openstack"].PublicKeyPath)

	require.Contains(t, cfg.Clouds, "linode")
	assert.Equal(t, 5, cfg.Clouds["linode"].MaxNodes)
	assert.Empty(t, cfg.Clouds["linode"].PublicKeyPath) // falls back to keys_dir/id_rsa.pub
}

func TestLoadParsesEngineSections(t *testing.T) {
	cfg, err := Load(writeSample(t))
	require.NoError(t, err)

	e, ok := cfg.Engines.Get("demo")
	require.True(t, ok)
	assert.True(t, e.SupportsPlatform("debian-10"))
	assert.Equal(t, []string{"gfortran"}, cfg.Engines.PlatformPackages("debian-10"))
}

func TestDSNIncludesOverriddenHost(t *testing.T) {
	cfg, err := Load(writeSample(t))
	require.NoError(t, err)
	assert.Contains(t, cfg.DB.DSN(), "host=db.internal")
	assert.Contains(t, cfg.DB.DSN(), "dbname=prod")
}
