package engine

import (
	"testing"

	"github.com/go-ini/ini"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromSection(t *testing.T) {
	raw := `
[engine.demo]
platforms = debian-10,centos-7
input_files = in.txt
output_files = out.txt,out.log
spawn = {engine_path}/run.sh {task_path} {ncpus}
check_pname = demo_bin
deploy = local_files:run.sh,demo_bin ; remote_archive:https://example.com/demo.tar.gz
packages.debian-10 = gfortran,openmpi-bin
packages.centos-7 = gcc-gfortran
`
	cfg, err := ini.LoadSources(ini.LoadOptions{IgnoreInlineComment: true}, []byte(raw))
	require.NoError(t, err)

	e, err := FromSection("demo", cfg.Section("engine.demo"))
	require.NoError(t, err)

	assert.Equal(t, "demo", e.Name)
	assert.ElementsMatch(t, []string{"in.txt"}, e.InputFiles)
	assert.ElementsMatch(t, []string{"out.txt", "out.log"}, e.OutputFiles)
	assert.True(t, e.SupportsPlatform("debian-10"))
	assert.True(t, e.SupportsPlatform("centos-7"))
	assert.False(t, e.SupportsPlatform("windows"))
	assert.True(t, e.HasInput("in.txt"))
	assert.False(t, e.HasInput("missing.txt"))
	require.Len(t, e.Deployable, 2)
	assert.Equal(t, LocalFilesDeploy{Files: []string{"run.sh", "demo_bin"}}, e.Deployable[0])
	assert.Equal(t, RemoteArchiveDeploy{URL: "https://example.com/demo.tar.gz"}, e.Deployable[1])
	assert.ElementsMatch(t, []string{"gfortran", "openmpi-bin"}, e.Packages["debian-10"])
}

func TestFromSectionRequiresSpawn(t *testing.T) {
	raw := "[engine.bad]\nplatforms = debian-10\n"
	cfg, err := ini.Load([]byte(raw))
	require.NoError(t, err)

	_, err = FromSection("bad", cfg.Section("engine.bad"))
	assert.Error(t, err)
}

func TestParseDeployUnknownKind(t *testing.T) {
	_, err := parseDeploy("bogus:x")
	assert.Error(t, err)
}

func TestParseDeployMalformed(t *testing.T) {
	_, err := parseDeploy("local_files")
	assert.Error(t, err)
}
