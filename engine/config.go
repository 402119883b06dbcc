package engine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-ini/ini"
)

// FromSection builds an Engine from an [engine.<name>] config section. The
// section's recognized keys:
//
//	platforms       = debian-10,centos-7
//	input_files     = in.txt,structure.cif
//	output_files    = out.txt,out.log
//	spawn           = {engine_path}/run.sh {task_path} {ncpus}
//	check_pname     = vasp_std
//	check_cmd       = pgrep -f vasp
//	check_cmd_code  = 0
//	deploy          = local_files:run,run.sh ; remote_archive:https://example.com/pkg.tar.gz
//	packages.debian-10 = gfortran,openmpi-bin
//	packages.centos-7   = gcc-gfortran,openmpi
func FromSection(name string, sec *ini.Section) (*Engine, error) {
	e := &Engine{
		Name:         name,
		InputFiles:   splitList(sec.Key("input_files").String()),
		OutputFiles:  splitList(sec.Key("output_files").String()),
		Spawn:        sec.Key("spawn").String(),
		CheckPname:   sec.Key("check_pname").String(),
		CheckCmd:     sec.Key("check_cmd").String(),
		Platforms:    make(map[string]bool),
		Packages:     make(map[string][]string),
	}

	if e.Spawn == "" {
		return nil, fmt.Errorf("engine %s: spawn template is required", name)
	}

	for _, p := range splitList(sec.Key("platforms").String()) {
		e.Platforms[p] = true
	}

	if raw := sec.Key("check_cmd_code").String(); raw != "" {
		code, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("engine %s: check_cmd_code: %w", name, err)
		}
		e.CheckCmdCode = code
	}

	deployable, err := parseDeploy(sec.Key("deploy").String())
	if err != nil {
		return nil, fmt.Errorf("engine %s: deploy: %w", name, err)
	}
	e.Deployable = deployable

	for _, key := range sec.Keys() {
		const prefix = "packages."
		if strings.HasPrefix(key.Name(), prefix) {
			platform := strings.TrimPrefix(key.Name(), prefix)
			e.Packages[platform] = splitList(key.String())
		}
	}

	return e, nil
}

// parseDeploy parses the ";"-separated, ordered list of deployable action
// descriptors described above.
func parseDeploy(raw string) ([]Deployable, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	var steps []Deployable
	for _, part := range strings.Split(raw, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kind, payload, found := strings.Cut(part, ":")
		if !found {
			return nil, fmt.Errorf("malformed deploy step %q, expected kind:payload", part)
		}
		kind = strings.TrimSpace(kind)
		payload = strings.TrimSpace(payload)
		switch kind {
		case "local_files":
			steps = append(steps, LocalFilesDeploy{Files: splitList(payload)})
		case "local_archive":
			steps = append(steps, LocalArchiveDeploy{Filename: payload})
		case "remote_archive":
			steps = append(steps, RemoteArchiveDeploy{URL: payload})
		default:
			return nil, fmt.Errorf("unknown deploy step kind %q", kind)
		}
	}
	return steps, nil
}
