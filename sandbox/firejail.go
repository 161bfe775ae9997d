package sandbox

import (
	"context"
	"fmt"
	"os/exec"
)

type firejailStrategy struct{}

func (firejailStrategy) Kind() Kind { return KindFirejail }

func (firejailStrategy) Probe(ctx context.Context) error {
	if _, err := exec.LookPath("firejail"); err != nil {
		return fmt.Errorf("firejail not found on PATH: %w", err)
	}
	return nil
}

func (firejailStrategy) Compose(policy Policy, base Invocation) (Invocation, error) {
	cfg := policy.Firejail

	args := []string{
		"--noprofile",
		"--caps.drop=all",
		"--nonewprivs",
		"--nosound",
		"--no3d",
		"--private-tmp",
		"--private-dev",
		"--nodbus",
		"--machine-id",
		"--nogroups",
		"--disable-mnt",
	}
	if cfg.NoRoot {
		args = append(args, "--noroot")
	}
	if !cfg.Net {
		args = append(args, "--net=none")
	}
	if cfg.Profile != "" {
		args = append(args, "--profile="+cfg.Profile)
	}
	for _, path := range cfg.Whitelist {
		args = append(args, "--whitelist="+path)
	}
	for _, path := range cfg.ReadOnly {
		args = append(args, "--read-only="+path)
	}
	if cfg.NetFilter != "" {
		args = append(args, "--netfilter="+cfg.NetFilter)
	}

	args = append(args, "--")
	args = append(args, base.Path)
	args = append(args, base.Args...)

	return Invocation{Path: "firejail", Args: args, Env: base.Env}, nil
}
