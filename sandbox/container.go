package sandbox

import (
	"context"
	"fmt"
	"io"
	"os/exec"
)

// containerStrategy implements the Docker and Podman variants, which share
// the same flag grammar per spec.md §4.2; only the binary name and default
// image differ.
type containerStrategy struct {
	kind         Kind
	binary       string
	defaultImage string
}

func (c containerStrategy) Kind() Kind { return c.kind }

func (c containerStrategy) Probe(ctx context.Context) error {
	if _, err := exec.LookPath(c.binary); err != nil {
		return fmt.Errorf("%s not found on PATH: %w", c.binary, err)
	}
	cmd := exec.CommandContext(ctx, c.binary, "info")
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s info failed (daemon not reachable?): %w", c.binary, err)
	}
	return nil
}

func (c containerStrategy) Compose(policy Policy, base Invocation) (Invocation, error) {
	cfg := c.policyFor(policy)

	image := cfg.Image
	if image == "" {
		image = c.defaultImage
	}

	args := []string{
		"run", "--rm", "-i",
		"--security-opt", "no-new-privileges",
		"--cap-drop", "ALL",
		"--read-only",
	}
	if cfg.Memory != "" {
		args = append(args, "--memory", cfg.Memory)
	}
	if cfg.CPUs != "" {
		args = append(args, "--cpus", cfg.CPUs)
	}
	if !cfg.Network {
		args = append(args, "--network=none")
	}
	for _, m := range cfg.Mounts {
		spec := m.Host + ":" + m.Container
		if m.ReadOnly {
			spec += ":ro"
		}
		args = append(args, "--volume", spec)
	}
	if policy.WorkDir != "" {
		args = append(args, "--workdir", policy.WorkDir)
	}
	for _, kv := range base.Env {
		args = append(args, "-e", kv)
	}
	args = append(args, cfg.ExtraFlags...)
	args = append(args, image)
	args = append(args, base.Path)
	args = append(args, base.Args...)

	return Invocation{Path: c.binary, Args: args, Env: base.Env}, nil
}

func (c containerStrategy) policyFor(policy Policy) ContainerPolicy {
	if c.kind == KindPodman {
		return policy.Podman
	}
	return policy.Docker
}
