package sandbox

import (
	"context"
	"fmt"
	"os/exec"
)

type bubblewrapStrategy struct{}

func (bubblewrapStrategy) Kind() Kind { return KindBubblewrap }

func (bubblewrapStrategy) Probe(ctx context.Context) error {
	if _, err := exec.LookPath("bwrap"); err != nil {
		return fmt.Errorf("bwrap not found on PATH: %w", err)
	}
	return nil
}

func (bubblewrapStrategy) Compose(policy Policy, base Invocation) (Invocation, error) {
	cfg := policy.Bubblewrap

	args := []string{
		"--unshare-all",
		"--die-with-parent",
		"--new-session",
		"--proc", "/proc",
		"--dev", "/dev",
		"--tmpfs", "/tmp",
	}
	if cfg.ShareNet {
		args = append(args, "--share-net")
	}
	for _, m := range cfg.ROBinds {
		args = append(args, "--ro-bind", m.Host, m.Container)
	}
	for _, m := range cfg.RWBinds {
		args = append(args, "--bind", m.Host, m.Container)
	}

	args = append(args, "--")
	args = append(args, base.Path)
	args = append(args, base.Args...)

	return Invocation{Path: "bwrap", Args: args, Env: base.Env}, nil
}
