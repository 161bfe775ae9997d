package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"

	"github.com/deepnoodle-ai/toolrouter/sandbox/proxy"
)

// Invocation is a fully-specified child-process invocation: the program to
// exec and its argv, plus the environment it should run with.
type Invocation struct {
	Path string
	Args []string
	Env  []string
}

// Strategy composes a Policy-specific command line around a base invocation.
// Implementations never touch the filesystem beyond what the policy
// describes; availability is probed separately via Probe.
type Strategy interface {
	Kind() Kind
	// Probe checks whether the underlying tool (docker, podman, firejail,
	// bwrap) is installed and usable on this host.
	Probe(ctx context.Context) error
	// Compose wraps base in the strategy's command line per the policy.
	Compose(policy Policy, base Invocation) (Invocation, error)
}

var strategies = map[Kind]Strategy{
	KindNone:       noneStrategy{},
	KindDocker:     containerStrategy{kind: KindDocker, defaultImage: "node:18-alpine", binary: "docker"},
	KindPodman:     containerStrategy{kind: KindPodman, defaultImage: "alpine:latest", binary: "podman"},
	KindFirejail:   firejailStrategy{},
	KindBubblewrap: bubblewrapStrategy{},
}

// probeCache memoizes availability checks per Kind for the process lifetime,
// since spec.md requires the probe to run once per distinct policy kind.
var probeCache = map[Kind]error{}

// Available reports whether kind's underlying tool is usable on this host,
// probing at most once per kind per process.
func Available(ctx context.Context, kind Kind) error {
	if err, ok := probeCache[kind]; ok {
		return err
	}
	strat, ok := strategies[kind]
	if !ok {
		err := fmt.Errorf("sandbox: unknown strategy %q", kind)
		probeCache[kind] = err
		return err
	}
	err := strat.Probe(ctx)
	probeCache[kind] = err
	return err
}

// Compose builds the concrete invocation for cmd/args/env under policy,
// expanding $VAR/${VAR} references in args against env first and the
// process environment second, then applying the policy's isolation
// strategy. It also arranges the network-proxy wrapping described in
// SPEC_FULL.md §4.2 when the policy sets AllowedDomains, returning a
// cleanup function that must be called once the backend is torn down.
func Compose(ctx context.Context, policy Policy, cmd string, args []string, env map[string]string) (Invocation, func(), error) {
	strat, ok := strategies[policy.Kind]
	if !ok {
		return Invocation{}, nil, fmt.Errorf("sandbox: unknown strategy %q", policy.Kind)
	}
	if err := Available(ctx, policy.Kind); err != nil {
		return Invocation{}, nil, fmt.Errorf("sandbox: strategy %q unavailable: %w", policy.Kind, err)
	}

	expandedArgs := make([]string, len(args))
	for i, a := range args {
		expandedArgs[i] = expandArg(a, env)
	}
	expandedEnv := make(map[string]string, len(env))
	for k, v := range env {
		expandedEnv[k] = expandArg(v, env)
	}

	cleanup := func() {}
	effectivePolicy := policy
	if len(policy.Network.AllowedDomains) > 0 {
		p := proxy.New(policy.Network.AllowedDomains, false)
		addr, err := p.Start()
		if err != nil {
			return Invocation{}, nil, fmt.Errorf("sandbox: failed to start domain-allowlist proxy: %w", err)
		}
		effectivePolicy.Network.HTTPProxy = "http://" + addr
		effectivePolicy.Network.HTTPSProxy = "http://" + addr
		cleanup = func() { p.Stop() }
	}

	baseEnv := BuildCommandEnv(nil, &effectivePolicy, expandedEnv)

	base := Invocation{Path: cmd, Args: expandedArgs, Env: baseEnv}
	wrapped, err := strat.Compose(effectivePolicy, base)
	if err != nil {
		cleanup()
		return Invocation{}, nil, err
	}
	return wrapped, cleanup, nil
}

// BuildCmd converts an Invocation into an *exec.Cmd with its path, argv and
// environment set. It leaves the standard streams unset: transport.StartLocal
// attaches the stdin/stdout pipes and discards stderr when it starts the cmd.
func BuildCmd(ctx context.Context, inv Invocation) *exec.Cmd {
	c := exec.CommandContext(ctx, inv.Path, inv.Args...)
	c.Env = inv.Env
	return c
}

var envRefPattern = regexp.MustCompile(`\$\{?([A-Za-z_][A-Za-z0-9_]*)\}?`)

// expandArg performs the textual $VAR / ${VAR} substitution described in
// spec.md §4.2: look up the backend's explicit env map first, fall back to
// the process environment, and leave unresolved references literal. This
// runs after the Command Gate's metacharacter check, so it is purely
// textual and never re-validates for shell safety.
func expandArg(arg string, env map[string]string) string {
	return envRefPattern.ReplaceAllStringFunc(arg, func(ref string) string {
		name := envRefPattern.FindStringSubmatch(ref)[1]
		if v, ok := env[name]; ok {
			return v
		}
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return ref
	})
}

type noneStrategy struct{}

func (noneStrategy) Kind() Kind { return KindNone }

func (noneStrategy) Probe(ctx context.Context) error { return nil }

func (noneStrategy) Compose(policy Policy, base Invocation) (Invocation, error) {
	return base, nil
}
