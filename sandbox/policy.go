// Package sandbox implements the Sandbox Composer: translating a sandbox
// policy plus a (cmd, args, env) triple into a concrete child-process
// invocation, wrapped in an external isolation tool's command line.
package sandbox

// Kind identifies which isolation strategy a policy selects.
type Kind string

const (
	KindNone       Kind = "none"
	KindDocker     Kind = "docker"
	KindPodman     Kind = "podman"
	KindFirejail   Kind = "firejail"
	KindBubblewrap Kind = "bubblewrap"
)

// Mount is a host-path -> container/sandbox-path bind, used by the
// container-based strategies (Docker, Podman) and by Bubblewrap's
// ro_binds/rw_binds.
type Mount struct {
	Host      string `json:"host" yaml:"host"`
	Container string `json:"container" yaml:"container"`
	ReadOnly  bool   `json:"read_only" yaml:"read_only"`
}

// ContainerPolicy holds the fields shared by Docker and Podman.
type ContainerPolicy struct {
	Image      string   `json:"image" yaml:"image"`
	Memory     string   `json:"mem" yaml:"mem"`
	CPUs       string   `json:"cpu" yaml:"cpu"`
	Network    bool     `json:"network" yaml:"network"`
	Mounts     []Mount  `json:"mounts" yaml:"mounts"`
	ExtraFlags []string `json:"extra_flags" yaml:"extra_flags"`
}

// FirejailPolicy configures the firejail strategy.
type FirejailPolicy struct {
	Profile   string   `json:"profile" yaml:"profile"`
	Whitelist []string `json:"whitelist" yaml:"whitelist"`
	ReadOnly  []string `json:"readonly" yaml:"readonly"`
	Net       bool     `json:"net" yaml:"net"`
	NoRoot    bool     `json:"no_root" yaml:"no_root"`
	NetFilter string   `json:"netfilter" yaml:"netfilter"`
}

// BubblewrapPolicy configures the bubblewrap strategy.
type BubblewrapPolicy struct {
	ROBinds  []Mount `json:"ro_binds" yaml:"ro_binds"`
	RWBinds  []Mount `json:"rw_binds" yaml:"rw_binds"`
	ShareNet bool    `json:"share_net" yaml:"share_net"`
}

// NetworkPolicy mirrors the teacher's proxy/domain-allowlist configuration,
// applied uniformly across strategies by the Composer before the
// strategy-specific flags are built.
type NetworkPolicy struct {
	AllowedDomains []string `json:"allowed_domains" yaml:"allowed_domains"`
	HTTPProxy      string   `json:"http_proxy" yaml:"http_proxy"`
	HTTPSProxy     string   `json:"https_proxy" yaml:"https_proxy"`
	NoProxy        []string `json:"no_proxy" yaml:"no_proxy"`
}

// Policy is the tagged-variant SandboxPolicy from the data model: exactly
// one of the Kind-specific fields is meaningful, selected by Kind.
type Policy struct {
	Kind       Kind             `json:"kind" yaml:"kind"`
	WorkDir    string           `json:"work_dir" yaml:"work_dir"`
	Network    NetworkPolicy    `json:"network" yaml:"network"`
	Docker     ContainerPolicy  `json:"docker" yaml:"docker"`
	Podman     ContainerPolicy  `json:"podman" yaml:"podman"`
	Firejail   FirejailPolicy   `json:"firejail" yaml:"firejail"`
	Bubblewrap BubblewrapPolicy `json:"bubblewrap" yaml:"bubblewrap"`
}

// NonePolicy returns a Policy that performs no isolation.
func NonePolicy() Policy {
	return Policy{Kind: KindNone}
}
