package policy

// Rules is the data driving the engine. It is loaded once per run and never
// mutated afterwards.
type Rules struct {
	Tools    ToolRules    `yaml:"tools"`
	Commands CommandRules `yaml:"sandbox_policies"`
	Paths    PathRules    `yaml:"paths"`
	Network  NetworkRules `yaml:"network"`
	Limits   Limits       `yaml:"limits"`
}

type ToolRules struct {
	// Allow, when non-empty, is the whitelist of tool names.
	Allow []string `yaml:"allow"`
	Deny  []string `yaml:"deny"`
}

type CommandRules struct {
	// Allowed, when non-empty, is the whitelist of program names.
	Allowed             []string `yaml:"allowed_commands"`
	Blocked             []string `yaml:"blocked_commands"`
	ForbiddenSubstrings []string `yaml:"forbidden_substrings"`
}

type PathRules struct {
	// Deny holds glob patterns matched against cleaned relative paths and
	// their leading components.
	Deny []string `yaml:"deny"`
}

type NetworkRules struct {
	AllowedHosts []string `yaml:"allowed_hosts"`
	Schemes      []string `yaml:"schemes"`
}

type Limits struct {
	MaxTimeoutSeconds int `yaml:"max_timeout_seconds"`
	MaxContentBytes   int `yaml:"max_content_bytes"`
	MaxInvocations    int `yaml:"max_invocations"`
}

// DefaultRules returns the built-in rule set.
func DefaultRules() Rules {
	return Rules{
		Commands: CommandRules{
			Blocked: []string{
				"rm", "del", "format", "shutdown", "reboot", "net", "reg",
				"mkfs", "dd", "sudo", "su", "halt", "poweroff",
			},
			ForbiddenSubstrings: []string{
				"rm -rf /",
				":(){",
				"> /dev/sd",
				"/etc/shadow",
			},
		},
		Network: NetworkRules{
			Schemes: []string{"http", "https"},
		},
		Limits: Limits{
			MaxTimeoutSeconds: 300,
			MaxContentBytes:   100 << 20,
			MaxInvocations:    1000,
		},
	}
}
