package policy

// Config holds the lists the engine evaluates against. It is read once at
// startup; an Engine built from it never changes.
type Config struct {
	// BlockedDirectories can never be touched, even when an allowlist entry
	// would cover them.
	BlockedDirectories []string `toml:"blocked_directories" json:"blockedDirectories"`
	// AllowedDirectories switches path evaluation to allowlist mode when
	// non-empty.
	AllowedDirectories         []string `toml:"allowed_directories" json:"allowedDirectories"`
	BlockedWriteExtensions     []string `toml:"blocked_write_extensions" json:"blockedWriteExtensions"`
	AllowedURLSchemes          []string `toml:"allowed_url_schemes" json:"allowedUrlSchemes"`
	BlockedHostnames           []string `toml:"blocked_hostnames" json:"blockedHostnames"`
	BlockedIPRanges            []string `toml:"blocked_ip_ranges" json:"blockedIpRanges"`
	BlockedExecutionNames      []string `toml:"blocked_execution_names" json:"blockedExecutionNames"`
	BlockedExecutionExtensions []string `toml:"blocked_execution_extensions" json:"blockedExecutionExtensions"`
}

// DefaultConfig returns the built-in protection lists.
func DefaultConfig() Config {
	return Config{
		BlockedDirectories: []string{
			`C:\Windows`,
			`C:\Program Files`,
			`C:\Program Files (x86)`,
			`C:\ProgramData`,
			"/etc",
			"/usr",
			"/bin",
			"/sbin",
			"/boot",
			"/lib",
			"/lib64",
			"/var",
			"/root",
			"/System",
			"/Library",
		},
		BlockedWriteExtensions: []string{
			".exe", ".bat", ".cmd", ".ps1", ".vbs", ".vbe", ".js", ".jse",
			".wsf", ".wsh", ".msc", ".scr", ".pif", ".com", ".hta", ".dll",
			".sys", ".drv", ".sh", ".bash", ".zsh", ".fish",
		},
		AllowedURLSchemes: []string{"http", "https"},
		BlockedHostnames: []string{
			"localhost",
			"localhost.localdomain",
			"metadata.google.internal",
			"metadata.goog",
			".localhost",
			".local",
			".internal",
		},
		BlockedIPRanges: []string{
			"0.0.0.0/8",
			"10.0.0.0/8",
			"100.64.0.0/10",
			"127.0.0.0/8",
			"169.254.0.0/16",
			"172.16.0.0/12",
			"192.0.0.0/24",
			"192.168.0.0/16",
			"198.18.0.0/15",
			"224.0.0.0/4",
			"240.0.0.0/4",
			"::/128",
			"::1/128",
			"::/96",
			"64:ff9b::/96",
			"64:ff9b:1::/48",
			"2002::/16",
			"fc00::/7",
			"fe80::/10",
			"fec0::/10",
			"ff00::/8",
		},
		BlockedExecutionNames: []string{
			"cmd", "powershell", "pwsh", "wscript", "cscript", "mshta",
			"regsvr32", "rundll32", "bash", "sh", "zsh", "fish", "dash",
			"ksh", "csh", "tcsh", "python", "python3", "perl", "ruby",
			"node", "osascript", "wsl", "msiexec", "reg", "regedit",
			"certutil", "bitsadmin",
		},
		BlockedExecutionExtensions: []string{
			".bat", ".cmd", ".ps1", ".vbs", ".vbe", ".js", ".jse", ".wsf",
			".wsh", ".msc", ".scr", ".pif", ".com", ".hta", ".sh", ".bash",
			".zsh", ".fish", ".command", ".reg", ".lnk", ".jar",
		},
	}
}
