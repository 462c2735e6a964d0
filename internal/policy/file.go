package policy

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// LoadFile overlays the lists defined in a TOML policy file onto base. Keys
// missing from the file keep the base value; keys that are present replace
// it entirely, so an empty list clears a default.
func LoadFile(path string, base Config) (Config, error) {
	var file Config
	md, err := toml.DecodeFile(path, &file)
	if err != nil {
		return base, fmt.Errorf("decode policy file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return base, fmt.Errorf("policy file %s: unknown keys %v", path, undecoded)
	}

	out := base
	overlay := []struct {
		key string
		dst *[]string
		src []string
	}{
		{"blocked_directories", &out.BlockedDirectories, file.BlockedDirectories},
		{"allowed_directories", &out.AllowedDirectories, file.AllowedDirectories},
		{"blocked_write_extensions", &out.BlockedWriteExtensions, file.BlockedWriteExtensions},
		{"allowed_url_schemes", &out.AllowedURLSchemes, file.AllowedURLSchemes},
		{"blocked_hostnames", &out.BlockedHostnames, file.BlockedHostnames},
		{"blocked_ip_ranges", &out.BlockedIPRanges, file.BlockedIPRanges},
		{"blocked_execution_names", &out.BlockedExecutionNames, file.BlockedExecutionNames},
		{"blocked_execution_extensions", &out.BlockedExecutionExtensions, file.BlockedExecutionExtensions},
	}
	for _, o := range overlay {
		if md.IsDefined(o.key) {
			*o.dst = o.src
		}
	}
	return out, nil
}
