package policy

import (
	"context"
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

type fakeResolver map[string][]string

func (f fakeResolver) LookupNetIP(_ context.Context, _, host string) ([]netip.Addr, error) {
	raw, ok := f[host]
	if !ok {
		return nil, errors.New("no such host")
	}
	out := make([]netip.Addr, 0, len(raw))
	for _, s := range raw {
		out = append(out, netip.MustParseAddr(s))
	}
	return out, nil
}

func newTestEngine(t *testing.T, mutate func(*Config)) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := New(cfg, WithResolver(fakeResolver{
		"example.com":     {"93.184.216.34"},
		"dual.example":    {"93.184.216.34", "2606:2800:220:1::1"},
		"rebind.example":  {"93.184.216.34", "10.0.0.5"},
		"mapped.example":  {"::ffff:127.0.0.1"},
		"metadata.victim": {"169.254.169.254"},
		"api.github.com":  {"140.82.112.6"},
	}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("unix path semantics")
	}
}

// --- Path Tests ---

func TestEvaluatePath_WindowsSystemDirBlockedOnAnyHost(t *testing.T) {
	e := newTestEngine(t, nil)
	for _, p := range []string{
		`C:\Windows\System32\cmd.exe`,
		`c:/windows/system32/drivers/etc/hosts`,
		`C:\Users\me\..\..\Windows\notepad.exe`,
		`C:\Windows.\System32`,
		`C:\Program Files (x86)\app\app.ini`,
	} {
		v := e.EvaluatePath(p, Read)
		if v.Allowed {
			t.Errorf("expected %q to be blocked", p)
			continue
		}
		if !strings.Contains(v.Reason, "protected system directory") {
			t.Errorf("reason for %q = %q", p, v.Reason)
		}
	}
}

func TestEvaluatePath_WindowsComponentBoundary(t *testing.T) {
	e := newTestEngine(t, nil)
	v := e.EvaluatePath(`C:\WindowsApps\notes.txt`, Read)
	if !v.Allowed {
		t.Errorf("C:\\WindowsApps should not match C:\\Windows: %s", v.Reason)
	}
	if v.Path != `C:\WindowsApps\notes.txt` {
		t.Errorf("Path = %q", v.Path)
	}
}

func TestEvaluatePath_DocumentedExamples(t *testing.T) {
	e := newTestEngine(t, nil)
	tests := []struct {
		path    string
		mode    AccessMode
		allowed bool
	}{
		{`C:\Users\test\Documents\notes.txt`, Read, true},
		{`C:\Users\test\Documents\notes.txt`, Write, true},
		{`C:\Users\test\Downloads\ransomware.scr`, Write, false},
		{`C:\Users\test\Downloads\ransomware.scr`, Read, true},
		{`C:\Windows\System32\config\SAM`, Read, false},
	}
	for _, tt := range tests {
		v := e.EvaluatePath(tt.path, tt.mode)
		if v.Allowed != tt.allowed {
			t.Errorf("%s %s: allowed=%v reason=%q", tt.mode, tt.path, v.Allowed, v.Reason)
		}
	}
}

func TestEvaluatePath_ForeignOnNonWindowsHost(t *testing.T) {
	skipOnWindows(t)
	e := newTestEngine(t, nil)

	v := e.EvaluatePath(`C:\Users\me\note.txt`, Write)
	if !v.Allowed || !v.Foreign {
		t.Fatalf("verdict = %+v, want allowed and foreign", v)
	}
	if v.Err() != nil {
		t.Errorf("Err() = %v, want nil for the host-independent check", v.Err())
	}
	var rejected *RejectedError
	if err := v.HostErr(); !errors.As(err, &rejected) || rejected.Reason != errForeignPath.Error() {
		t.Errorf("HostErr() = %v, want foreign path rejection", err)
	}

	if native := e.EvaluatePath("/home/me/note.txt", Write); native.Foreign {
		t.Errorf("native verdict = %+v, want not foreign", native)
	}

	blocked := e.EvaluatePath(`C:\Windows\win.ini`, Read)
	if err := blocked.HostErr(); !errors.As(err, &rejected) || rejected.Reason != blocked.Reason {
		t.Errorf("blocked HostErr() = %v, want the policy reason", err)
	}
}

func TestEvaluatePath_WindowsNotAbsolute(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("native windows resolves these against the current drive")
	}
	e := newTestEngine(t, nil)
	for _, p := range []string{`C:relative\file.txt`, `\Windows\System32`} {
		v := e.EvaluatePath(p, Read)
		if v.Allowed || v.Reason != errNotAbsolute.Error() {
			t.Errorf("%q: allowed=%v reason=%q", p, v.Allowed, v.Reason)
		}
	}
}

func TestEvaluatePath_UnixSystemDirBlocked(t *testing.T) {
	skipOnWindows(t)
	e := newTestEngine(t, nil)
	for _, p := range []string{"/etc/passwd", "/etc", "/usr/bin/../../etc/shadow", "/root/.ssh/id_rsa"} {
		if v := e.EvaluatePath(p, Read); v.Allowed {
			t.Errorf("expected %q to be blocked", p)
		}
	}
	if v := e.EvaluatePath("/etc2/file", Read); !v.Allowed {
		t.Errorf("/etc2 must not match /etc: %s", v.Reason)
	}
}

func TestEvaluatePath_NullByteAndEmpty(t *testing.T) {
	e := newTestEngine(t, nil)
	if v := e.EvaluatePath("/tmp/foo\x00bar", Read); v.Allowed || v.Reason != errNullByte.Error() {
		t.Errorf("null byte: %+v", v)
	}
	if v := e.EvaluatePath("   ", Read); v.Allowed || v.Reason != errEmptyPath.Error() {
		t.Errorf("empty: %+v", v)
	}
}

func TestEvaluatePath_WriteExtension(t *testing.T) {
	dir := t.TempDir()
	e := newTestEngine(t, func(c *Config) {
		c.BlockedDirectories = []string{`C:\Windows`}
		c.AllowedDirectories = []string{dir}
	})

	for _, name := range []string{"evil.EXE", "run.ps1", "x.sh", "trailing.bat. "} {
		v := e.EvaluatePath(filepath.Join(dir, name), Write)
		if v.Allowed {
			t.Errorf("write of %q should be refused", name)
		}
	}
	if v := e.EvaluatePath(filepath.Join(dir, "evil.exe"), Read); !v.Allowed {
		t.Errorf("reading an .exe should be allowed: %s", v.Reason)
	}
	if v := e.EvaluatePath(filepath.Join(dir, "notes.txt"), Write); !v.Allowed {
		t.Errorf("writing a .txt should be allowed: %s", v.Reason)
	}
	if v := e.EvaluatePath(`D:\data\setup.exe`, Write); v.Allowed {
		t.Error("windows-style write of .exe should be refused")
	}
}

func TestEvaluatePath_Allowlist(t *testing.T) {
	skipOnWindows(t)
	root := t.TempDir()
	allowed := filepath.Join(root, "allowed")
	other := filepath.Join(root, "other")
	for _, d := range []string{allowed, other} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	e := newTestEngine(t, func(c *Config) {
		c.BlockedDirectories = []string{"/etc"}
		c.AllowedDirectories = []string{allowed}
	})
	if !e.AllowlistMode() {
		t.Fatal("expected allowlist mode")
	}

	if v := e.EvaluatePath(filepath.Join(allowed, "a", "b.txt"), Write); !v.Allowed {
		t.Errorf("nested path under allowlist refused: %s", v.Reason)
	}
	if v := e.EvaluatePath(allowed, Read); !v.Allowed {
		t.Errorf("allowlist root refused: %s", v.Reason)
	}
	v := e.EvaluatePath(filepath.Join(other, "x.txt"), Read)
	if v.Allowed || !strings.Contains(v.Reason, "outside the allowed directories") {
		t.Errorf("path outside allowlist: %+v", v)
	}
	if v := e.EvaluatePath(filepath.Join(allowed, "..", "other", "x.txt"), Read); v.Allowed {
		t.Error("dot-dot escape should be refused")
	}
}

func TestEvaluatePath_BlockedBeatsAllowlist(t *testing.T) {
	skipOnWindows(t)
	e := newTestEngine(t, func(c *Config) {
		c.BlockedDirectories = []string{"/etc"}
		c.AllowedDirectories = []string{"/"}
	})
	v := e.EvaluatePath("/etc/hosts", Read)
	if v.Allowed {
		t.Fatal("blocked directory must win over allowlist")
	}
	if !strings.Contains(v.Reason, "protected system directory") {
		t.Errorf("reason = %q", v.Reason)
	}
}

func TestEvaluatePath_SymlinkEscape(t *testing.T) {
	skipOnWindows(t)
	root := t.TempDir()
	allowed := filepath.Join(root, "allowed")
	secret := filepath.Join(root, "secret")
	for _, d := range []string{allowed, secret} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	link := filepath.Join(allowed, "link")
	if err := os.Symlink(secret, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	e := newTestEngine(t, func(c *Config) {
		c.BlockedDirectories = nil
		c.AllowedDirectories = []string{allowed}
	})

	if v := e.EvaluatePath(filepath.Join(link, "key.pem"), Read); v.Allowed {
		t.Error("symlink pointing outside the allowlist should be refused")
	}
	if v := e.EvaluatePath(filepath.Join(link, "new", "deeper", "file.txt"), Write); v.Allowed {
		t.Error("non-existent path below an escaping symlink should be refused")
	}
}

func TestEvaluatePath_VerdictErr(t *testing.T) {
	e := newTestEngine(t, nil)
	v := e.EvaluatePath(`C:\Windows\win.ini`, Read)
	err := v.Err()
	var rejected *RejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("expected *RejectedError, got %T", err)
	}
	if rejected.Kind != KindPath || rejected.Reason != v.Reason {
		t.Errorf("rejected = %+v", rejected)
	}
}

// --- URL Tests ---

func TestEvaluateURL(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	tests := []struct {
		url     string
		allowed bool
		reason  string
	}{
		{"https://example.com/page", true, ""},
		{"https://api.github.com", true, ""},
		{"http://dual.example/", true, ""},
		{"http://127.0.0.1:8080", false, "127.0.0.1"},
		{"http://169.254.169.254/latest/meta-data/", false, "169.254.169.254"},
		{"http://[::1]/", false, "::1"},
		{"http://[::ffff:127.0.0.1]/", false, "127.0.0.1"},
		{"http://[::127.0.0.1]/", false, "blocked"},
		{"http://[64:ff9b::7f00:1]/", false, "64:ff9b::7f00:1"},
		{"http://[64:ff9b:1::a00:1]/", false, "64:ff9b:1::a00:1"},
		{"http://[2002:7f00:1::]/", false, "2002:7f00:1::"},
		{"http://localhost:8080/", false, "localhost"},
		{"http://LOCALHOST./", false, "localhost"},
		{"http://printer.local/", false, "printer.local"},
		{"http://metadata.google.internal/", false, "metadata.google.internal"},
		{"http://api.localhost/", false, "api.localhost"},
		{"http://2130706433/", false, "127.0.0.1"},
		{"http://0x7f.1/", false, "127.0.0.1"},
		{"http://10.1.2.3/", false, "10.1.2.3"},
		{"http://rebind.example/", false, "resolves to a private"},
		{"http://mapped.example/", false, "resolves to a private"},
		{"http://metadata.victim/", false, "resolves to a private"},
		{"http://nowhere.example/", false, "unable to resolve"},
		{"file:///etc/passwd", false, "scheme"},
		{"ftp://example.com/", false, "scheme"},
		{"not a url", false, "invalid URL"},
		{"http:///nohost", false, "no hostname"},
	}
	for _, tt := range tests {
		v := e.EvaluateURL(ctx, tt.url)
		if v.Allowed != tt.allowed {
			t.Errorf("%s: allowed=%v reason=%q", tt.url, v.Allowed, v.Reason)
			continue
		}
		if !tt.allowed && !strings.Contains(v.Reason, tt.reason) {
			t.Errorf("%s: reason %q does not mention %q", tt.url, v.Reason, tt.reason)
		}
	}
}

func TestEvaluateURL_ReturnsResolvedAddrs(t *testing.T) {
	e := newTestEngine(t, nil)
	v := e.EvaluateURL(context.Background(), "https://dual.example/x")
	if !v.Allowed {
		t.Fatalf("refused: %s", v.Reason)
	}
	if len(v.Addrs) != 2 || v.Host != "dual.example" {
		t.Errorf("verdict = %+v", v)
	}
}

func TestEvaluateURL_EmbeddedIPv4(t *testing.T) {
	// Only IPv4 ranges configured: embedded addresses are still unpacked.
	e := newTestEngine(t, func(c *Config) {
		c.BlockedIPRanges = []string{"127.0.0.0/8", "10.0.0.0/8"}
	})
	tests := []struct {
		url     string
		allowed bool
	}{
		{"http://[::127.0.0.1]/", false},
		{"http://[64:ff9b::7f00:1]/", false},
		{"http://[2002:a00:1::]/", false},
		{"http://[2001:0:4136:e378:8000:63bf:80ff:fffe]/", false}, // teredo client 127.0.0.1
		{"http://[64:ff9b::5db8:d822]/", true},
		{"http://[2606:2800:220:1::1]/", true},
	}
	for _, tt := range tests {
		v := e.EvaluateURL(context.Background(), tt.url)
		if v.Allowed != tt.allowed {
			t.Errorf("%s: allowed=%v reason=%q", tt.url, v.Allowed, v.Reason)
		}
	}
}

func TestEmbeddedIPv4(t *testing.T) {
	tests := map[string]string{
		"::10.0.0.1":                          "10.0.0.1",
		"64:ff9b::c0a8:101":                   "192.168.1.1",
		"2002:a9fe:a9fe::1":                   "169.254.169.254",
		"2001:0:4136:e378:8000:63bf:3fff:fdd2": "192.0.2.45",
	}
	for in, want := range tests {
		got, ok := embeddedIPv4(netip.MustParseAddr(in))
		if !ok || got.String() != want {
			t.Errorf("embeddedIPv4(%s) = %v, %v; want %s", in, got, ok, want)
		}
	}
	for _, in := range []string{"2606:2800:220:1::1", "10.0.0.1", "fe80::1"} {
		if got, ok := embeddedIPv4(netip.MustParseAddr(in)); ok {
			t.Errorf("embeddedIPv4(%s) = %v, want none", in, got)
		}
	}
}

func TestParseLegacyIPv4(t *testing.T) {
	tests := map[string]string{
		"2130706433":  "127.0.0.1",
		"0x7f.1":      "127.0.0.1",
		"0177.0.0.1":  "127.0.0.1",
		"10.1":        "10.0.0.1",
		"192.168.257": "192.168.1.1",
	}
	for in, want := range tests {
		got, ok := parseLegacyIPv4(in)
		if !ok || got.String() != want {
			t.Errorf("parseLegacyIPv4(%q) = %v, %v; want %s", in, got, ok, want)
		}
	}
	for _, in := range []string{"example.com", "1.2.3.4.5", "256.1.1.1", ""} {
		if _, ok := parseLegacyIPv4(in); ok {
			t.Errorf("parseLegacyIPv4(%q) should fail", in)
		}
	}
}

// --- Execution Target Tests ---

func TestEvaluateExecutionTarget(t *testing.T) {
	e := newTestEngine(t, nil)
	tests := []struct {
		target  string
		allowed bool
		kind    TargetKind
	}{
		{"notepad", true, TargetApp},
		{"chrome.exe", true, TargetApp},
		{"https://example.com", true, TargetURL},
		{`C:\Users\me\report.pdf`, true, TargetPath},
		{"cmd", false, TargetApp},
		{"CMD.EXE", false, TargetApp},
		{"powershell.exe", false, TargetApp},
		{"pwsh", false, TargetApp},
		{`C:\Windows\System32\WindowsPowerShell\v1.0\powershell.exe`, false, TargetPath},
		{"/bin/bash", false, TargetPath},
		{"python3.12", false, TargetApp},
		{"script.ps1", false, TargetApp},
		{`D:\downloads\invoice.pdf.vbs`, false, TargetPath},
		{"run.bat. ", false, TargetApp},
		{"cmd /c del *", false, TargetPath},
		{"wsl", false, TargetApp},
		{"wsl.exe", false, TargetApp},
		{"msiexec", false, TargetApp},
		{"reg.exe", false, TargetApp},
		{"regedit", false, TargetApp},
		{"certutil.exe", false, TargetApp},
		{"bitsadmin", false, TargetApp},
		{"", false, ""},
	}
	for _, tt := range tests {
		v := e.EvaluateExecutionTarget(tt.target)
		if v.Allowed != tt.allowed {
			t.Errorf("%q: allowed=%v reason=%q", tt.target, v.Allowed, v.Reason)
		}
		if tt.target != "" && v.Kind != tt.kind {
			t.Errorf("%q: kind=%q want %q", tt.target, v.Kind, tt.kind)
		}
	}
}

// --- Construction Tests ---

func TestNew_InvalidRange(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BlockedIPRanges = append(cfg.BlockedIPRanges, "not-a-cidr")
	if _, err := New(cfg); err == nil {
		t.Fatal("expected error for invalid CIDR")
	}
}

func TestLoadFile_Overlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.toml")
	content := `
allowed_directories = ["/srv/share"]
blocked_hostnames = []
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	base := DefaultConfig()
	cfg, err := LoadFile(path, base)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if len(cfg.AllowedDirectories) != 1 || cfg.AllowedDirectories[0] != "/srv/share" {
		t.Errorf("AllowedDirectories = %v", cfg.AllowedDirectories)
	}
	if len(cfg.BlockedHostnames) != 0 {
		t.Errorf("explicit empty list should clear hostnames, got %v", cfg.BlockedHostnames)
	}
	if len(cfg.BlockedDirectories) != len(base.BlockedDirectories) {
		t.Error("keys absent from the file should keep defaults")
	}
}

func TestLoadFile_UnknownKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.toml")
	if err := os.WriteFile(path, []byte("blocked_dirs = [\"/x\"]\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(path, DefaultConfig()); err == nil {
		t.Fatal("expected unknown key error")
	}
}
