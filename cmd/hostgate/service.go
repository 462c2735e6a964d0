package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"text/template"

	"github.com/spf13/cobra"

	"github.com/clawinfra/hostgate/internal/security"
)

const serviceLabel = "com.clawinfra.hostgate"

// Services have no stdio client attached, so they always serve HTTP.
const systemdUnitTemplate = `[Unit]
Description=hostgate host-control MCP server
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
WorkingDirectory={{.WorkDir}}
ExecStart={{.ExecPath}} serve --config {{.ConfigPath}}
Environment=HOSTGATE_TRANSPORT=http
Environment=HOSTGATE_JWT_SECRET={{.JWTSecret}}
Restart=on-failure
RestartSec=5s
StandardOutput=journal
StandardError=journal
SyslogIdentifier=hostgate

[Install]
WantedBy={{.WantedBy}}
`

const launchdPlistTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>Label</key>
	<string>{{.Label}}</string>
	<key>ProgramArguments</key>
	<array>
		<string>{{.ExecPath}}</string>
		<string>serve</string>
		<string>--config</string>
		<string>{{.ConfigPath}}</string>
	</array>
	<key>WorkingDirectory</key>
	<string>{{.WorkDir}}</string>
	<key>EnvironmentVariables</key>
	<dict>
		<key>HOSTGATE_TRANSPORT</key>
		<string>http</string>
		<key>HOSTGATE_JWT_SECRET</key>
		<string>{{html .JWTSecret}}</string>
		<key>PATH</key>
		<string>/usr/local/bin:/usr/bin:/bin:/usr/sbin:/sbin</string>
	</dict>
	<key>RunAtLoad</key>
	<true/>
	<key>KeepAlive</key>
	<dict>
		<key>SuccessfulExit</key>
		<false/>
	</dict>
	<key>StandardErrorPath</key>
	<string>{{.LogDir}}/hostgate.log</string>
	<key>ThrottleInterval</key>
	<integer>5</integer>
</dict>
</plist>
`

// serviceSpec is what the unit templates are rendered from.
type serviceSpec struct {
	Label      string
	ExecPath   string
	ConfigPath string
	WorkDir    string
	LogDir     string
	WantedBy   string
	JWTSecret  string
}

// serviceUnit is a rendered service definition and the commands that
// activate or remove it.
type serviceUnit struct {
	Manager    string
	Path       string
	Content    []byte
	Activate   [][]string
	Deactivate [][]string
}

var (
	errUnsupportedPlatform = errors.New("service install is supported on linux (systemd) and macOS (launchd)")
	errNoServiceSecret     = fmt.Errorf("%s must be set, the service would otherwise serve the HTTP API without authentication", security.SecretEnv)
	errServiceSecretChars  = fmt.Errorf("%s must not contain whitespace, quotes or backslashes to be written into a unit file", security.SecretEnv)
)

// checkServiceSecret rejects secrets that cannot be written verbatim into
// a unit file.
func checkServiceSecret(secret string) error {
	if secret == "" {
		return errNoServiceSecret
	}
	for _, r := range secret {
		if r <= ' ' || r == 0x7f || r == '"' || r == '\'' || r == '\\' {
			return errServiceSecretChars
		}
	}
	return nil
}

// buildService renders the unit for goos. root selects a system-wide
// service instead of a per-user one.
func buildService(goos string, root bool, home string, spec serviceSpec) (serviceUnit, error) {
	if err := checkServiceSecret(spec.JWTSecret); err != nil {
		return serviceUnit{}, err
	}
	switch goos {
	case "linux":
		u := serviceUnit{Manager: "systemd"}
		systemctl := []string{"systemctl", "--user"}
		spec.WantedBy = "default.target"
		// systemd expands % specifiers in Environment=.
		spec.JWTSecret = strings.ReplaceAll(spec.JWTSecret, "%", "%%")
		u.Path = filepath.Join(home, ".config", "systemd", "user", "hostgate.service")
		if root {
			systemctl = []string{"systemctl"}
			spec.WantedBy = "multi-user.target"
			u.Path = "/etc/systemd/system/hostgate.service"
		}
		content, err := renderTemplate("systemd", systemdUnitTemplate, spec)
		if err != nil {
			return u, err
		}
		u.Content = content
		u.Activate = [][]string{
			append(append([]string{}, systemctl...), "daemon-reload"),
			append(append([]string{}, systemctl...), "enable", "--now", "hostgate"),
		}
		u.Deactivate = [][]string{
			append(append([]string{}, systemctl...), "disable", "--now", "hostgate"),
			append(append([]string{}, systemctl...), "daemon-reload"),
		}
		return u, nil

	case "darwin":
		u := serviceUnit{Manager: "launchd"}
		spec.Label = serviceLabel
		u.Path = filepath.Join(home, "Library", "LaunchAgents", serviceLabel+".plist")
		if root {
			u.Path = filepath.Join("/Library", "LaunchDaemons", serviceLabel+".plist")
		}
		content, err := renderTemplate("launchd", launchdPlistTemplate, spec)
		if err != nil {
			return u, err
		}
		u.Content = content
		u.Activate = [][]string{{"launchctl", "load", u.Path}}
		u.Deactivate = [][]string{{"launchctl", "unload", u.Path}}
		return u, nil
	}
	return serviceUnit{}, errUnsupportedPlatform
}

func renderTemplate(name, text string, data any) ([]byte, error) {
	tmpl, err := template.New(name).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render %s unit: %w", name, err)
	}
	return buf.Bytes(), nil
}

// localService describes the service for the running binary and config.
// The unit carries the JWT secret from the environment.
func localService(configPath string) (serviceUnit, error) {
	execPath, err := os.Executable()
	if err != nil {
		return serviceUnit{}, fmt.Errorf("get executable path: %w", err)
	}
	configPath, err = filepath.Abs(configPath)
	if err != nil {
		return serviceUnit{}, fmt.Errorf("resolve config path: %w", err)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return serviceUnit{}, fmt.Errorf("find home directory: %w", err)
	}
	return buildService(runtime.GOOS, os.Geteuid() == 0, home, serviceSpec{
		ExecPath:   execPath,
		ConfigPath: configPath,
		WorkDir:    filepath.Dir(configPath),
		LogDir:     filepath.Join(home, "Library", "Logs"),
		JWTSecret:  os.Getenv(security.SecretEnv),
	})
}

func newServiceCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Install hostgate as a background service",
		Long: `Install or remove a systemd (Linux) or launchd (macOS) service that runs
'hostgate serve' with the HTTP transport. HOSTGATE_JWT_SECRET must be set;
it is written into the unit so the API always requires tokens.`,
	}

	var printOnly bool
	install := &cobra.Command{
		Use:   "install",
		Short: "Install and start the service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := localService(opts.configPath)
			if err != nil {
				return err
			}
			if printOnly {
				_, err := opts.stdout.Write(u.Content)
				return err
			}
			if err := os.MkdirAll(filepath.Dir(u.Path), 0o755); err != nil {
				return fmt.Errorf("create unit directory: %w", err)
			}
			// The unit holds the API secret.
			if err := os.WriteFile(u.Path, u.Content, 0o600); err != nil {
				return fmt.Errorf("write unit file: %w", err)
			}
			fmt.Fprintf(opts.stdout, "%s unit installed: %s\n", u.Manager, u.Path)
			runServiceCommands(cmd.Context(), opts.stdout, u.Activate)
			return nil
		},
	}
	install.Flags().BoolVar(&printOnly, "print", false, "Print the unit instead of installing it")

	uninstall := &cobra.Command{
		Use:   "uninstall",
		Short: "Stop and remove the service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := localService(opts.configPath)
			if err != nil {
				return err
			}
			runServiceCommands(cmd.Context(), opts.stdout, u.Deactivate[:1])
			if err := os.Remove(u.Path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("remove unit file: %w", err)
			}
			runServiceCommands(cmd.Context(), opts.stdout, u.Deactivate[1:])
			fmt.Fprintf(opts.stdout, "%s unit removed: %s\n", u.Manager, u.Path)
			return nil
		},
	}

	cmd.AddCommand(install, uninstall)
	return cmd
}

// runServiceCommands runs service manager commands. Failures are reported
// but do not undo the install; the printed command can be retried by hand.
func runServiceCommands(ctx context.Context, w io.Writer, cmds [][]string) {
	for _, args := range cmds {
		out, err := exec.CommandContext(ctx, args[0], args[1:]...).CombinedOutput()
		if err != nil {
			fmt.Fprintf(w, "warning: %v failed: %v %s\n", args, err, bytes.TrimSpace(out))
		}
	}
}
