package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/clawinfra/hostgate/internal/audit"
	"github.com/clawinfra/hostgate/internal/console"
	"github.com/clawinfra/hostgate/internal/policy"
	"github.com/clawinfra/hostgate/internal/security"
)

// errBlocked makes `hostgate check` exit non-zero for a refused target.
var errBlocked = errors.New("blocked by security policy")

func newCheckCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Evaluate a path, URL or launch target against the security policy",
		Long: `Evaluate a value against the configured security policy without
touching it. Exits non-zero when the policy refuses it.`,
	}

	var write bool
	pathCmd := &cobra.Command{
		Use:   "path <path>",
		Short: "Check file system access",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := loadPolicy(opts)
			if err != nil {
				return err
			}
			mode := policy.Read
			if write {
				mode = policy.Write
			}
			v := eng.EvaluatePath(args[0], mode)
			subject := fmt.Sprintf("%s %s", v.Mode, v.Path)
			if v.Foreign {
				subject += " (Windows rules; tools refuse this path on " + runtime.GOOS + ")"
			}
			return printVerdict(opts.stdout, v.Verdict, subject)
		},
	}
	pathCmd.Flags().BoolVarP(&write, "write", "w", false, "Check write access instead of read access")

	urlCmd := &cobra.Command{
		Use:   "url <url>",
		Short: "Check an outbound request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := loadPolicy(opts)
			if err != nil {
				return err
			}
			v := eng.EvaluateURL(cmd.Context(), args[0])
			subject := args[0]
			if len(v.Addrs) > 0 {
				addrs := make([]string, len(v.Addrs))
				for i, a := range v.Addrs {
					addrs[i] = a.String()
				}
				subject = fmt.Sprintf("%s -> %s", v.Host, strings.Join(addrs, ", "))
			}
			return printVerdict(opts.stdout, v.Verdict, subject)
		},
	}

	execCmd := &cobra.Command{
		Use:   "exec <target>",
		Short: "Check an open_application target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := loadPolicy(opts)
			if err != nil {
				return err
			}
			v := eng.EvaluateExecutionTarget(args[0])
			return printVerdict(opts.stdout, v.Verdict, fmt.Sprintf("%s %s", v.Kind, v.Target))
		},
	}

	cmd.AddCommand(pathCmd, urlCmd, execCmd)
	return cmd
}

func loadPolicy(opts *rootOptions) (*policy.Engine, error) {
	cfg, _, err := loadSettings(opts.configPath, opts.stderr)
	if err != nil {
		return nil, err
	}
	return newPolicy(cfg)
}

func printVerdict(w io.Writer, v policy.Verdict, subject string) error {
	if v.Allowed {
		fmt.Fprintf(w, "allowed: %s\n", subject)
		return nil
	}
	fmt.Fprintf(w, "blocked: %s\n  reason: %s\n", subject, v.Reason)
	return errBlocked
}

func newTokenCmd(opts *rootOptions) *cobra.Command {
	var (
		role    string
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an API token",
		Long: `Mint a signed JWT for the HTTP API. The signing secret is read from
` + security.SecretEnv + `, the same variable the server uses.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := security.GetJWTSecret()
			if secret == nil {
				return fmt.Errorf("%s is not set", security.SecretEnv)
			}
			if subject == "" {
				subject = role
			}
			tok, err := security.GenerateToken(subject, role, secret, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(opts.stdout, tok)
			return nil
		},
	}
	cmd.Flags().StringVarP(&role, "role", "r", security.RoleAgent,
		"Role to grant ("+strings.Join(security.ValidRoles, ", ")+")")
	cmd.Flags().StringVarP(&subject, "subject", "s", "", "Token subject (defaults to the role)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	return cmd
}

func newAuditCmd(opts *rootOptions) *cobra.Command {
	var (
		limit  int
		verify bool
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show or verify the audit log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadSettings(opts.configPath, opts.stderr)
			if err != nil {
				return err
			}
			log, err := openAuditLog(cfg)
			if err != nil {
				return fmt.Errorf("open audit log: %w", err)
			}
			defer log.Close()

			if verify {
				events, err := log.Recent(cmd.Context(), 0)
				if err != nil {
					return err
				}
				if err := audit.Verify(events); err != nil {
					return err
				}
				fmt.Fprintf(opts.stdout, "audit chain intact: %d events\n", len(events))
				return nil
			}

			events, err := log.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printEvents(opts.stdout, events, asJSON)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of recent events to show (0 for all)")
	cmd.Flags().BoolVar(&verify, "verify", false, "Check the hash chain of the whole log")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print events as JSON lines")
	return cmd
}

func printEvents(w io.Writer, events []audit.Event, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		for _, e := range events {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil
	}
	if len(events) == 0 {
		fmt.Fprintln(w, "no audit events")
		return nil
	}
	for _, e := range events {
		line := fmt.Sprintf("%s  %-22s %s", e.Time.Local().Format(time.DateTime), e.Kind, e.Action)
		if e.Token != "" {
			line += " [" + e.Token + "]"
		}
		if e.Detail != "" {
			line += "  " + e.Detail
		}
		fmt.Fprintln(w, strings.TrimRight(line, " "))
	}
	return nil
}

func newWatchCmd(opts *rootOptions) *cobra.Command {
	var (
		apiURL  string
		token   string
		logPath string
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Open the live console for pending confirmations",
		Long: `Connect to a running hostgate HTTP API and show pending confirmations
next to the live audit stream. Selected confirmations can be approved or
denied from the console; that needs an owner token.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				token = os.Getenv("HOSTGATE_TOKEN")
			}
			logger := slog.New(slog.DiscardHandler)
			if logPath != "" {
				f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
				if err != nil {
					return fmt.Errorf("open log file: %w", err)
				}
				defer f.Close()
				logger = newLogger(f, "debug", "text")
			}
			return console.Run(cmd.Context(), console.NewClient(apiURL, token), logger)
		},
	}
	cmd.Flags().StringVarP(&apiURL, "url", "u", "http://127.0.0.1:8421", "Base URL of the hostgate API")
	cmd.Flags().StringVarP(&token, "token", "t", "", "API token (defaults to $HOSTGATE_TOKEN)")
	cmd.Flags().StringVar(&logPath, "log", "", "Write console logs to this file")
	return cmd
}
