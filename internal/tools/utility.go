package tools

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/png"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/clawinfra/hostgate/internal/policy"
)

const (
	maxClipboard     = 5000
	clipboardTimeout = 10 * time.Second
	captureTimeout   = 30 * time.Second
)

func (h *host) utilityTools() []*Tool {
	return []*Tool{
		{
			Name:        "get_clipboard",
			Description: "Get the current text content of the system clipboard.",
			Handler:     h.getClipboard,
		},
		{
			Name:        "set_clipboard",
			Description: "Copy text to the system clipboard.",
			Params: []Param{
				{Name: "text", Type: "string", Description: "Text to copy", Required: true},
			},
			Handler: h.setClipboard,
		},
		{
			Name:        "open_application",
			Description: "Open an application by name, a file with its default application, or a URL in the browser.",
			Params: []Param{
				{Name: "app_name_or_path", Type: "string", Description: "Application name, file path or URL", Required: true},
			},
			Handler: h.openApplication,
		},
		{
			Name:        "take_screenshot",
			Description: "Capture the screen to a PNG file.",
			Params: []Param{
				{Name: "save_path", Type: "string", Description: "Where to save the PNG. Defaults to the hostgate data directory."},
			},
			Handler: h.takeScreenshot,
		},
	}
}

// firstSuccess runs each invocation in turn and returns the first one that
// exits zero.
func (h *host) firstSuccess(ctx context.Context, invs []Invocation) (RunResult, error) {
	var errs []error
	for _, inv := range invs {
		out, err := h.Runner.Run(ctx, inv)
		if err == nil && out.ExitCode == 0 {
			return out, nil
		}
		if err == nil {
			err = fmt.Errorf("%s: exit status %d: %s", inv.Name, out.ExitCode, strings.TrimSpace(out.Stderr))
		}
		errs = append(errs, err)
	}
	return RunResult{}, errors.Join(errs...)
}

func powershell(script string, timeout time.Duration) Invocation {
	return Invocation{Name: "powershell", Args: []string{"-NoProfile", "-NonInteractive", "-Command", script}, Timeout: timeout}
}

func clipboardReaders(goos string) []Invocation {
	switch goos {
	case "windows":
		return []Invocation{powershell("Get-Clipboard -Raw", clipboardTimeout)}
	case "darwin":
		return []Invocation{{Name: "pbpaste", Timeout: clipboardTimeout}}
	}
	return []Invocation{
		{Name: "wl-paste", Args: []string{"--no-newline"}, Timeout: clipboardTimeout},
		{Name: "xclip", Args: []string{"-selection", "clipboard", "-o"}, Timeout: clipboardTimeout},
		{Name: "xsel", Args: []string{"--clipboard", "--output"}, Timeout: clipboardTimeout},
	}
}

func clipboardWriters(goos, text string) []Invocation {
	var invs []Invocation
	switch goos {
	case "windows":
		invs = []Invocation{powershell("Set-Clipboard -Value ([Console]::In.ReadToEnd())", clipboardTimeout)}
	case "darwin":
		invs = []Invocation{{Name: "pbcopy", Timeout: clipboardTimeout}}
	default:
		invs = []Invocation{
			{Name: "wl-copy", Timeout: clipboardTimeout},
			{Name: "xclip", Args: []string{"-selection", "clipboard", "-i"}, Timeout: clipboardTimeout},
			{Name: "xsel", Args: []string{"--clipboard", "--input"}, Timeout: clipboardTimeout},
		}
	}
	for i := range invs {
		invs[i].Stdin = text
	}
	return invs
}

func (h *host) getClipboard(ctx context.Context, _ Args) (Result, error) {
	out, err := h.firstSuccess(ctx, clipboardReaders(h.GOOS))
	if err != nil {
		return errorResult("Failed to read clipboard: %v", err), nil
	}
	content := strings.TrimRight(out.Stdout, "\r\n")
	if content == "" {
		return Result{"status": "info", "message": "Clipboard is empty or contains non-text content."}, nil
	}
	content, truncated := truncate(content, maxClipboard, "")
	return Result{"status": "success", "content": content, "truncated": truncated}, nil
}

func (h *host) setClipboard(ctx context.Context, args Args) (Result, error) {
	text := args.String("text")
	if _, ok := args["text"]; !ok {
		return nil, fmt.Errorf("%w: text is required", ErrInvalidArgs)
	}
	if _, err := h.firstSuccess(ctx, clipboardWriters(h.GOOS, text)); err != nil {
		return errorResult("Failed to set clipboard: %v", err), nil
	}
	preview, _ := truncate(text, commandPreview, "...")
	return Result{
		"status":  "success",
		"message": "Text copied to clipboard.",
		"preview": preview,
		"length":  utf8.RuneCountInString(text),
	}, nil
}

// psQuote renders s as a single-quoted PowerShell literal. PowerShell also
// treats the typographic single quotes as delimiters, so they are doubled too.
func psQuote(s string) string {
	var b strings.Builder
	b.WriteByte('\'')
	for _, r := range s {
		switch r {
		case '\'', '\u2018', '\u2019', '\u201a', '\u201b':
			b.WriteRune(r)
		}
		b.WriteRune(r)
	}
	b.WriteByte('\'')
	return b.String()
}

// Matches "scheme:" prefixes but not Windows drive letters.
var uriScheme = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9+.\-]+:`)

func opener(goos, target string) Invocation {
	switch goos {
	case "windows":
		return powershell("Start-Process -FilePath "+psQuote(target), 0)
	case "darwin":
		if !strings.ContainsAny(target, `/\`) && !strings.Contains(target, "://") {
			return Invocation{Name: "open", Args: []string{"-a", target}}
		}
		return Invocation{Name: "open", Args: []string{target}}
	}
	return Invocation{Name: "xdg-open", Args: []string{target}}
}

func (h *host) openApplication(ctx context.Context, args Args) (Result, error) {
	raw, err := args.Require("app_name_or_path")
	if err != nil {
		return nil, err
	}

	v := h.Policy.EvaluateExecutionTarget(raw)
	if !v.Allowed {
		return nil, v.Err()
	}

	target := v.Target
	if v.Kind != policy.TargetURL && uriScheme.MatchString(target) {
		return nil, &policy.RejectedError{
			Kind:   policy.KindExecution,
			Reason: "only http and https URLs may be opened",
		}
	}
	switch v.Kind {
	case policy.TargetURL:
		if uv := h.Policy.EvaluateURL(ctx, target); !uv.Allowed {
			return nil, uv.Err()
		}
	case policy.TargetPath:
		resolved, err := h.checkPath(target, policy.Read)
		if err != nil {
			return nil, err
		}
		if _, err := os.Stat(resolved); err != nil {
			return errorResult("Application or file not found: '%s'.", raw), nil
		}
		target = resolved
	}

	if err := h.Runner.Start(opener(h.GOOS, target)); err != nil {
		return errorResult("Failed to open '%s': %v", raw, err), nil
	}
	h.logger.Info("application opened", "target", target, "kind", v.Kind)
	return Result{"status": "success", "message": fmt.Sprintf("Opened '%s'.", raw)}, nil
}

func captureCommands(goos, path string) []Invocation {
	switch goos {
	case "windows":
		quoted := psQuote(path)
		script := `Add-Type -AssemblyName System.Windows.Forms,System.Drawing; ` +
			`$b = [System.Windows.Forms.SystemInformation]::VirtualScreen; ` +
			`$bmp = New-Object System.Drawing.Bitmap $b.Width, $b.Height; ` +
			`$g = [System.Drawing.Graphics]::FromImage($bmp); ` +
			`$g.CopyFromScreen($b.Left, $b.Top, 0, 0, $bmp.Size); ` +
			`$bmp.Save(` + quoted + `, [System.Drawing.Imaging.ImageFormat]::Png)`
		return []Invocation{powershell(script, captureTimeout)}
	case "darwin":
		return []Invocation{{Name: "screencapture", Args: []string{"-x", path}, Timeout: captureTimeout}}
	}
	return []Invocation{
		{Name: "grim", Args: []string{path}, Timeout: captureTimeout},
		{Name: "gnome-screenshot", Args: []string{"-f", path}, Timeout: captureTimeout},
		{Name: "scrot", Args: []string{"--overwrite", path}, Timeout: captureTimeout},
		{Name: "import", Args: []string{"-window", "root", path}, Timeout: captureTimeout},
	}
}

func (h *host) takeScreenshot(ctx context.Context, args Args) (Result, error) {
	savePath := args.String("save_path")
	if strings.TrimSpace(savePath) == "" {
		name := "screenshot-" + time.Now().UTC().Format("20060102-150405") + ".png"
		savePath = filepath.Join(h.DataDir, "screenshots", name)
	}
	target, err := h.checkPath(savePath, policy.Write)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return errorResult("Failed to take screenshot: %v", err), nil
	}

	if _, err := h.firstSuccess(ctx, captureCommands(h.GOOS, target)); err != nil {
		return errorResult("Failed to take screenshot: %v", err), nil
	}

	res := Result{"status": "success", "message": "Screenshot captured.", "path": target}
	if f, err := os.Open(target); err == nil {
		if cfg, _, err := image.DecodeConfig(f); err == nil {
			res["resolution"] = fmt.Sprintf("%dx%d", cfg.Width, cfg.Height)
		}
		f.Close()
	}
	return res, nil
}
