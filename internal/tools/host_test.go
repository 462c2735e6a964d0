package tools

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/clawinfra/hostgate/internal/audit"
	"github.com/clawinfra/hostgate/internal/confirm"
)

func TestDeleteFile_TwoPhase(t *testing.T) {
	env := newEnv(t, envOptions{})
	target := filepath.Join(env.dir, "report.txt")
	os.WriteFile(target, []byte("hello"), 0o644)

	res := env.call(t, "delete_file", map[string]any{"path": target})
	wantStatus(t, res, "confirmation_required")
	if res["action"] != "delete_file" {
		t.Errorf("action = %v", res["action"])
	}
	if !strings.HasPrefix(res["warning"].(string), "DESTRUCTIVE ACTION: Delete file") {
		t.Errorf("warning = %v", res["warning"])
	}
	if res["expires_in_seconds"] != 300 {
		t.Errorf("expires_in_seconds = %v, want 300", res["expires_in_seconds"])
	}
	if _, err := os.Stat(target); err != nil {
		t.Fatal("file removed before confirmation")
	}

	out := env.confirm(t, res)
	wantStatus(t, out, "success")
	if !strings.Contains(out["result"].(string), "Successfully deleted") {
		t.Errorf("result = %v", out["result"])
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Fatal("file still present after confirmation")
	}

	again := env.call(t, "confirm_action", map[string]any{"token": res["token"]})
	wantStatus(t, again, "error")
	wantMessage(t, again, "Invalid or already used")
}

func TestConfirm_ExpiredTokenDoesNotExecute(t *testing.T) {
	env := newEnv(t, envOptions{})
	target := filepath.Join(env.dir, "keep.txt")
	os.WriteFile(target, []byte("x"), 0o644)

	res := env.call(t, "delete_file", map[string]any{"path": target})
	env.clock.Advance(confirm.DefaultTTL + time.Second)

	out := env.confirm(t, res)
	wantStatus(t, out, "error")
	wantMessage(t, out, "expired")
	if _, err := os.Stat(target); err != nil {
		t.Fatal("expired token executed the deletion")
	}
	if len(env.gate.Pending()) != 0 {
		t.Error("expired token still pending")
	}
}

func TestConfirm_UnknownToken(t *testing.T) {
	env := newEnv(t, envOptions{})
	out := env.call(t, "confirm_action", map[string]any{"token": "00000000-0000-4000-8000-000000000000"})
	wantStatus(t, out, "error")
	wantMessage(t, out, "Invalid or already used")

	missing := env.call(t, "confirm_action", map[string]any{})
	wantStatus(t, missing, "error")
	wantMessage(t, missing, "token is required")
}

func TestConfirm_OperationFailureReported(t *testing.T) {
	env := newEnv(t, envOptions{})
	target := filepath.Join(env.dir, "vanishing.txt")
	os.WriteFile(target, []byte("x"), 0o644)

	res := env.call(t, "delete_file", map[string]any{"path": target})
	os.Remove(target)

	out := env.confirm(t, res)
	wantStatus(t, out, "error")
	wantMessage(t, out, "Action failed:")
	if out["action"] != "delete_file" {
		t.Errorf("action = %v", out["action"])
	}
}

func TestConfirm_PolicyRecheckedAtExecution(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires symlinks")
	}
	env := newEnv(t, envOptions{})
	src := filepath.Join(env.dir, "notes.txt")
	os.WriteFile(src, []byte("x"), 0o644)
	outDir := filepath.Join(env.dir, "out")
	os.Mkdir(outDir, 0o755)

	res := env.call(t, "move_file", map[string]any{
		"source":      src,
		"destination": filepath.Join(outDir, "notes.txt"),
	})
	wantStatus(t, res, "confirmation_required")

	// Swap the destination directory for a link into the protected tree.
	os.Remove(outDir)
	if err := os.Symlink(env.protected, outDir); err != nil {
		t.Fatal(err)
	}

	out := env.confirm(t, res)
	wantStatus(t, out, "error")
	wantMessage(t, out, "blocked by security policy")
	if _, err := os.Stat(filepath.Join(env.protected, "notes.txt")); !os.IsNotExist(err) {
		t.Fatal("file was moved into the protected directory")
	}
	if _, err := os.Stat(src); err != nil {
		t.Fatal("source removed despite rejection")
	}

	kinds := env.auditKinds(t)
	if kinds[len(kinds)-1] != audit.KindPolicyRejected {
		t.Errorf("last audit event = %s, want policy_rejected (all: %v)", kinds[len(kinds)-1], kinds)
	}
}

func TestConfirm_AuditTrail(t *testing.T) {
	env := newEnv(t, envOptions{})
	target := filepath.Join(env.dir, "a.txt")
	os.WriteFile(target, []byte("x"), 0o644)

	env.confirm(t, env.call(t, "delete_file", map[string]any{"path": target}))

	kinds := env.auditKinds(t)
	want := []string{string(confirm.EventIssued), string(confirm.EventRedeemed)}
	if strings.Join(kinds, ",") != strings.Join(want, ",") {
		t.Errorf("audit kinds = %v, want %v", kinds, want)
	}
}
