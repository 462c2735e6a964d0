package policy

import (
	"strconv"
	"strings"
)

// TargetKind classifies what open_application was asked to launch.
type TargetKind string

const (
	TargetURL  TargetKind = "url"
	TargetPath TargetKind = "path"
	TargetApp  TargetKind = "app"
)

// ExecVerdict is the result of EvaluateExecutionTarget.
type ExecVerdict struct {
	Verdict
	Target string
	Kind   TargetKind
}

// Err returns a *RejectedError for a refused target and nil otherwise.
func (v ExecVerdict) Err() error { return v.err(KindExecution) }

// EvaluateExecutionTarget refuses shell interpreters, script hosts and
// script-type files. URLs are always allowed here; their own checks happen
// in the opener.
func (e *Engine) EvaluateExecutionTarget(target string) ExecVerdict {
	t := strings.TrimSpace(target)
	v := ExecVerdict{Target: t}
	if t == "" {
		v.Reason = "execution target is empty"
		return v
	}

	lower := strings.ToLower(t)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		v.Kind = TargetURL
		v.Allowed = true
		return v
	}

	v.Kind = TargetApp
	if strings.ContainsAny(t, `/\`) {
		v.Kind = TargetPath
	}

	candidates := []string{baseName(lower)}
	if fields := strings.Fields(lower); len(fields) > 1 {
		candidates = append(candidates, baseName(fields[0]))
	}

	for _, base := range candidates {
		ext := ""
		stem := base
		if i := strings.LastIndex(base, "."); i > 0 {
			ext, stem = base[i:], base[:i]
		}
		if e.isBlockedName(base) || e.isBlockedName(stem) {
			v.Reason = "launching " + strconv.Quote(base) + " is not allowed (shell interpreter or script host)"
			return v
		}
		if _, blocked := e.execExts[ext]; blocked && ext != "" {
			v.Reason = "opening files with extension " + ext + " is not allowed"
			return v
		}
	}

	v.Allowed = true
	return v
}

func (e *Engine) isBlockedName(name string) bool {
	_, ok := e.execNames[name]
	return ok
}

// baseName returns the last path element using either separator, with the
// trailing dots and spaces Windows ignores removed.
func baseName(p string) string {
	if i := strings.LastIndexAny(p, `/\`); i >= 0 {
		p = p[i+1:]
	}
	return strings.TrimRight(p, " .")
}
