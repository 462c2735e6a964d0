package policy

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// AccessMode says whether a path is about to be read or written.
type AccessMode int

const (
	Read AccessMode = iota
	Write
)

func (m AccessMode) String() string {
	if m == Write {
		return "write"
	}
	return "read"
}

// PathVerdict is the result of EvaluatePath. Path is the normalized form the
// decision was made on and is what callers should operate on.
type PathVerdict struct {
	Verdict
	Path string
	Mode AccessMode
	// Foreign is set when Path was judged with Windows semantics on
	// another host. It does not name an absolute file here.
	Foreign bool
}

// Err returns a *RejectedError for a refused path and nil otherwise.
func (v PathVerdict) Err() error { return v.err(KindPath) }

// HostErr is Err for callers about to touch the filesystem. It also
// refuses foreign paths, which the host would resolve relative to the
// working directory.
func (v PathVerdict) HostErr() error {
	if err := v.Err(); err != nil {
		return err
	}
	if v.Foreign {
		return &RejectedError{Kind: KindPath, Reason: errForeignPath.Error()}
	}
	return nil
}

var (
	errEmptyPath    = errors.New("path is empty")
	errNullByte     = errors.New("path contains a null byte")
	errNotAbsolute  = errors.New("path is not absolute")
	errInvalidChars = errors.New("path contains an invalid character")
	errForeignPath  = errors.New("path uses Windows syntax, which is not absolute on this host")
)

// EvaluatePath decides whether raw may be accessed in the given mode.
// Blocked directories win over the allowlist.
func (e *Engine) EvaluatePath(raw string, mode AccessMode) PathVerdict {
	v := PathVerdict{Mode: mode}

	c, err := canonicalize(raw)
	if err != nil {
		v.Reason = err.Error()
		return v
	}
	v.Path = c.display
	v.Foreign = c.windows && runtime.GOOS != "windows"

	if mode == Write {
		if ext := c.ext(); ext != "" {
			if _, blocked := e.writeExts[ext]; blocked {
				v.Reason = "writing files with extension " + ext + " is not allowed"
				return v
			}
		}
	}

	for _, dir := range e.blockedDirs {
		if c.within(dir) {
			v.Reason = "path is inside a protected system directory (" + dir.display + ")"
			return v
		}
	}

	if len(e.allowedDirs) > 0 {
		for _, dir := range e.allowedDirs {
			if c.within(dir) {
				v.Allowed = true
				return v
			}
		}
		v.Reason = "path is outside the allowed directories"
		return v
	}

	v.Allowed = true
	return v
}

// canonicalPath is an absolute, cleaned path. key is the form used for
// comparisons and is case-folded where the filesystem is case-insensitive.
type canonicalPath struct {
	windows bool
	display string
	key     string
}

func (c canonicalPath) sep() string {
	if c.windows {
		return `\`
	}
	return string(filepath.Separator)
}

// within reports whether c equals parent or lies below it on a component
// boundary, so /etc2 is not inside /etc.
func (c canonicalPath) within(parent canonicalPath) bool {
	if c.windows != parent.windows {
		return false
	}
	if c.key == parent.key {
		return true
	}
	prefix := parent.key
	if !strings.HasSuffix(prefix, c.sep()) {
		prefix += c.sep()
	}
	return strings.HasPrefix(c.key, prefix)
}

// ext returns the lowercased extension of the final component. Trailing
// dots and spaces are dropped since Windows ignores them when creating files.
func (c canonicalPath) ext() string {
	base := c.key
	if i := strings.LastIndex(base, c.sep()); i >= 0 {
		base = base[i+1:]
	}
	base = strings.TrimRight(base, " .")
	i := strings.LastIndex(base, ".")
	if i < 0 {
		return ""
	}
	return strings.ToLower(base[i:])
}

func canonicalize(raw string) (canonicalPath, error) {
	if strings.TrimSpace(raw) == "" {
		return canonicalPath{}, errEmptyPath
	}
	if strings.ContainsRune(raw, 0) {
		return canonicalPath{}, errNullByte
	}
	if runtime.GOOS != "windows" && looksLikeWindows(raw) {
		return canonicalizeWindows(raw)
	}
	return canonicalizeNative(raw)
}

func canonicalizeNative(raw string) (canonicalPath, error) {
	abs, err := filepath.Abs(expandHome(raw))
	if err != nil {
		return canonicalPath{}, errors.New("cannot resolve path: " + err.Error())
	}
	resolved := filepath.Clean(resolveSymlinks(abs))
	key := resolved
	if caseInsensitiveFS() {
		key = strings.ToLower(key)
	}
	return canonicalPath{display: resolved, key: key}, nil
}

// looksLikeWindows matches drive paths (C:\, C:/, C:foo), UNC paths and
// backslash-rooted paths.
func looksLikeWindows(p string) bool {
	if len(p) >= 2 && isDriveLetter(p[0]) && p[1] == ':' {
		return true
	}
	return strings.HasPrefix(p, `\`)
}

func isDriveLetter(b byte) bool {
	return ('a' <= b && b <= 'z') || ('A' <= b && b <= 'Z')
}

// canonicalizeWindows applies Windows path semantics regardless of the host
// so that policy lists written for Windows behave the same everywhere.
func canonicalizeWindows(raw string) (canonicalPath, error) {
	s := strings.ReplaceAll(raw, "/", `\`)

	var volume, rest string
	switch {
	case strings.HasPrefix(s, `\\`):
		parts := strings.SplitN(s[2:], `\`, 3)
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			return canonicalPath{}, errNotAbsolute
		}
		volume = `\\` + parts[0] + `\` + parts[1]
		if len(parts) == 3 {
			rest = parts[2]
		}
	case len(s) >= 3 && isDriveLetter(s[0]) && s[1] == ':' && s[2] == '\\':
		volume = strings.ToUpper(s[:2])
		rest = s[3:]
	default:
		return canonicalPath{}, errNotAbsolute
	}

	var comps []string
	for _, comp := range strings.Split(rest, `\`) {
		switch comp {
		case "", ".":
			continue
		case "..":
			if len(comps) > 0 {
				comps = comps[:len(comps)-1]
			}
			continue
		}
		if strings.ContainsAny(comp, `:*?"<>|`) {
			return canonicalPath{}, errInvalidChars
		}
		comp = strings.TrimRight(comp, " .")
		if comp == "" {
			continue
		}
		comps = append(comps, comp)
	}

	display := volume + `\` + strings.Join(comps, `\`)
	return canonicalPath{windows: true, display: display, key: strings.ToLower(display)}, nil
}

// directoryVariants returns the canonical form of a configured directory and,
// when symlink resolution changes it, the lexical form too. Both are
// compared so that /bin keeps protecting /bin on merged-/usr systems.
func directoryVariants(dir string) ([]canonicalPath, error) {
	c, err := canonicalize(dir)
	if err != nil {
		return nil, err
	}
	out := []canonicalPath{c}
	if c.windows {
		return out, nil
	}
	abs, err := filepath.Abs(expandHome(dir))
	if err != nil {
		return out, nil
	}
	lexical := filepath.Clean(abs)
	key := lexical
	if caseInsensitiveFS() {
		key = strings.ToLower(key)
	}
	if key != c.key {
		out = append(out, canonicalPath{display: lexical, key: key})
	}
	return out, nil
}

// resolveSymlinks resolves symlinks in absPath. For paths that do not exist
// yet, the deepest existing ancestor is resolved and the rest re-appended.
func resolveSymlinks(absPath string) string {
	if resolved, err := filepath.EvalSymlinks(absPath); err == nil {
		return resolved
	}
	dir := absPath
	var tail []string
	for {
		parent := filepath.Dir(dir)
		tail = append([]string{filepath.Base(dir)}, tail...)
		if parent == dir {
			return absPath
		}
		if resolved, err := filepath.EvalSymlinks(parent); err == nil {
			return filepath.Join(append([]string{resolved}, tail...)...)
		}
		dir = parent
	}
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, `~\`) || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}

func caseInsensitiveFS() bool {
	return runtime.GOOS == "windows" || runtime.GOOS == "darwin"
}
