package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/clawinfra/hostgate/internal/confirm"
	"github.com/clawinfra/hostgate/internal/policy"
)

const (
	maxReadBytes      = 50 << 20
	maxSearchResults  = 200
	maxSearchVisited  = 100000
	defaultReadLines  = 500
	maxReadLinesLimit = 5000
)

func formatSize(n int64) string {
	size := float64(n)
	for _, unit := range []string{"B", "KB", "MB", "GB", "TB"} {
		if size < 1024 {
			return fmt.Sprintf("%.1f %s", size, unit)
		}
		size /= 1024
	}
	return fmt.Sprintf("%.1f PB", size)
}

func formatTime(t time.Time) string { return t.Format(time.RFC3339) }

// checkPath evaluates raw and returns the normalized path to operate on.
func (h *host) checkPath(raw string, mode policy.AccessMode) (string, error) {
	v := h.Policy.EvaluatePath(raw, mode)
	if err := v.HostErr(); err != nil {
		return "", err
	}
	return v.Path, nil
}

func statError(err error, path string) Result {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return errorResult("Path does not exist: %s", path)
	case errors.Is(err, fs.ErrPermission):
		return errorResult("Permission denied: %s", path)
	}
	return errorResult("Cannot access %s: %v", path, err)
}

func (h *host) fileTools() []*Tool {
	deleteFile := h.deferred("delete_file", h.execDelete)
	moveFile := h.deferred("move_file", h.execMove)

	return []*Tool{
		{
			Name:        "list_files",
			Description: "List files and directories at the specified path.",
			Params: []Param{
				{Name: "path", Type: "string", Description: "Directory to list", Required: true},
				{Name: "show_hidden", Type: "boolean", Description: "Include hidden files", Default: false},
			},
			Handler: h.listFiles,
		},
		{
			Name:        "read_file",
			Description: "Read the contents of a text file. Binary files return metadata instead.",
			Params: []Param{
				{Name: "path", Type: "string", Description: "File to read", Required: true},
				{Name: "max_lines", Type: "integer", Description: "Maximum lines to return (1-5000)", Default: defaultReadLines},
			},
			Handler: h.readFile,
		},
		{
			Name:        "write_file",
			Description: "Write text to a file, creating parent directories as needed.",
			Params: []Param{
				{Name: "path", Type: "string", Description: "File to write", Required: true},
				{Name: "content", Type: "string", Description: "Text content", Required: true},
				{Name: "append", Type: "boolean", Description: "Append instead of overwrite", Default: false},
			},
			Handler: h.writeFile,
		},
		{
			Name:        "create_directory",
			Description: "Create a directory and any missing parents.",
			Params: []Param{
				{Name: "path", Type: "string", Description: "Directory to create", Required: true},
			},
			Handler: h.createDirectory,
		},
		{
			Name:        "delete_file",
			Description: "Delete a file or directory (recursive). Requires confirmation.",
			Destructive: true,
			Params: []Param{
				{Name: "path", Type: "string", Description: "File or directory to delete", Required: true},
			},
			Handler: func(ctx context.Context, args Args) (Result, error) {
				return h.requestDelete(args, deleteFile)
			},
		},
		{
			Name:        "move_file",
			Description: "Move or rename a file or directory. Requires confirmation.",
			Destructive: true,
			Params: []Param{
				{Name: "source", Type: "string", Description: "Source path", Required: true},
				{Name: "destination", Type: "string", Description: "Destination path", Required: true},
			},
			Handler: func(ctx context.Context, args Args) (Result, error) {
				return h.requestMove(args, moveFile)
			},
		},
		{
			Name:        "copy_file",
			Description: "Copy a file or directory (recursive) to a new location.",
			Params: []Param{
				{Name: "source", Type: "string", Description: "Source path", Required: true},
				{Name: "destination", Type: "string", Description: "Destination path", Required: true},
			},
			Handler: h.copyFile,
		},
		{
			Name:        "search_files",
			Description: "Search for files whose names match a glob pattern.",
			Params: []Param{
				{Name: "path", Type: "string", Description: "Directory to search", Required: true},
				{Name: "pattern", Type: "string", Description: "Glob pattern, e.g. *.txt", Required: true},
				{Name: "recursive", Type: "boolean", Description: "Search subdirectories", Default: true},
			},
			Handler: h.searchFiles,
		},
		{
			Name:        "get_file_info",
			Description: "Get detailed information about a file or directory.",
			Params: []Param{
				{Name: "path", Type: "string", Description: "File or directory", Required: true},
			},
			Handler: h.getFileInfo,
		},
	}
}

type fileEntry struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	Size      string `json:"size,omitempty"`
	SizeBytes *int64 `json:"size_bytes,omitempty"`
	Modified  string `json:"modified,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (h *host) listFiles(_ context.Context, args Args) (Result, error) {
	raw, err := args.Require("path")
	if err != nil {
		return nil, err
	}
	target, err := h.checkPath(raw, policy.Read)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(target)
	if err != nil {
		return statError(err, target), nil
	}
	if !info.IsDir() {
		return errorResult("Path is not a directory: %s", target), nil
	}

	dirents, err := os.ReadDir(target)
	if err != nil {
		return statError(err, target), nil
	}
	showHidden := args.Bool("show_hidden", false)

	entries := make([]fileEntry, 0, len(dirents))
	for _, d := range dirents {
		if !showHidden && strings.HasPrefix(d.Name(), ".") {
			continue
		}
		e := fileEntry{Name: d.Name(), Type: "file"}
		fi, err := d.Info()
		if err != nil {
			e.Type, e.Error = "unknown", "Permission denied"
			entries = append(entries, e)
			continue
		}
		if fi.IsDir() {
			e.Type = "directory"
		} else {
			n := fi.Size()
			e.Size, e.SizeBytes = formatSize(n), &n
		}
		e.Modified = formatTime(fi.ModTime())
		entries = append(entries, e)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		di, dj := entries[i].Type == "directory", entries[j].Type == "directory"
		if di != dj {
			return di
		}
		return strings.ToLower(entries[i].Name) < strings.ToLower(entries[j].Name)
	})

	return Result{
		"status":        "success",
		"path":          target,
		"total_entries": len(entries),
		"entries":       entries,
	}, nil
}

func (h *host) readFile(_ context.Context, args Args) (Result, error) {
	raw, err := args.Require("path")
	if err != nil {
		return nil, err
	}
	target, err := h.checkPath(raw, policy.Read)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(target)
	if err != nil {
		return statError(err, target), nil
	}
	if info.IsDir() {
		return errorResult("Path is not a file: %s", target), nil
	}
	if info.Size() > maxReadBytes {
		return errorResult("File is too large to read (%s)", formatSize(info.Size())), nil
	}

	data, err := os.ReadFile(target)
	if err != nil {
		return statError(err, target), nil
	}
	if !utf8.Valid(data) || strings.IndexByte(string(data), 0) >= 0 {
		return Result{
			"status":    "info",
			"message":   "Binary file detected, cannot display content.",
			"path":      target,
			"size":      formatSize(info.Size()),
			"extension": filepath.Ext(target),
		}, nil
	}

	maxLines := clamp(args.Int("max_lines", defaultReadLines), 1, maxReadLinesLimit)
	lines := splitLines(string(data))
	total := len(lines)
	truncated := total > maxLines
	if truncated {
		lines = lines[:maxLines]
	}
	return Result{
		"status":        "success",
		"path":          target,
		"total_lines":   total,
		"showing_lines": len(lines),
		"truncated":     truncated,
		"content":       strings.Join(lines, "\n"),
	}, nil
}

// splitLines splits on \n, \r\n and \r and drops a trailing empty line.
func splitLines(s string) []string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func (h *host) writeFile(_ context.Context, args Args) (Result, error) {
	raw, err := args.Require("path")
	if err != nil {
		return nil, err
	}
	target, err := h.checkPath(raw, policy.Write)
	if err != nil {
		return nil, err
	}
	content := args.String("content")
	appendMode := args.Bool("append", false)

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return errorResult("Failed to write file: %v", err), nil
	}
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	verb := "written to"
	if appendMode {
		flags = os.O_WRONLY | os.O_CREATE | os.O_APPEND
		verb = "appended to"
	}
	f, err := os.OpenFile(target, flags, 0o644)
	if err != nil {
		return statError(err, target), nil
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return errorResult("Failed to write file: %v", err), nil
	}
	if err := f.Close(); err != nil {
		return errorResult("Failed to write file: %v", err), nil
	}

	info, err := os.Stat(target)
	if err != nil {
		return statError(err, target), nil
	}
	return Result{
		"status":  "success",
		"message": "Content " + verb + " file.",
		"path":    target,
		"size":    formatSize(info.Size()),
	}, nil
}

func (h *host) createDirectory(_ context.Context, args Args) (Result, error) {
	raw, err := args.Require("path")
	if err != nil {
		return nil, err
	}
	target, err := h.checkPath(raw, policy.Write)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(target, 0o755); err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return errorResult("Permission denied: %s", target), nil
		}
		return errorResult("Failed to create directory: %v", err), nil
	}
	return Result{
		"status":  "success",
		"message": "Directory created (or already exists).",
		"path":    target,
	}, nil
}

type issueFunc func(description string, params map[string]any) (Result, error)

func (h *host) requestDelete(args Args, issue issueFunc) (Result, error) {
	raw, err := args.Require("path")
	if err != nil {
		return nil, err
	}
	target, err := h.checkPath(raw, policy.Write)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(target)
	if err != nil {
		return statError(err, target), nil
	}

	var description string
	if info.IsDir() {
		count := 0
		walkErr := filepath.WalkDir(target, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if p != target {
				count++
			}
			return nil
		})
		items := fmt.Sprintf("%d items", count)
		if walkErr != nil {
			items = "unknown number of items"
		}
		description = fmt.Sprintf("Delete directory '%s' and all its contents (%s)", target, items)
	} else {
		description = fmt.Sprintf("Delete file '%s' (%s)", target, formatSize(info.Size()))
	}
	return issue(description, map[string]any{"path": target})
}

func (h *host) execDelete(_ context.Context, cmd confirm.Command) (any, error) {
	target, err := h.checkPath(cmd.String("path"), policy.Write)
	if err != nil {
		return nil, err
	}
	info, err := os.Lstat(target)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		err = os.RemoveAll(target)
	} else {
		err = os.Remove(target)
	}
	if err != nil {
		return nil, err
	}
	return "Successfully deleted: " + target, nil
}

func (h *host) requestMove(args Args, issue issueFunc) (Result, error) {
	srcRaw, err := args.Require("source")
	if err != nil {
		return nil, err
	}
	dstRaw, err := args.Require("destination")
	if err != nil {
		return nil, err
	}
	src, err := h.checkPath(srcRaw, policy.Write)
	if err != nil {
		return nil, err
	}
	dst, err := h.checkPath(dstRaw, policy.Write)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(src); err != nil {
		return statError(err, src), nil
	}
	dst = intoDirectory(src, dst)
	if _, err := h.planCopy(src, dst); err != nil {
		return nil, err
	}

	description := fmt.Sprintf("Move '%s' to '%s'", src, dst)
	if _, err := os.Stat(dst); err == nil {
		description += " (WARNING: destination exists and will be overwritten)"
	}
	return issue(description, map[string]any{"source": src, "destination": dst})
}

func (h *host) execMove(_ context.Context, cmd confirm.Command) (any, error) {
	src, err := h.checkPath(cmd.String("source"), policy.Write)
	if err != nil {
		return nil, err
	}
	dst, err := h.checkPath(cmd.String("destination"), policy.Write)
	if err != nil {
		return nil, err
	}
	plan, err := h.planCopy(src, dst)
	if err != nil {
		return nil, err
	}

	if err := os.Rename(src, dst); err != nil {
		var linkErr *os.LinkError
		if !errors.As(err, &linkErr) {
			return nil, err
		}
		// Rename cannot cross filesystems; fall back to copy and remove.
		if err := copyPlan(plan); err != nil {
			return nil, err
		}
		if err := os.RemoveAll(src); err != nil {
			return nil, fmt.Errorf("copied but could not remove source: %w", err)
		}
	}
	return fmt.Sprintf("Successfully moved '%s' to '%s'", src, dst), nil
}

func (h *host) copyFile(_ context.Context, args Args) (Result, error) {
	srcRaw, err := args.Require("source")
	if err != nil {
		return nil, err
	}
	dstRaw, err := args.Require("destination")
	if err != nil {
		return nil, err
	}
	src, err := h.checkPath(srcRaw, policy.Read)
	if err != nil {
		return nil, err
	}
	dst, err := h.checkPath(dstRaw, policy.Write)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(src); err != nil {
		return statError(err, src), nil
	}
	dst = intoDirectory(src, dst)

	plan, err := h.planCopy(src, dst)
	if err != nil {
		return nil, err
	}
	if err := copyPlan(plan); err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return errorResult("Permission denied."), nil
		}
		return errorResult("Failed to copy: %v", err), nil
	}
	return Result{
		"status":      "success",
		"message":     fmt.Sprintf("Copied '%s' to '%s'", src, dst),
		"source":      src,
		"destination": dst,
	}, nil
}

// intoDirectory places a file inside dst when dst is an existing directory.
func intoDirectory(src, dst string) string {
	si, err := os.Stat(src)
	if err != nil || si.IsDir() {
		return dst
	}
	if di, err := os.Stat(dst); err == nil && di.IsDir() {
		return filepath.Join(dst, filepath.Base(src))
	}
	return dst
}

type copyItem struct {
	src, dst string
	mode     fs.FileMode
	dir      bool
}

// planCopy lists what copying src to dst would create and checks every
// destination file against the write policy, so a directory copy cannot
// smuggle in a file type that write_file would refuse.
func (h *host) planCopy(src, dst string) ([]copyItem, error) {
	var plan []copyItem
	err := filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		if d.IsDir() {
			plan = append(plan, copyItem{src: p, dst: target, mode: info.Mode().Perm(), dir: true})
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		if err := h.Policy.EvaluatePath(target, policy.Write).HostErr(); err != nil {
			return err
		}
		plan = append(plan, copyItem{src: p, dst: target, mode: info.Mode().Perm()})
		return nil
	})
	return plan, err
}

func copyPlan(plan []copyItem) error {
	for _, it := range plan {
		if it.dir {
			if err := os.MkdirAll(it.dst, it.mode|0o700); err != nil {
				return err
			}
			continue
		}
		if err := copyRegular(it.src, it.dst, it.mode); err != nil {
			return err
		}
	}
	return nil
}

func copyRegular(src, dst string, mode fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	if info, err := in.Stat(); err == nil {
		_ = os.Chtimes(dst, info.ModTime(), info.ModTime())
	}
	return nil
}

type searchMatch struct {
	Path     string `json:"path"`
	Type     string `json:"type"`
	Size     string `json:"size,omitempty"`
	Modified string `json:"modified,omitempty"`
}

func (h *host) searchFiles(ctx context.Context, args Args) (Result, error) {
	raw, err := args.Require("path")
	if err != nil {
		return nil, err
	}
	pattern, err := args.Require("pattern")
	if err != nil {
		return nil, err
	}
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("%w: bad pattern %q", ErrInvalidArgs, pattern)
	}
	target, err := h.checkPath(raw, policy.Read)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(target); err != nil || !info.IsDir() {
		return errorResult("Directory does not exist: %s", target), nil
	}
	recursive := args.Bool("recursive", true)

	var matches []string
	visited := 0
	walkErr := filepath.WalkDir(target, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() && p != target {
				return fs.SkipDir
			}
			return nil
		}
		if p == target {
			return nil
		}
		if visited++; visited > maxSearchVisited {
			return fs.SkipAll
		}
		if visited%1000 == 0 && ctx.Err() != nil {
			return ctx.Err()
		}
		rel, _ := filepath.Rel(target, p)
		if ok, _ := filepath.Match(pattern, d.Name()); ok {
			matches = append(matches, p)
		} else if ok, _ := filepath.Match(pattern, rel); ok {
			matches = append(matches, p)
		}
		if d.IsDir() && !recursive {
			return fs.SkipDir
		}
		return nil
	})
	if walkErr != nil {
		return errorResult("Search failed: %v", walkErr), nil
	}

	results := make([]searchMatch, 0, min(len(matches), maxSearchResults))
	for _, m := range matches {
		if len(results) == maxSearchResults {
			break
		}
		sm := searchMatch{Path: m, Type: "file"}
		if fi, err := os.Stat(m); err == nil {
			if fi.IsDir() {
				sm.Type = "directory"
			} else {
				sm.Size = formatSize(fi.Size())
			}
			sm.Modified = formatTime(fi.ModTime())
		}
		results = append(results, sm)
	}
	return Result{
		"status":        "success",
		"search_path":   target,
		"pattern":       pattern,
		"recursive":     recursive,
		"total_matches": len(matches),
		"showing":       len(results),
		"results":       results,
	}, nil
}

func (h *host) getFileInfo(_ context.Context, args Args) (Result, error) {
	raw, err := args.Require("path")
	if err != nil {
		return nil, err
	}
	target, err := h.checkPath(raw, policy.Read)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(target)
	if err != nil {
		return statError(err, target), nil
	}

	res := Result{
		"status":      "success",
		"path":        target,
		"name":        info.Name(),
		"type":        "file",
		"size":        formatSize(info.Size()),
		"size_bytes":  info.Size(),
		"modified":    formatTime(info.ModTime()),
		"permissions": info.Mode().Perm().String(),
		"is_hidden":   strings.HasPrefix(info.Name(), "."),
	}
	if lfi, err := os.Lstat(raw); err == nil {
		res["is_symlink"] = lfi.Mode()&fs.ModeSymlink != 0
	}
	if info.IsDir() {
		res["type"] = "directory"
		if entries, err := os.ReadDir(target); err == nil {
			files, dirs := 0, 0
			for _, e := range entries {
				if e.IsDir() {
					dirs++
				} else {
					files++
				}
			}
			res["num_files"], res["num_dirs"] = files, dirs
		}
	} else {
		res["extension"] = filepath.Ext(target)
	}
	return res, nil
}
