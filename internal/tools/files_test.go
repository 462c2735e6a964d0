package tools

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func TestWriteThenReadFile(t *testing.T) {
	env := newEnv(t, envOptions{})
	target := filepath.Join(env.dir, "sub", "notes.txt")

	res := env.call(t, "write_file", map[string]any{"path": target, "content": "one\ntwo\n"})
	wantStatus(t, res, "success")

	res = env.call(t, "write_file", map[string]any{"path": target, "content": "three\n", "append": true})
	wantStatus(t, res, "success")
	wantMessage(t, res, "appended")

	res = env.call(t, "read_file", map[string]any{"path": target})
	wantStatus(t, res, "success")
	if res["content"] != "one\ntwo\nthree" {
		t.Errorf("content = %q", res["content"])
	}
	if res["total_lines"] != 3 || res["truncated"] != false {
		t.Errorf("total_lines=%v truncated=%v", res["total_lines"], res["truncated"])
	}
}

func TestReadFile_MaxLines(t *testing.T) {
	env := newEnv(t, envOptions{})
	target := filepath.Join(env.dir, "long.txt")
	os.WriteFile(target, []byte(strings.Repeat("line\n", 10)), 0o644)

	res := env.call(t, "read_file", map[string]any{"path": target, "max_lines": 4})
	if res["showing_lines"] != 4 || res["truncated"] != true || res["total_lines"] != 10 {
		t.Errorf("unexpected result: %v", res)
	}
}

func TestReadFile_Binary(t *testing.T) {
	env := newEnv(t, envOptions{})
	target := filepath.Join(env.dir, "blob.bin")
	os.WriteFile(target, []byte{0x89, 'P', 'N', 'G', 0, 1, 2}, 0o644)

	res := env.call(t, "read_file", map[string]any{"path": target})
	wantStatus(t, res, "info")
	wantMessage(t, res, "Binary file")
}

func TestReadFile_Missing(t *testing.T) {
	env := newEnv(t, envOptions{})
	res := env.call(t, "read_file", map[string]any{"path": filepath.Join(env.dir, "nope.txt")})
	wantStatus(t, res, "error")
	wantMessage(t, res, "does not exist")
}

func TestWriteFile_BlockedExtension(t *testing.T) {
	env := newEnv(t, envOptions{})
	for _, name := range []string{"payload.exe", "run.SH", "x.ps1"} {
		target := filepath.Join(env.dir, name)
		res := env.call(t, "write_file", map[string]any{"path": target, "content": "x"})
		wantStatus(t, res, "error")
		wantMessage(t, res, "blocked by security policy")
		if _, err := os.Stat(target); !os.IsNotExist(err) {
			t.Errorf("%s was written", name)
		}
	}
}

func TestListFiles(t *testing.T) {
	env := newEnv(t, envOptions{})
	root := filepath.Join(env.dir, "list")
	os.MkdirAll(filepath.Join(root, "zdir"), 0o755)
	os.WriteFile(filepath.Join(root, "a.txt"), []byte("abc"), 0o644)
	os.WriteFile(filepath.Join(root, ".hidden"), []byte("h"), 0o644)

	res := env.call(t, "list_files", map[string]any{"path": root})
	wantStatus(t, res, "success")
	entries := res["entries"].([]fileEntry)
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2: %+v", len(entries), entries)
	}
	if entries[0].Name != "zdir" || entries[0].Type != "directory" {
		t.Errorf("directories should sort first: %+v", entries)
	}
	if entries[1].SizeBytes == nil || *entries[1].SizeBytes != 3 {
		t.Errorf("a.txt size wrong: %+v", entries[1])
	}

	res = env.call(t, "list_files", map[string]any{"path": root, "show_hidden": true})
	if res["total_entries"] != 3 {
		t.Errorf("total_entries with hidden = %v, want 3", res["total_entries"])
	}
}

func TestCreateDirectory(t *testing.T) {
	env := newEnv(t, envOptions{})
	target := filepath.Join(env.dir, "a", "b", "c")
	res := env.call(t, "create_directory", map[string]any{"path": target})
	wantStatus(t, res, "success")
	if info, err := os.Stat(target); err != nil || !info.IsDir() {
		t.Fatal("directory not created")
	}

	res = env.call(t, "create_directory", map[string]any{"path": filepath.Join(env.protected, "x")})
	wantMessage(t, res, "blocked by security policy")
}

func TestCopyFile(t *testing.T) {
	env := newEnv(t, envOptions{})
	src := filepath.Join(env.dir, "src.txt")
	os.WriteFile(src, []byte("payload"), 0o644)
	dstDir := filepath.Join(env.dir, "dst")
	os.Mkdir(dstDir, 0o755)

	res := env.call(t, "copy_file", map[string]any{"source": src, "destination": dstDir})
	wantStatus(t, res, "success")
	data, err := os.ReadFile(filepath.Join(dstDir, "src.txt"))
	if err != nil || string(data) != "payload" {
		t.Fatalf("copy into directory failed: %v %q", err, data)
	}
}

func TestCopyFile_DirectoryWithBlockedExtension(t *testing.T) {
	env := newEnv(t, envOptions{})
	src := filepath.Join(env.dir, "kit")
	os.MkdirAll(src, 0o755)
	os.WriteFile(filepath.Join(src, "readme.txt"), []byte("r"), 0o644)
	os.WriteFile(filepath.Join(src, "install.sh"), []byte("#!/bin/sh"), 0o644)
	dst := filepath.Join(env.dir, "kit-copy")

	res := env.call(t, "copy_file", map[string]any{"source": src, "destination": dst})
	wantStatus(t, res, "error")
	wantMessage(t, res, "blocked by security policy")
	if _, err := os.Stat(dst); !os.IsNotExist(err) {
		t.Fatal("partial copy left behind")
	}
}

func TestCopyFile_IntoProtected(t *testing.T) {
	env := newEnv(t, envOptions{})
	src := filepath.Join(env.dir, "s.txt")
	os.WriteFile(src, []byte("x"), 0o644)

	res := env.call(t, "copy_file", map[string]any{"source": src, "destination": filepath.Join(env.protected, "s.txt")})
	wantMessage(t, res, "blocked by security policy")
}

func TestMoveFile_TwoPhase(t *testing.T) {
	env := newEnv(t, envOptions{})
	src := filepath.Join(env.dir, "old.txt")
	dst := filepath.Join(env.dir, "new.txt")
	os.WriteFile(src, []byte("content"), 0o644)

	res := env.call(t, "move_file", map[string]any{"source": src, "destination": dst})
	wantStatus(t, res, "confirmation_required")
	if _, err := os.Stat(src); err != nil {
		t.Fatal("moved before confirmation")
	}

	out := env.confirm(t, res)
	wantStatus(t, out, "success")
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Error("source still present")
	}
	if data, _ := os.ReadFile(dst); string(data) != "content" {
		t.Errorf("destination content = %q", data)
	}
}

func TestMoveFile_RenameToBlockedExtension(t *testing.T) {
	env := newEnv(t, envOptions{})
	src := filepath.Join(env.dir, "innocent.txt")
	os.WriteFile(src, []byte("x"), 0o644)

	res := env.call(t, "move_file", map[string]any{"source": src, "destination": filepath.Join(env.dir, "evil.bat")})
	wantStatus(t, res, "error")
	wantMessage(t, res, "blocked by security policy")
	if len(env.gate.Pending()) != 0 {
		t.Error("token issued for a rejected move")
	}
}

func TestDeleteFile_DirectoryDescription(t *testing.T) {
	env := newEnv(t, envOptions{})
	dir := filepath.Join(env.dir, "tree")
	os.MkdirAll(filepath.Join(dir, "child"), 0o755)
	os.WriteFile(filepath.Join(dir, "child", "f.txt"), []byte("x"), 0o644)

	res := env.call(t, "delete_file", map[string]any{"path": dir})
	wantStatus(t, res, "confirmation_required")
	if !strings.Contains(res["warning"].(string), "(2 items)") {
		t.Errorf("warning = %v", res["warning"])
	}

	env.confirm(t, res)
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatal("directory not removed")
	}
}

func TestDeleteFile_Protected(t *testing.T) {
	env := newEnv(t, envOptions{})
	res := env.call(t, "delete_file", map[string]any{"path": env.protected})
	wantMessage(t, res, "blocked by security policy")
	if len(env.gate.Pending()) != 0 {
		t.Error("token issued for protected path")
	}
}

func TestSearchFiles(t *testing.T) {
	env := newEnv(t, envOptions{})
	root := filepath.Join(env.dir, "search")
	os.MkdirAll(filepath.Join(root, "nested"), 0o755)
	os.WriteFile(filepath.Join(root, "a.log"), nil, 0o644)
	os.WriteFile(filepath.Join(root, "b.txt"), nil, 0o644)
	os.WriteFile(filepath.Join(root, "nested", "c.log"), nil, 0o644)

	res := env.call(t, "search_files", map[string]any{"path": root, "pattern": "*.log"})
	wantStatus(t, res, "success")
	if res["total_matches"] != 2 {
		t.Errorf("recursive matches = %v, want 2", res["total_matches"])
	}

	res = env.call(t, "search_files", map[string]any{"path": root, "pattern": "*.log", "recursive": false})
	if res["total_matches"] != 1 {
		t.Errorf("non-recursive matches = %v, want 1", res["total_matches"])
	}

	res = env.call(t, "search_files", map[string]any{"path": root, "pattern": "[unclosed"})
	wantStatus(t, res, "error")
}

func TestGetFileInfo(t *testing.T) {
	env := newEnv(t, envOptions{})
	target := filepath.Join(env.dir, "info.txt")
	os.WriteFile(target, []byte("12345"), 0o644)

	res := env.call(t, "get_file_info", map[string]any{"path": target})
	wantStatus(t, res, "success")
	if res["type"] != "file" || res["size_bytes"] != int64(5) {
		t.Errorf("unexpected info: %v", res)
	}

	res = env.call(t, "get_file_info", map[string]any{"path": env.dir})
	if res["type"] != "directory" {
		t.Errorf("type = %v, want directory", res["type"])
	}
}

func TestFormatSize(t *testing.T) {
	tests := map[int64]string{
		0:       "0.0 B",
		1023:    "1023.0 B",
		1536:    "1.5 KB",
		5 << 20: "5.0 MB",
	}
	for n, want := range tests {
		if got := formatSize(n); got != want {
			t.Errorf("formatSize(%d) = %q, want %q", n, got, want)
		}
	}
}

func TestFileTools_RefuseWindowsPathsOnOtherHosts(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("drive paths are native here")
	}
	env := newEnv(t, envOptions{})
	// Relative resolution would land inside the protected directory.
	t.Chdir(env.protected)
	src := filepath.Join(env.dir, "src.txt")
	os.WriteFile(src, []byte("x"), 0o644)

	foreign := `C:\Users\me\note.txt`
	tests := []struct {
		tool string
		args map[string]any
	}{
		{"write_file", map[string]any{"path": foreign, "content": "x"}},
		{"read_file", map[string]any{"path": foreign}},
		{"create_directory", map[string]any{"path": `C:\Users\me\new`}},
		{"copy_file", map[string]any{"source": src, "destination": foreign}},
		{"delete_file", map[string]any{"path": foreign}},
	}
	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			res := env.call(t, tt.tool, tt.args)
			wantStatus(t, res, "error")
			wantMessage(t, res, "not absolute on this host")
		})
	}

	entries, err := os.ReadDir(env.protected)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("protected directory was written: %v", entries)
	}
	if len(env.gate.Pending()) != 0 {
		t.Error("delete_file issued a token for a foreign path")
	}
}
