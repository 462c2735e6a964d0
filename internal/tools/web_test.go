package tools

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"golang.org/x/net/html"

	"github.com/clawinfra/hostgate/internal/policy"
)

const searchPage = `<html><body>
<div class="result results_links">
  <a class="result__a" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fgo.dev%2Fdoc%2F&amp;rut=abc">The Go <b>Programming</b> Language</a>
  <a class="result__snippet">Go is an open source language.</a>
</div>
<div class="result">
  <a class="result__a" href="https://pkg.go.dev/">Go Packages</a>
</div>
<div class="result"><span>no link</span></div>
</body></html>`

const articlePage = `<html><head><title>T</title><style>.x{}</style></head><body>
<nav>Home | About</nav>
<h1>Headline</h1>
<p>First paragraph.</p>
<script>var tracking = 1;</script>
<footer>Copyright</footer>
</body></html>`

// webEnv serves fixtures from a loopback server and relaxes the URL policy so
// the tools may reach it.
func webEnv(t *testing.T, maxDownload int64) (*testEnv, *httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		switch r.URL.Path {
		case "/html/":
			if r.URL.Query().Get("q") != "golang" {
				t.Errorf("search query = %q", r.URL.RawQuery)
			}
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			io.WriteString(w, searchPage)
		case "/article":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			io.WriteString(w, articlePage)
		case "/data.json":
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, `{"ok":true}`)
		case "/file.bin":
			w.Write([]byte(strings.Repeat("z", 2048)))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	env := newEnv(t, envOptions{
		policy: func(c *policy.Config) {
			c.BlockedHostnames = nil
			c.BlockedIPRanges = nil
		},
		deps: func(d *Deps) {
			d.SearchURL = srv.URL + "/html/"
			d.MaxDownloadBytes = maxDownload
		},
	})
	return env, srv, &hits
}

func TestWebSearch(t *testing.T) {
	env, _, _ := webEnv(t, 0)

	res := env.call(t, "web_search", map[string]any{"query": "golang", "num_results": 10})
	wantStatus(t, res, "success")
	hits := res["results"].([]searchHit)
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2: %+v", len(hits), hits)
	}
	if hits[0].URL != "https://go.dev/doc/" {
		t.Errorf("redirect not unwrapped: %q", hits[0].URL)
	}
	if hits[0].Title != "The Go Programming Language" || hits[0].Snippet != "Go is an open source language." {
		t.Errorf("hit[0] = %+v", hits[0])
	}
	if hits[1].URL != "https://pkg.go.dev/" || hits[1].Snippet != "" {
		t.Errorf("hit[1] = %+v", hits[1])
	}

	res = env.call(t, "web_search", map[string]any{"query": "golang", "num_results": 1})
	if res["num_results"] != 1 {
		t.Errorf("num_results = %v, want 1", res["num_results"])
	}
}

func TestFetchWebpage_ExtractsText(t *testing.T) {
	env, srv, _ := webEnv(t, 0)

	res := env.call(t, "fetch_webpage", map[string]any{"url": srv.URL + "/article"})
	wantStatus(t, res, "success")
	text := res["text"].(string)
	if !strings.Contains(text, "Headline\nFirst paragraph.") {
		t.Errorf("text = %q", text)
	}
	for _, hidden := range []string{"tracking", "Copyright", "Home | About", ".x{}"} {
		if strings.Contains(text, hidden) {
			t.Errorf("text contains %q", hidden)
		}
	}
	if res["status_code"] != 200 {
		t.Errorf("status_code = %v", res["status_code"])
	}
}

func TestFetchWebpage_Raw(t *testing.T) {
	env, srv, _ := webEnv(t, 0)

	res := env.call(t, "fetch_webpage", map[string]any{"url": srv.URL + "/data.json"})
	wantStatus(t, res, "success")
	if res["content"] != `{"ok":true}` {
		t.Errorf("content = %v", res["content"])
	}

	res = env.call(t, "fetch_webpage", map[string]any{"url": srv.URL + "/article", "extract_text": false})
	if !strings.Contains(res["content"].(string), "<script>") {
		t.Error("raw mode should return markup")
	}
}

func TestFetchWebpage_HTTPError(t *testing.T) {
	env, srv, _ := webEnv(t, 0)
	res := env.call(t, "fetch_webpage", map[string]any{"url": srv.URL + "/missing"})
	wantStatus(t, res, "error")
	wantMessage(t, res, "HTTP error 404")
}

func TestFetchWebpage_DefaultPolicyBlocksLoopback(t *testing.T) {
	env := newEnv(t, envOptions{})
	for _, u := range []string{
		"http://127.0.0.1:8080/",
		"http://localhost/",
		"http://10.1.2.3/",
		"file:///etc/passwd",
	} {
		res := env.call(t, "fetch_webpage", map[string]any{"url": u})
		wantStatus(t, res, "error")
		wantMessage(t, res, "blocked by security policy")
	}
}

func TestDownloadFile(t *testing.T) {
	env, srv, _ := webEnv(t, 0)
	target := filepath.Join(env.dir, "downloads", "file.bin")

	res := env.call(t, "download_file", map[string]any{"url": srv.URL + "/file.bin", "save_path": target})
	wantStatus(t, res, "success")
	if res["size"] != "2.0 KB" {
		t.Errorf("size = %v", res["size"])
	}
	data, err := os.ReadFile(target)
	if err != nil || len(data) != 2048 {
		t.Fatalf("downloaded file: %v, %d bytes", err, len(data))
	}
	leftovers, _ := filepath.Glob(filepath.Join(env.dir, "downloads", ".hostgate-download-*"))
	if len(leftovers) != 0 {
		t.Errorf("temp files left behind: %v", leftovers)
	}
}

func TestDownloadFile_TooLarge(t *testing.T) {
	env, srv, _ := webEnv(t, 1024)
	target := filepath.Join(env.dir, "big.bin")

	res := env.call(t, "download_file", map[string]any{"url": srv.URL + "/file.bin", "save_path": target})
	wantStatus(t, res, "error")
	wantMessage(t, res, "exceeds the 1.0 KB limit")
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Error("oversized download was kept")
	}
}

func TestDownloadFile_BlockedSavePathNoRequest(t *testing.T) {
	env, srv, hits := webEnv(t, 0)

	res := env.call(t, "download_file", map[string]any{
		"url":       srv.URL + "/file.bin",
		"save_path": filepath.Join(env.dir, "setup.exe"),
	})
	wantMessage(t, res, "blocked by security policy")

	res = env.call(t, "download_file", map[string]any{
		"url":       srv.URL + "/file.bin",
		"save_path": filepath.Join(env.protected, "file.bin"),
	})
	wantMessage(t, res, "blocked by security policy")

	if n := hits.Load(); n != 0 {
		t.Errorf("server received %d requests for rejected downloads", n)
	}
}

func TestUnwrapRedirect(t *testing.T) {
	tests := map[string]string{
		"//duckduckgo.com/l/?uddg=https%3A%2F%2Fexample.com%2Fa": "https://example.com/a",
		"https://example.com/b":                                  "https://example.com/b",
		"https://example.com/search?uddg=x":                      "https://example.com/search?uddg=x",
	}
	for in, want := range tests {
		if got := unwrapRedirect(in); got != want {
			t.Errorf("unwrapRedirect(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseSearchResults_Limit(t *testing.T) {
	doc, err := html.Parse(strings.NewReader(searchPage))
	if err != nil {
		t.Fatal(err)
	}
	if got := parseSearchResults(doc, 1); len(got) != 1 {
		t.Errorf("got %d hits, want 1", len(got))
	}
	empty, _ := html.Parse(strings.NewReader("<html></html>"))
	if got := parseSearchResults(empty, 5); got == nil || len(got) != 0 {
		t.Errorf("empty page = %#v, want empty slice", got)
	}
}
