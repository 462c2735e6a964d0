package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/clawinfra/hostgate/internal/policy"
)

const (
	maxPageBytes  = 5 << 20
	maxPageText   = 10000
	maxPageRaw    = 15000
	maxSearchHits = 20
	searchTimeout = 15 * time.Second
	fetchTimeout  = 30 * time.Second
	downloadTTL   = 120 * time.Second
	truncatedNote = "\n\n... (content truncated)"
)

func (h *host) webTools() []*Tool {
	return []*Tool{
		{
			Name:        "web_search",
			Description: "Search the web using DuckDuckGo and return titles, URLs and snippets.",
			Params: []Param{
				{Name: "query", Type: "string", Description: "The search query", Required: true},
				{Name: "num_results", Type: "integer", Description: "Number of results (1-20)", Default: 5},
			},
			Handler: h.webSearch,
		},
		{
			Name:        "fetch_webpage",
			Description: "Fetch a webpage and return its readable text or raw content.",
			Params: []Param{
				{Name: "url", Type: "string", Description: "The URL to fetch", Required: true},
				{Name: "extract_text", Type: "boolean", Description: "Extract clean text from HTML", Default: true},
			},
			Handler: h.fetchWebpage,
		},
		{
			Name:        "download_file",
			Description: "Download a file from a URL to a local path.",
			Params: []Param{
				{Name: "url", Type: "string", Description: "The URL of the file", Required: true},
				{Name: "save_path", Type: "string", Description: "Local path to save to", Required: true},
			},
			Handler: h.downloadFile,
		},
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// webError turns a transport failure into a result. Policy rejections are
// passed through so the registry audits them.
func webError(err error, timeoutMsg, failPrefix string) (Result, error) {
	var rejected *policy.RejectedError
	if errors.As(err, &rejected) {
		return nil, rejected
	}
	if isTimeout(err) {
		return errorResult("%s", timeoutMsg), nil
	}
	return errorResult("%s: %v", failPrefix, err), nil
}

type searchHit struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

func (h *host) webSearch(ctx context.Context, args Args) (Result, error) {
	query, err := args.Require("query")
	if err != nil {
		return nil, err
	}
	n := clamp(args.Int("num_results", 5), 1, maxSearchHits)

	u, err := url.Parse(h.SearchURL)
	if err != nil {
		return nil, fmt.Errorf("bad search endpoint: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	u.RawQuery = q.Encode()

	ctx, cancel := context.WithTimeout(ctx, searchTimeout)
	defer cancel()

	resp, err := h.Web.Get(ctx, u.String())
	if err != nil {
		return webError(err, "Search request timed out. Please try again.", "Search failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return errorResult("Search failed: HTTP %d", resp.StatusCode), nil
	}

	doc, err := html.Parse(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return errorResult("Search failed: %v", err), nil
	}
	hits := parseSearchResults(doc, n)
	return Result{
		"status":      "success",
		"query":       query,
		"num_results": len(hits),
		"results":     hits,
	}, nil
}

// parseSearchResults reads a DuckDuckGo HTML results page.
func parseSearchResults(doc *html.Node, limit int) []searchHit {
	hits := []searchHit{}
	for _, res := range findByClass(doc, "result") {
		if len(hits) >= limit {
			break
		}
		titles := findByClass(res, "result__a")
		if len(titles) == 0 {
			continue
		}
		snippet := ""
		if s := findByClass(res, "result__snippet"); len(s) > 0 {
			snippet = nodeText(s[0])
		}
		hits = append(hits, searchHit{
			Title:   nodeText(titles[0]),
			URL:     unwrapRedirect(attr(titles[0], "href")),
			Snippet: snippet,
		})
	}
	return hits
}

// unwrapRedirect extracts the target from DuckDuckGo's /l/?uddg= links.
func unwrapRedirect(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if target := u.Query().Get("uddg"); target != "" && strings.HasSuffix(u.Path, "/l/") {
		return target
	}
	return href
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

// findByClass returns the outermost descendants of root carrying class.
func findByClass(root *html.Node, class string) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.ElementNode && hasClass(c, class) {
				out = append(out, c)
				continue
			}
			walk(c)
		}
	}
	walk(root)
	return out
}

// nodeText concatenates the text under n with whitespace collapsed.
func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(b.String()), " ")
}

var skipText = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Nav:      true,
	atom.Footer:   true,
	atom.Header:   true,
	atom.Noscript: true,
}

// readableText returns the visible text of a page, one block per line.
func readableText(doc *html.Node) string {
	var lines []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && skipText[n.DataAtom] {
			return
		}
		if n.Type == html.TextNode {
			for _, l := range strings.Split(n.Data, "\n") {
				if l = strings.TrimSpace(l); l != "" {
					lines = append(lines, l)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return strings.Join(lines, "\n")
}

func (h *host) fetchWebpage(ctx context.Context, args Args) (Result, error) {
	raw, err := args.Require("url")
	if err != nil {
		return nil, err
	}
	extract := args.Bool("extract_text", true)

	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	resp, err := h.Web.Get(ctx, raw)
	if err != nil {
		return webError(err, fmt.Sprintf("Request to %s timed out.", raw), "Failed to fetch webpage")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return errorResult("HTTP error %d fetching %s.", resp.StatusCode, raw), nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return webError(err, fmt.Sprintf("Request to %s timed out.", raw), "Failed to fetch webpage")
	}

	contentType := resp.Header.Get("Content-Type")
	mediaType, _, _ := mime.ParseMediaType(contentType)
	res := Result{
		"status":       "success",
		"url":          resp.Request.URL.String(),
		"status_code":  resp.StatusCode,
		"content_type": contentType,
	}

	if extract && mediaType == "text/html" {
		doc, err := html.Parse(strings.NewReader(string(body)))
		if err != nil {
			return errorResult("Failed to parse webpage: %v", err), nil
		}
		res["text"], _ = truncate(readableText(doc), maxPageText, truncatedNote)
		return res, nil
	}
	res["content"], _ = truncate(string(body), maxPageRaw, truncatedNote)
	return res, nil
}

var errTooLarge = errors.New("download exceeds size limit")

func (h *host) downloadFile(ctx context.Context, args Args) (Result, error) {
	raw, err := args.Require("url")
	if err != nil {
		return nil, err
	}
	savePath, err := args.Require("save_path")
	if err != nil {
		return nil, err
	}
	target, err := h.checkPath(savePath, policy.Write)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, downloadTTL)
	defer cancel()

	resp, err := h.Web.Get(ctx, raw)
	if err != nil {
		return webError(err, fmt.Sprintf("Download timed out for %s.", raw), "Download failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return errorResult("HTTP error %d downloading %s.", resp.StatusCode, raw), nil
	}

	size, err := h.saveBody(resp.Body, target)
	switch {
	case errors.Is(err, errTooLarge):
		return errorResult("Download failed: file exceeds the %s limit.", formatSize(h.MaxDownloadBytes)), nil
	case err != nil:
		return webError(err, fmt.Sprintf("Download timed out for %s.", raw), "Download failed")
	}

	h.logger.Info("file downloaded", "host", resp.Request.URL.Host, "path", target, "bytes", size)
	return Result{
		"status":    "success",
		"message":   "File downloaded successfully.",
		"url":       raw,
		"save_path": target,
		"size":      formatSize(size),
	}, nil
}

// saveBody streams r into a temporary file beside target and renames it into
// place once complete.
func (h *host) saveBody(r io.Reader, target string) (int64, error) {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(dir, ".hostgate-download-*")
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, io.LimitReader(r, h.MaxDownloadBytes+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, err
	}
	if n > h.MaxDownloadBytes {
		return 0, errTooLarge
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return 0, err
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return 0, err
	}
	return n, nil
}
