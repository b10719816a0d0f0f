package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"golang.org/x/net/html"

	"taskforge/internal"
)

var errNoNetwork = errors.New("network access not granted")

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("no host in %q", raw)
	}
	return nil
}

func fetch(ctx context.Context, env Env, rawURL string) ([]byte, bool, error) {
	if env.HTTP == nil {
		return nil, false, errNoNetwork
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "taskforge")
	resp, err := env.HTTP.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("fetch url: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("http %d: %s", resp.StatusCode, resp.Status)
	}
	limit := int64(env.OutputLimit)
	if limit <= 0 {
		limit = 1 << 20
	}
	// one extra byte detects truncation
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, false, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > limit {
		return body[:limit], true, nil
	}
	return body, false, nil
}

var browserParams = []Param{
	{Name: "url", Type: TypeString, Required: true},
	{Name: "timeout", Type: TypeInt},
}

func validateBrowser(params internal.Params) error {
	if err := checkURL(stringParam(params, "url")); err != nil {
		return err
	}
	if timeout, ok := intParam(params, "timeout"); ok && timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %d", timeout)
	}
	return nil
}

// BrowserFetch navigates to a URL and returns the raw body.
type BrowserFetch struct{}

func (BrowserFetch) Name() string { return "browser_fetch" }

func (BrowserFetch) Kind() Kind { return KindBrowser }

func (BrowserFetch) Params() []Param { return browserParams }

func (BrowserFetch) Validate(params internal.Params) error {
	return validateBrowser(params)
}

func (BrowserFetch) Run(ctx context.Context, env Env, params internal.Params) (Result, error) {
	body, truncated, err := fetch(ctx, env, stringParam(params, "url"))
	if err != nil {
		return Result{}, err
	}
	out := string(body)
	if truncated {
		out += truncatedMark
	}
	return Result{
		Output:    out,
		Truncated: truncated,
	}, nil
}

// BrowserContent navigates to a URL and returns the visible text, optionally
// restricted to elements matching a selector.
type BrowserContent struct{}

func (BrowserContent) Name() string { return "browser_content" }

func (BrowserContent) Kind() Kind { return KindBrowser }

func (BrowserContent) Params() []Param {
	return append(slices.Clone(browserParams), Param{
		Name: "selector",
		Type: TypeString,
	})
}

func (BrowserContent) Validate(params internal.Params) error {
	return validateBrowser(params)
}

func (BrowserContent) Run(ctx context.Context, env Env, params internal.Params) (Result, error) {
	body, _, err := fetch(ctx, env, stringParam(params, "url"))
	if err != nil {
		return Result{}, err
	}
	doc, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		return Result{}, fmt.Errorf("parse html: %w", err)
	}
	text := ExtractText(doc, stringParam(params, "selector"))
	out, truncated := Truncate(text, env.OutputLimit)
	return Result{
		Output:    out,
		Truncated: truncated,
	}, nil
}

// ExtractText returns the visible text under nodes matching selector. The
// selector is a tag name, "#id" or ".class"; empty selects the whole document.
func ExtractText(doc *html.Node, selector string) string {
	var parts []string
	var collect func(*html.Node)
	collect = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript", "template", "head":
				return
			}
		}
		if n.Type == html.TextNode {
			if s := strings.Join(strings.Fields(n.Data), " "); s != "" {
				parts = append(parts, s)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			collect(c)
		}
	}
	if selector == "" {
		collect(doc)
		return strings.Join(parts, "\n")
	}
	var find func(*html.Node)
	find = func(n *html.Node) {
		if n.Type == html.ElementNode && matches(n, selector) {
			collect(n)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			find(c)
		}
	}
	find(doc)
	return strings.Join(parts, "\n")
}

func matches(n *html.Node, selector string) bool {
	switch {
	case strings.HasPrefix(selector, "#"):
		return attr(n, "id") == selector[1:]
	case strings.HasPrefix(selector, "."):
		return slices.Contains(strings.Fields(attr(n, "class")), selector[1:])
	}
	return strings.EqualFold(n.Data, selector)
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}
