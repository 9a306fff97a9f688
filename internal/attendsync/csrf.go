package attendsync

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/net/html"
)

var csrfMetaNames = []string{"csrf-token", "csrf_token", "_csrf"}

// extractCSRFToken scans an HTML document for <meta name="csrf-token"
// content="..."> and returns the first non-empty token.
func extractCSRFToken(r io.Reader) (string, bool) {
	z := html.NewTokenizer(r)
	for {
		switch z.Next() {
		case html.ErrorToken:
			return "", false
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			if string(name) != "meta" || !hasAttr {
				continue
			}
			var metaName, content string
			for {
				k, v, more := z.TagAttr()
				switch string(k) {
				case "name":
					metaName = strings.ToLower(string(v))
				case "content":
					content = string(v)
				}
				if !more {
					break
				}
			}
			for _, n := range csrfMetaNames {
				if metaName == n && strings.TrimSpace(content) != "" {
					return strings.TrimSpace(content), true
				}
			}
		}
	}
}

// refreshToken loads the token page from the origin and extracts a fresh
// CSRF token.
func (e *SyncEngine) refreshToken(ctx context.Context) (string, error) {
	u := *e.cfg.origin
	u.Path = e.cfg.Sync.TokenPage
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "text/html")
	resp, err := e.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if !isOK(resp.StatusCode) {
		return "", fmt.Errorf("token page returned %d", resp.StatusCode)
	}
	tok, ok := extractCSRFToken(io.LimitReader(resp.Body, 1<<20))
	if !ok {
		return "", fmt.Errorf("no csrf meta tag on %s", u.Path)
	}
	return tok, nil
}
