package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	neturl "net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

const (
	webFetchName       = "web_fetch"
	defaultMaxBodySize = 2 << 20
	defaultMaxTextSize = 15000
)

// WebFetch downloads a page and reduces it to readable text
type WebFetch struct {
	client      *http.Client
	maxBodySize int64
	maxTextSize int
}

// NewWebFetch creates the tool; a nil client gets a 30s timeout default
func NewWebFetch(client *http.Client) *WebFetch {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &WebFetch{
		client:      client,
		maxBodySize: defaultMaxBodySize,
		maxTextSize: defaultMaxTextSize,
	}
}

func (w *WebFetch) Name() string { return webFetchName }

func (w *WebFetch) Description() string {
	return "Fetch an http(s) URL and return the page's readable text. Input: the URL."
}

func (w *WebFetch) Execute(ctx context.Context, call Call) (string, error) {
	raw := strings.TrimSpace(call.Input)
	if raw == "" {
		return "", fmt.Errorf("url required")
	}

	u, err := neturl.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("URL must use http or https scheme, got %q", u.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "arbor/1.0 (web_fetch)")

	resp, err := w.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("HTTP request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	text, err := w.htmlToText(io.LimitReader(resp.Body, w.maxBodySize))
	if err != nil {
		return "", fmt.Errorf("parse HTML: %w", err)
	}
	return text, nil
}

func (w *WebFetch) htmlToText(r io.Reader) (string, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return "", err
	}

	doc.Find("script, style, nav, footer, header, aside, iframe").Remove()

	var b strings.Builder
	if title := strings.TrimSpace(doc.Find("title").Text()); title != "" {
		b.WriteString("# " + title + "\n\n")
	}

	doc.Find("h1, h2, h3, h4, h5, h6, p, li, pre").Each(func(_ int, s *goquery.Selection) {
		text := strings.Join(strings.Fields(s.Text()), " ")
		if text == "" {
			return
		}
		switch tag := goquery.NodeName(s); {
		case len(tag) == 2 && tag[0] == 'h':
			b.WriteString(strings.Repeat("#", int(tag[1]-'0')) + " " + text + "\n\n")
		case tag == "li":
			b.WriteString("- " + text + "\n")
		default:
			b.WriteString(text + "\n\n")
		}
	})

	out := strings.TrimSpace(b.String())
	if len(out) > w.maxTextSize {
		out = out[:w.maxTextSize] + "\n\n[content truncated]"
	}
	return out, nil
}
