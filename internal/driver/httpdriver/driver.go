// Package httpdriver is a navigator.Browser that speaks plain HTTP. It keeps
// the session's cookies, presents the session fingerprint as request headers
// and submits located forms itself. Pages that need script execution are out
// of its reach; a real browser driver plugs in behind the same interface.
package httpdriver

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"jobapply-engine/internal/domain"
	"jobapply-engine/internal/navigator"
)

const maxBody = 5 << 20

// Jars hands out the cookie jar of a checked-out session.
type Jars interface {
	Jar(sessionID string) (http.CookieJar, error)
}

// Factory opens drivers bound to sessions.
type Factory struct {
	Jars      Jars
	Timeout   time.Duration
	Transport http.RoundTripper
}

func (f Factory) Open(_ context.Context, s domain.BrowserSession) (navigator.Browser, error) {
	jar, err := f.Jars.Jar(s.SessionID)
	if err != nil {
		return nil, err
	}
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return New(&http.Client{Timeout: timeout, Jar: jar, Transport: f.Transport}, s.Fingerprint), nil
}

// Browser holds the current page and the values filled into it.
type Browser struct {
	client  *http.Client
	headers http.Header

	page   navigator.Page
	doc    *goquery.Document
	values map[string]string
	files  map[string]string
	last   *navigator.Form
}

func New(client *http.Client, fp domain.Fingerprint) *Browser {
	h := http.Header{}
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	if fp.UserAgent != "" {
		h.Set("User-Agent", fp.UserAgent)
	}
	if fp.Locale != "" {
		h.Set("Accept-Language", fp.Locale+","+strings.SplitN(fp.Locale, "-", 2)[0]+";q=0.9")
	}
	return &Browser{
		client:  client,
		headers: h,
		values:  map[string]string{},
		files:   map[string]string{},
	}
}

func (b *Browser) Navigate(ctx context.Context, u string) (navigator.Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return navigator.Page{}, err
	}
	return b.do(req)
}

// Click follows a link. Controls inside forms are submitted through Submit,
// so clicking one here is an error.
func (b *Browser) Click(ctx context.Context, selector string) (navigator.Page, error) {
	if b.doc == nil {
		return navigator.Page{}, fmt.Errorf("click %s: no page loaded", selector)
	}
	el := b.doc.Find(selector).First()
	if el.Length() == 0 {
		return navigator.Page{}, fmt.Errorf("click %s: no such element", selector)
	}
	href, ok := el.Attr("href")
	if !ok {
		href, ok = el.Find("a[href]").First().Attr("href")
	}
	if !ok {
		href, ok = el.Attr("data-href")
	}
	if !ok || strings.HasPrefix(strings.TrimSpace(href), "javascript:") {
		return navigator.Page{}, fmt.Errorf("click %s: element has no link to follow", selector)
	}
	return b.Navigate(ctx, resolve(b.page.URL, href))
}

func (b *Browser) Fill(_ context.Context, f navigator.Field, value string) error {
	if b.doc != nil && b.doc.Find(f.Selector).Length() == 0 {
		return fmt.Errorf("fill %s: %w: element not on page", f.Name, domain.ErrFieldRejected)
	}
	b.values[f.Name] = value
	return nil
}

func (b *Browser) Attach(_ context.Context, f navigator.Field, path string) error {
	st, err := os.Stat(path)
	if err == nil && st.IsDir() {
		err = fmt.Errorf("%s is a directory", path)
	}
	if err != nil {
		return &domain.Failure{Kind: domain.KindFatalConfig, Reason: domain.ReasonFatalConfiguration,
			Err: fmt.Errorf("attach %s: %w", f.Name, err)}
	}
	b.files[f.Name] = path
	return nil
}

func (b *Browser) Submit(ctx context.Context, form navigator.Form) (navigator.Page, error) {
	form.Hidden = cloneMap(form.Hidden)
	b.last = &form
	fields := map[string]string{}
	for k, v := range form.Hidden {
		fields[k] = v
	}
	for _, f := range form.Fields {
		if v, ok := b.values[f.Name]; ok && v != "" {
			fields[f.Name] = v
		}
	}
	files := map[string]string{}
	for _, f := range form.Fields {
		if p, ok := b.files[f.Name]; ok {
			files[f.Name] = p
		}
	}
	action := form.Action
	if action == "" {
		action = b.page.URL
	}
	req, err := b.formRequest(ctx, form.Method, form.Enctype, action, fields, files)
	if err != nil {
		return navigator.Page{}, err
	}
	return b.do(req)
}

// Capture fetches the challenge image. Token challenges have no artifact
// beyond their site key.
func (b *Browser) Capture(ctx context.Context, c navigator.Challenge) ([]byte, error) {
	if c.ImageURL == "" {
		return nil, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.ImageURL, nil)
	if err != nil {
		return nil, err
	}
	b.decorate(req)
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("capture %s: %w", c.ImageURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("capture %s: status %d", c.ImageURL, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxBody))
}

// Answer puts the response into the challenge input and submits the form
// that holds it, or the last submitted form when the challenge page has none.
func (b *Browser) Answer(ctx context.Context, c navigator.Challenge, response string) (navigator.Page, error) {
	name := inputName(c.Input)
	if name == "" {
		name = defaultResponseField(c.Kind)
	}

	if b.doc != nil {
		var host *goquery.Selection
		if c.Input != "" {
			host = b.doc.Find(c.Input).First().Closest("form")
		}
		if host == nil || host.Length() == 0 {
			host = b.doc.Find("form").First()
		}
		if host.Length() > 0 {
			fields := currentValues(host)
			for k, v := range b.values {
				if _, ok := fields[k]; ok && v != "" {
					fields[k] = v
				}
			}
			fields[name] = response
			action := resolve(b.page.URL, host.AttrOr("action", ""))
			req, err := b.formRequest(ctx, host.AttrOr("method", "POST"), host.AttrOr("enctype", ""), action, fields, nil)
			if err != nil {
				return navigator.Page{}, err
			}
			return b.do(req)
		}
	}

	if b.last == nil {
		return navigator.Page{}, fmt.Errorf("answer %s challenge: no form to carry the response", c.Kind)
	}
	form := *b.last
	form.Hidden = cloneMap(form.Hidden)
	form.Hidden[name] = response
	return b.Submit(ctx, form)
}

func (b *Browser) Close() error {
	b.client.CloseIdleConnections()
	return nil
}

func (b *Browser) decorate(req *http.Request) {
	for k, vs := range b.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if b.page.URL != "" {
		req.Header.Set("Referer", b.page.URL)
	}
}

func (b *Browser) do(req *http.Request) (navigator.Page, error) {
	b.decorate(req)
	resp, err := b.client.Do(req)
	if err != nil {
		return navigator.Page{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return navigator.Page{}, fmt.Errorf("read %s: %w", req.URL, err)
	}

	p := navigator.Page{URL: resp.Request.URL.String(), Status: resp.StatusCode, HTML: string(body)}
	b.page = p
	b.doc, err = goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		b.doc = nil
	}
	return p, nil
}

func (b *Browser) formRequest(ctx context.Context, method, enctype, action string, fields, files map[string]string) (*http.Request, error) {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodPost
	}
	vals := url.Values{}
	for k, v := range fields {
		vals.Set(k, v)
	}

	if method == http.MethodGet {
		u, err := url.Parse(action)
		if err != nil {
			return nil, fmt.Errorf("form action %q: %w", action, err)
		}
		u.RawQuery = vals.Encode()
		return http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	}

	if len(files) == 0 && !strings.EqualFold(enctype, "multipart/form-data") {
		req, err := http.NewRequestWithContext(ctx, method, action, strings.NewReader(vals.Encode()))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, err
		}
	}
	for name, path := range files {
		if err := attachFile(mw, name, path); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, action, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req, nil
}

func attachFile(mw *multipart.Writer, name, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	w, err := mw.CreateFormFile(name, filepath.Base(path))
	if err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	return err
}

// currentValues collects what a browser would send for a form untouched.
func currentValues(form *goquery.Selection) map[string]string {
	out := map[string]string{}
	form.Find("input[name]").Each(func(_ int, in *goquery.Selection) {
		switch strings.ToLower(in.AttrOr("type", "text")) {
		case "submit", "button", "image", "reset", "file":
			return
		case "checkbox", "radio":
			if _, on := in.Attr("checked"); !on {
				return
			}
		}
		out[in.AttrOr("name", "")] = in.AttrOr("value", "")
	})
	form.Find("textarea[name]").Each(func(_ int, ta *goquery.Selection) {
		out[ta.AttrOr("name", "")] = ta.Text()
	})
	form.Find("select[name]").Each(func(_ int, sel *goquery.Selection) {
		opt := sel.Find("option[selected]").First()
		if opt.Length() == 0 {
			opt = sel.Find("option").First()
		}
		if opt.Length() > 0 {
			out[sel.AttrOr("name", "")] = opt.AttrOr("value", strings.TrimSpace(opt.Text()))
		}
	})
	return out
}

// inputName extracts the name from a [name='x'] selector.
func inputName(sel string) string {
	const prefix = "[name='"
	i := strings.Index(sel, prefix)
	if i < 0 {
		return ""
	}
	rest := sel[i+len(prefix):]
	if j := strings.Index(rest, "'"); j >= 0 {
		return rest[:j]
	}
	return ""
}

func defaultResponseField(kind string) string {
	switch kind {
	case "recaptcha":
		return "g-recaptcha-response"
	case "hcaptcha":
		return "h-captcha-response"
	case "turnstile":
		return "cf-turnstile-response"
	}
	return "captcha"
}

func resolve(base, ref string) string {
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return base
	}
	return b.ResolveReference(r).String()
}

func cloneMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
