package loadboard

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"

	logx "loadbot/pkg/logx"
)

var (
	// ErrLoginFailed means the origin rejected the credentials (or the
	// anti-forgery token went stale). Recoverable: the next cycle retries
	// once the cooldown elapses.
	ErrLoginFailed = errors.New("loadboard: login rejected")

	// ErrSessionExpired means the board request kept redirecting to the
	// login page even after a forced re-login.
	ErrSessionExpired = errors.New("loadboard: session expired")

	// ErrNoTable means the board page came back without a loads table.
	ErrNoTable = errors.New("loadboard: no table body in response")
)

// loginOKSentinel is the exact response body the origin returns on a
// successful login POST.
const loginOKSentinel = "0"

const sessionCookieName = "PHPSESSID"

// Snapshot is the raw tbody fragment of the loads table. It is compared for
// exact equality against the previous snapshot before any parsing happens.
type Snapshot string

type Credentials struct {
	Email     string
	Password  string
	CSRFToken string
}

type Options struct {
	BaseURL  string
	LoginURL string // absolute or relative to BaseURL
	BoardURL string // page containing the loads table

	Credentials Credentials

	// SessionCookie seeds the session cookie so an existing session can be
	// reused before the first login.
	SessionCookie string

	// LoginCooldown throttles login attempts (default 10m). Fetches between
	// logins reuse the existing session.
	LoginCooldown time.Duration

	RequestTimeout time.Duration // default 30s
}

// Client owns the authenticated session against the load board.
//
// It is NOT safe for concurrent use: the poll loop is the sole caller and
// the sole mutator of the session state. Introduce a mutex before sharing.
type Client struct {
	http *resty.Client
	opts Options
	log  logx.Logger

	// lastLogin is the time of the last successful login. The zero value
	// forces a login on the next Fetch.
	lastLogin time.Time

	now func() time.Time // test hook
}

func New(opts Options, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(opts.BaseURL) == "" {
		return nil, errors.New("loadboard: base URL is empty")
	}
	if strings.TrimSpace(opts.LoginURL) == "" || strings.TrimSpace(opts.BoardURL) == "" {
		return nil, errors.New("loadboard: login and board URLs are required")
	}
	if opts.LoginCooldown <= 0 {
		opts.LoginCooldown = 10 * time.Minute
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	client := resty.New()
	client.SetBaseURL(opts.BaseURL)
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	client.SetCookieJar(jar)
	client.SetHeader("user-agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36")
	client.SetTimeout(opts.RequestTimeout)

	if c := strings.TrimSpace(opts.SessionCookie); c != "" {
		client.SetCookie(&http.Cookie{Name: sessionCookieName, Value: c})
	}

	return &Client{
		http: client,
		opts: opts,
		log:  log,
		now:  time.Now,
	}, nil
}

// Fetch returns the current loads-table snapshot, logging in as needed.
//
// A login is only attempted when the cooldown has elapsed; in between,
// fetches ride the existing cookie session. If the board request lands on
// the login page (session expired), the cooldown clock is zeroed and the
// whole sequence is retried exactly once.
func (c *Client) Fetch(ctx context.Context) (Snapshot, error) {
	if err := c.loginIfDue(ctx); err != nil {
		return "", err
	}

	for attempt := 0; ; attempt++ {
		res, err := c.http.R().SetContext(ctx).Get(c.opts.BoardURL)
		if err != nil {
			return "", fmt.Errorf("loadboard: fetch board: %w", err)
		}

		if !redirectedToLogin(res) {
			return extractTableBody(res.Body())
		}

		if attempt >= 1 {
			return "", ErrSessionExpired
		}
		c.log.Info("session expired, forcing re-login")
		c.lastLogin = time.Time{} // bypass cooldown
		if err := c.loginIfDue(ctx); err != nil {
			return "", err
		}
	}
}

func (c *Client) loginIfDue(ctx context.Context) error {
	now := c.now()
	if since := now.Sub(c.lastLogin); since < c.opts.LoginCooldown {
		c.log.Debug("skipping login (cooldown)", logx.Duration("since_last", since))
		return nil
	}

	res, err := c.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"email":      c.opts.Credentials.Email,
			"password":   c.opts.Credentials.Password,
			"csrf_token": c.opts.Credentials.CSRFToken,
		}).
		Post(c.opts.LoginURL)
	if err != nil {
		return fmt.Errorf("loadboard: login: %w", err)
	}

	if strings.TrimSpace(string(res.Body())) != loginOKSentinel {
		return ErrLoginFailed
	}

	c.lastLogin = now
	c.log.Info("logged in to load board")
	return nil
}

// redirectedToLogin reports whether the effective (post-redirect) URL of the
// response points at the login page.
func redirectedToLogin(res *resty.Response) bool {
	raw := res.RawResponse
	if raw == nil || raw.Request == nil || raw.Request.URL == nil {
		return false
	}
	return strings.Contains(strings.ToLower(raw.Request.URL.String()), "login")
}

// extractTableBody keeps only the first tbody of the page; the rest of the
// document is noise for change detection.
func extractTableBody(body []byte) (Snapshot, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return "", fmt.Errorf("loadboard: parse board page: %w", err)
	}
	sel := doc.Find("tbody").First()
	if sel.Length() == 0 {
		return "", ErrNoTable
	}
	frag, err := goquery.OuterHtml(sel)
	if err != nil {
		return "", fmt.Errorf("loadboard: render table body: %w", err)
	}
	return Snapshot(frag), nil
}
