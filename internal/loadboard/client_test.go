package loadboard

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	logx "loadbot/pkg/logx"
)

const boardPage = `<html><body><table><tbody>
<tr><td>1</td><td><strong>L100</strong></td><td>412</td><td>p</td><td>d</td><td><ul><li>s</li></ul></td></tr>
</tbody></table></body></html>`

// boardServer is a fake origin: POST /login checks the form fields and
// answers with the "0" sentinel, GET /board serves the table or bounces to
// the login page when the session flag is down.
type boardServer struct {
	*httptest.Server

	logins      atomic.Int64
	expired     atomic.Bool
	stayExpired atomic.Bool
	reject      atomic.Bool
}

func newBoardServer(t *testing.T) *boardServer {
	t.Helper()
	s := &boardServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			// Redirect target: the login page itself.
			_, _ = w.Write([]byte("<html>login form</html>"))
			return
		}
		s.logins.Add(1)
		if s.reject.Load() || r.FormValue("email") != "ops@example.com" ||
			r.FormValue("password") != "hunter2" || r.FormValue("csrf_token") != "tok" {
			_, _ = w.Write([]byte("1"))
			return
		}
		if !s.stayExpired.Load() {
			s.expired.Store(false)
		}
		_, _ = w.Write([]byte("0"))
	})
	mux.HandleFunc("/board", func(w http.ResponseWriter, r *http.Request) {
		if s.expired.Load() {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}
		_, _ = w.Write([]byte(boardPage))
	})
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func newTestClient(t *testing.T, srv *boardServer) *Client {
	t.Helper()
	c, err := New(Options{
		BaseURL:  srv.URL,
		LoginURL: "/login",
		BoardURL: "/board",
		Credentials: Credentials{
			Email:     "ops@example.com",
			Password:  "hunter2",
			CSRFToken: "tok",
		},
		LoginCooldown:  10 * time.Minute,
		RequestTimeout: 5 * time.Second,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestFetchLogsInAndReturnsSnapshot(t *testing.T) {
	srv := newBoardServer(t)
	c := newTestClient(t, srv)

	snap, err := c.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !strings.Contains(string(snap), "<strong>L100</strong>") {
		t.Fatalf("snapshot missing load row:\n%s", snap)
	}
	if !strings.HasPrefix(strings.TrimSpace(string(snap)), "<tbody") {
		t.Fatalf("snapshot should be the tbody fragment, got:\n%s", snap)
	}
	if got := srv.logins.Load(); got != 1 {
		t.Fatalf("expected 1 login, got %d", got)
	}
}

func TestFetchRespectsLoginCooldown(t *testing.T) {
	srv := newBoardServer(t)
	c := newTestClient(t, srv)

	base := time.Now()
	c.now = func() time.Time { return base }

	if _, err := c.Fetch(context.Background()); err != nil {
		t.Fatalf("first Fetch: %v", err)
	}

	// Within the cooldown: no second login.
	c.now = func() time.Time { return base.Add(5 * time.Minute) }
	if _, err := c.Fetch(context.Background()); err != nil {
		t.Fatalf("second Fetch: %v", err)
	}
	if got := srv.logins.Load(); got != 1 {
		t.Fatalf("expected cooldown to suppress login, got %d logins", got)
	}

	// Past the cooldown: login again.
	c.now = func() time.Time { return base.Add(11 * time.Minute) }
	if _, err := c.Fetch(context.Background()); err != nil {
		t.Fatalf("third Fetch: %v", err)
	}
	if got := srv.logins.Load(); got != 2 {
		t.Fatalf("expected re-login after cooldown, got %d logins", got)
	}
}

func TestFetchReloginOnLoginRedirect(t *testing.T) {
	srv := newBoardServer(t)
	c := newTestClient(t, srv)

	if _, err := c.Fetch(context.Background()); err != nil {
		t.Fatalf("first Fetch: %v", err)
	}

	// Kill the session server-side; the next successful login revives it.
	srv.expired.Store(true)

	snap, err := c.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch after expiry: %v", err)
	}
	if !strings.Contains(string(snap), "L100") {
		t.Fatalf("expected board snapshot after re-login, got:\n%s", snap)
	}
	if got := srv.logins.Load(); got != 2 {
		t.Fatalf("expected exactly one forced re-login, got %d logins", got)
	}
}

func TestFetchGivesUpAfterOneRetry(t *testing.T) {
	srv := newBoardServer(t)
	c := newTestClient(t, srv)

	if _, err := c.Fetch(context.Background()); err != nil {
		t.Fatalf("first Fetch: %v", err)
	}

	// Board keeps bouncing to login no matter how often we authenticate.
	srv.stayExpired.Store(true)
	srv.expired.Store(true)

	_, err := c.Fetch(context.Background())
	if !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
}

func TestFetchLoginRejected(t *testing.T) {
	srv := newBoardServer(t)
	srv.reject.Store(true)
	c := newTestClient(t, srv)

	_, err := c.Fetch(context.Background())
	if !errors.Is(err, ErrLoginFailed) {
		t.Fatalf("expected ErrLoginFailed, got %v", err)
	}
}

func TestExtractTableBodyNoTable(t *testing.T) {
	t.Parallel()

	_, err := extractTableBody([]byte("<html><body><p>maintenance</p></body></html>"))
	if !errors.Is(err, ErrNoTable) {
		t.Fatalf("expected ErrNoTable, got %v", err)
	}
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	if _, err := New(Options{}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty base URL")
	}
	if _, err := New(Options{BaseURL: "http://x"}, logx.Nop()); err == nil {
		t.Fatal("expected error for missing login/board URLs")
	}
}
