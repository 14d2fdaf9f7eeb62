// Package access guards the API with a shared password. Failed attempts are
// counted per client; once the limit is reached inside the window the client
// is locked out until the window has passed since its last failure.
package access

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"gradeflow/internal/config"
)

const Header = "X-Access-Password"

var ErrDenied = errors.New("incorrect password")

type LockedError struct {
	Remaining time.Duration
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("too many failed attempts; cooldown remaining: %d seconds", e.Seconds())
}

func (e *LockedError) Seconds() int {
	return int(math.Ceil(e.Remaining.Seconds()))
}

type client struct {
	failures   int
	lastFailed time.Time
}

type Gate struct {
	password    string
	maxAttempts int
	window      time.Duration
	now         func() time.Time
	logger      logrus.FieldLogger

	mu      sync.Mutex
	clients map[string]*client
}

func New(password string, maxAttempts int, window time.Duration, logger logrus.FieldLogger) *Gate {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if window <= 0 {
		window = 300 * time.Second
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Gate{
		password:    password,
		maxAttempts: maxAttempts,
		window:      window,
		now:         time.Now,
		logger:      logger,
		clients:     map[string]*client{},
	}
}

func FromConfig(cfg config.Config, logger logrus.FieldLogger) *Gate {
	return New(cfg.AccessPassword, cfg.AccessMaxAttempts, cfg.AccessWindow, logger)
}

// Enabled is false when no password is configured; every request passes.
func (g *Gate) Enabled() bool { return g.password != "" }

// Check verifies password for clientID. It returns *LockedError while the
// client is cooling down, ErrDenied on a wrong password, nil otherwise.
func (g *Gate) Check(clientID, password string) error {
	if !g.Enabled() {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	c := g.clients[clientID]
	if c != nil && now.Sub(c.lastFailed) > g.window {
		delete(g.clients, clientID)
		c = nil
	}
	if c != nil && c.failures >= g.maxAttempts {
		return &LockedError{Remaining: g.window - now.Sub(c.lastFailed)}
	}
	if subtle.ConstantTimeCompare([]byte(password), []byte(g.password)) == 1 {
		delete(g.clients, clientID)
		return nil
	}
	if c == nil {
		c = &client{}
		g.clients[clientID] = c
	}
	c.failures++
	c.lastFailed = now
	if c.failures >= g.maxAttempts {
		g.logger.WithFields(logrus.Fields{"client": clientID, "failures": c.failures}).Warn("access locked")
	}
	return ErrDenied
}

// Middleware rejects requests without the password header. Paths in open
// bypass the gate.
func (g *Gate) Middleware(next http.Handler, open ...string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, p := range open {
			if r.URL.Path == p {
				next.ServeHTTP(w, r)
				return
			}
		}
		err := g.Check(ClientID(r), r.Header.Get(Header))
		var locked *LockedError
		switch {
		case err == nil:
			next.ServeHTTP(w, r)
		case errors.As(err, &locked):
			w.Header().Set("Retry-After", fmt.Sprint(locked.Seconds()))
			http.Error(w, err.Error(), http.StatusTooManyRequests)
		default:
			http.Error(w, err.Error(), http.StatusUnauthorized)
		}
	})
}

// ClientID is the remote host of r without its port.
func ClientID(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
