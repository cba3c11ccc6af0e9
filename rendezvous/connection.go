package rendezvous

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/pion/logging"
)

// connKind selects one of the two server connections.
type connKind int

const (
	// connOnDemand carries every request except the long poll.
	connOnDemand connKind = iota
	// connPersistent carries only the long-poll GET.
	connPersistent
)

func (k connKind) String() string {
	if k == connPersistent {
		return "persistent"
	}

	return "on-demand"
}

// serverConnection owns the two HTTP(S) connections to the rendezvous
// server: one persistent connection reserved for the long poll and one
// on-demand connection for everything else. Transitioning a connection down
// releases its sockets atomically by dropping the idle pool.
type serverConnection struct {
	server   string
	useHTTP  bool
	deadline time.Duration

	mu         sync.Mutex
	persistent *http.Client
	onDemand   *http.Client
	up         [2]bool

	log logging.LeveledLogger
}

func newServerConnection(server string, useHTTP bool, requestTimeout time.Duration, log logging.LeveledLogger) *serverConnection {
	return &serverConnection{
		server:   server,
		useHTTP:  useHTTP,
		deadline: requestTimeout,
		log:      log,
	}
}

// client returns the live client for the kind, dialing lazily.
func (c *serverConnection) client(kind connKind) *http.Client {
	c.mu.Lock()
	defer c.mu.Unlock()

	slot := &c.onDemand
	if kind == connPersistent {
		slot = &c.persistent
	}
	if *slot == nil {
		transport := &http.Transport{
			MaxIdleConns:    1,
			MaxConnsPerHost: 1,
			IdleConnTimeout: 5 * time.Minute,
			TLSClientConfig: &tls.Config{ServerName: c.server, MinVersion: tls.VersionTLS12},
		}
		*slot = &http.Client{Transport: transport}
	}
	c.up[kind] = true

	return *slot
}

// reset tears the connection down; the next request dials fresh.
func (c *serverConnection) reset(kind connKind) {
	c.mu.Lock()
	defer c.mu.Unlock()

	slot := &c.onDemand
	if kind == connPersistent {
		slot = &c.persistent
	}
	if *slot != nil {
		(*slot).CloseIdleConnections()
		*slot = nil
	}
	if c.up[kind] {
		c.log.Debugf("%s connection down", kind)
	}
	c.up[kind] = false
}

// isUp reports whether the connection has served a request since the last
// reset.
func (c *serverConnection) isUp(kind connKind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.up[kind]
}

func (c *serverConnection) baseURL() string {
	scheme := "https"
	if c.useHTTP {
		scheme = "http"
	}

	return scheme + "://" + c.server
}

// do issues one request. body, when non-nil, is JSON encoded; out, when
// non-nil, receives the decoded JSON response. Non-200 statuses surface as
// ErrHTTPStatus carrying the code.
func (c *serverConnection) do(ctx context.Context, kind connKind, method, uri string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(encoded)
	}

	if c.deadline > 0 && kind == connOnDemand {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.deadline)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL()+uri, reader)
	if err != nil {
		return 0, err
	}
	// The Host header always names the configured server, including when
	// a debug deployment fronts it with a different address.
	req.Host = c.server
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client(kind).Do(req)
	if err != nil {
		c.reset(kind)

		return 0, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, fmt.Errorf("%w: %d on %s %s", ErrHTTPStatus, resp.StatusCode, method, uri)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
	}

	return resp.StatusCode, nil
}
