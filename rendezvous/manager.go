package rendezvous

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"
	"github.com/pion/logging"
)

const (
	// requestTimeout bounds one on-demand round trip.
	requestTimeout = 15 * time.Second

	// minKeepAlive floors the server-supplied keepalive interval.
	minKeepAlive = 30 * time.Second

	// interfaceUpdateMinInterval caps the reconnect backoff.
	interfaceUpdateMinInterval = 180 * time.Second

	// tokenExpiryMargin forces a refresh before tokens actually lapse.
	tokenExpiryMargin = 60 * time.Second
)

// Callbacks deliver inbound persistent-channel events. All callbacks fire
// on the manager goroutine; implementations must not call back into the
// manager synchronously.
type Callbacks struct {
	// SearchMatch announces a service matching one of our searches.
	SearchMatch func(resp SearchMatchResponse)
	// MatchRevoked withdraws services previously matched.
	MatchRevoked func(resp MatchRevokedResponse)
	// AddressCandidates delivers a peer's ICE candidates; for the
	// advertising side this starts an incoming ICE session.
	AddressCandidates func(resp AddressCandidatesResponse)
	// StartICEChecks tells the advertising side, which has answered a
	// peer's candidates, that checks may begin.
	StartICEChecks func(resp StartICEChecksResponse)
	// Authenticated fires after each successful client login.
	Authenticated func(peerID, peerAddr string)
}

// Config collects the arguments to Manager construction.
type Config struct {
	// Server is the DNS name of the rendezvous server.
	Server string
	// UseHTTP opts into plaintext HTTP; debug deployments only.
	UseHTTP bool
	// DaemonID is the persistent daemon identifier.
	DaemonID string
	// Username and Password are the SCRAM credentials.
	Username string
	Password string

	EnableIPv6 bool

	LoggerFactory logging.LoggerFactory
	Clock         clockwork.Clock
}

type outboundKind int

const (
	outAdvertise outboundKind = iota
	outSearch
	outProximity
	outCandidates
	outTokenRefresh
	outSessionDelete
)

type outbound struct {
	kind    outboundKind
	method  string
	dest    string
	addSTUN bool
	body    *ICECandidatesMessage
	reply   chan error
}

// Manager is the discovery manager: a single-threaded event loop owning the
// rendezvous-server relationship. Public methods enqueue work and wake the
// loop; the loop performs every HTTP exchange.
type Manager struct {
	cfg   Config
	log   logging.LeveledLogger
	clock clockwork.Clock
	conn  *serverConnection
	scram *scramClient

	mu                 sync.Mutex
	queue              []outbound
	advertised         []string
	searched           []string
	proximity          ProximityMessage
	proximitySent      bool
	peerID             string
	peerAddr           string
	authFailed         bool
	tKeepAlive         time.Duration
	lastOnDemandSend   time.Time
	lastPersistentSend time.Time

	// discovered maps service name to its latest search match; entries
	// expire with their STUN token.
	discovered *ttlcache.Cache[string, SearchMatchResponse]

	callbacks Callbacks

	wakeCh       chan struct{}
	persistentCh chan responseEnvelope
	resetCh      chan struct{}
	stopCh       chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup

	pollCancel context.CancelFunc
}

type responseEnvelope struct {
	Msgs []responseItem `json:"msgs"`
}

type responseItem struct {
	Type     string          `json:"type"`
	Response json.RawMessage `json:"response"`
}

// NewManager creates a discovery manager for the configured server.
func NewManager(cfg Config) *Manager {
	loggerFactory := cfg.LoggerFactory
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.DaemonID == "" {
		cfg.DaemonID = uuid.NewString()
	}
	log := loggerFactory.NewLogger("rendezvous")

	m := &Manager{
		cfg:          cfg,
		log:          log,
		clock:        clock,
		conn:         newServerConnection(cfg.Server, cfg.UseHTTP, requestTimeout, log),
		scram:        newSCRAMClient(cfg.Username, cfg.Password),
		tKeepAlive:   minKeepAlive * 2,
		discovered:   ttlcache.New[string, SearchMatchResponse](),
		wakeCh:       make(chan struct{}, 1),
		persistentCh: make(chan responseEnvelope, 8),
		resetCh:      make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
	}

	return m
}

// SetCallbacks installs the inbound event handlers. Must be called before
// Start.
func (m *Manager) SetCallbacks(cb Callbacks) {
	m.callbacks = cb
}

// Start launches the manager loop.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.runLoop()
	go m.discovered.Start()
}

// Stop terminates the loop, deleting the rendezvous session when one is
// live. Idempotent; blocks until the loop has exited.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.discovered.Stop()
	})
	m.wg.Wait()
}

// PeerID returns the server-assigned peer identifier, empty before login.
func (m *Manager) PeerID() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.peerID
}

// PeerAddr returns the server-assigned peer address, empty before login.
func (m *Manager) PeerAddr() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.peerAddr
}

// AdvertiseName adds a well-known name to the advertised set.
func (m *Manager) AdvertiseName(name string) {
	m.mutateNameSet(&m.advertised, name, true, outAdvertise, http.MethodPost)
}

// CancelAdvertiseName withdraws an advertised name.
func (m *Manager) CancelAdvertiseName(name string) {
	m.mutateNameSet(&m.advertised, name, false, outAdvertise, http.MethodDelete)
}

// FindName adds a well-known name to the searched set.
func (m *Manager) FindName(name string) {
	m.mutateNameSet(&m.searched, name, true, outSearch, http.MethodPost)
}

// CancelFindName withdraws a search.
func (m *Manager) CancelFindName(name string) {
	m.mutateNameSet(&m.searched, name, false, outSearch, http.MethodDelete)
}

// mutateNameSet updates one of the advertised/searched lists and queues the
// corresponding server update. Any change to these sets lifts an
// authentication suspension.
func (m *Manager) mutateNameSet(set *[]string, name string, add bool, kind outboundKind, method string) {
	m.mu.Lock()
	changed := false
	if add {
		found := false
		for _, n := range *set {
			if n == name {
				found = true

				break
			}
		}
		if !found {
			*set = append(*set, name)
			changed = true
		}
	} else {
		for i, n := range *set {
			if n == name {
				*set = append((*set)[:i], (*set)[i+1:]...)
				changed = true

				break
			}
		}
	}
	if changed {
		m.authFailed = false
		m.queue = append(m.queue, outbound{kind: kind, method: method})
	}
	m.mu.Unlock()

	if changed {
		m.wake()
	}
}

// UpdateProximity replaces the proximity view and queues the update. The
// initial upload is a POST; later updates go as PUT.
func (m *Manager) UpdateProximity(p ProximityMessage) {
	m.mu.Lock()
	m.proximity = p
	method := http.MethodPost
	if m.proximitySent {
		method = http.MethodPut
	}
	m.queue = append(m.queue, outbound{kind: outProximity, method: method})
	m.mu.Unlock()
	m.wake()
}

// SendICECandidates queues this daemon's candidate list for delivery to the
// peer daemon at destPeerAddr. requestSTUN asks the server to append STUN
// server info before forwarding.
func (m *Manager) SendICECandidates(destPeerAddr string, msg ICECandidatesMessage, requestSTUN bool) {
	m.mu.Lock()
	m.queue = append(m.queue, outbound{
		kind:    outCandidates,
		method:  http.MethodPost,
		dest:    destPeerAddr,
		addSTUN: requestSTUN,
		body:    &msg,
	})
	m.mu.Unlock()
	m.wake()
}

// DiscoveredService returns the cached search match for a service.
func (m *Manager) DiscoveredService(service string) (SearchMatchResponse, bool) {
	item := m.discovered.Get(service)
	if item == nil {
		return SearchMatchResponse{}, false
	}

	return item.Value(), true
}

// GetSTUNInfo returns a fresh STUN/TURN credential for the peer behind
// service. A stale token triggers a refresh round trip; the call blocks
// until the refreshed credential arrives or ctx expires.
func (m *Manager) GetSTUNInfo(ctx context.Context, service string) (STUNServerInfo, error) {
	item := m.discovered.Get(service)
	if item == nil {
		return STUNServerInfo{}, ErrUnknownService
	}
	info := item.Value().STUNInfo

	if m.tokenFresh(info) {
		return info, nil
	}

	reply := make(chan error, 1)
	m.mu.Lock()
	m.queue = append(m.queue, outbound{kind: outTokenRefresh, reply: reply})
	m.mu.Unlock()
	m.wake()

	select {
	case err := <-reply:
		if err != nil {
			return STUNServerInfo{}, err
		}
	case <-ctx.Done():
		return STUNServerInfo{}, ErrTokenUnavailable
	case <-m.stopCh:
		return STUNServerInfo{}, ErrStopped
	}

	item = m.discovered.Get(service)
	if item == nil {
		return STUNServerInfo{}, ErrUnknownService
	}

	return item.Value().STUNInfo, nil
}

// tokenFresh applies the expiry margin: now - recv < expiry - 60s.
func (m *Manager) tokenFresh(info STUNServerInfo) bool {
	recv := time.Unix(0, info.RecvTime)
	expiry := time.Duration(info.ExpiryTime) * time.Millisecond

	return m.clock.Now().Sub(recv) < expiry-tokenExpiryMargin
}

func (m *Manager) wake() {
	select {
	case m.wakeCh <- struct{}{}:
	default:
	}
}

// runLoop is the single-threaded discovery event loop.
func (m *Manager) runLoop() {
	defer m.wg.Done()

	expo := backoff.NewExponentialBackOff()
	expo.MaxInterval = interfaceUpdateMinInterval

	for {
		select {
		case <-m.stopCh:
			m.shutdown()

			return
		default:
		}

		if !m.authenticated() {
			if m.suspended() || !m.haveWork() {
				if !m.waitForEvent(0) {
					m.shutdown()

					return
				}

				continue
			}
			if err := m.login(); err != nil {
				m.log.Warnf("client login failed: %v", err)
				if errors.Is(err, ErrAuthRejected) {
					continue
				}
				if !m.sleep(expo.NextBackOff()) {
					m.shutdown()

					return
				}

				continue
			}
			expo.Reset()
			m.startLongPoll()
			m.queueResync()
		}

		if !m.drainQueue() {
			continue
		}

		if !m.waitForEvent(m.nextDeadline()) {
			m.shutdown()

			return
		}
	}
}

func (m *Manager) authenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.peerID != ""
}

func (m *Manager) suspended() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.authFailed
}

func (m *Manager) haveWork() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.queue) > 0 || len(m.advertised) > 0 || len(m.searched) > 0
}

// waitForEvent blocks for a wake, a persistent response, a connection
// reset, or the keepalive deadline. Returns false on stop.
func (m *Manager) waitForEvent(deadline time.Duration) bool {
	var timerCh <-chan time.Time
	if deadline > 0 {
		timer := m.clock.NewTimer(deadline)
		defer timer.Stop()
		timerCh = timer.Chan()
	}

	select {
	case <-m.stopCh:
		return false
	case <-m.wakeCh:
	case env := <-m.persistentCh:
		m.dispatchEnvelope(env)
	case <-m.resetCh:
		m.onConnectionReset()
	case <-timerCh:
		m.onKeepAliveDeadline()
	}

	return true
}

func (m *Manager) sleep(d time.Duration) bool {
	timer := m.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-m.stopCh:
		return false
	case <-timer.Chan():
		return true
	}
}

// nextDeadline computes the minimum keepalive residual over both
// connections.
func (m *Manager) nextDeadline() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	next := m.tKeepAlive - now.Sub(m.lastPersistentSend)
	if odResidual := m.tKeepAlive - now.Sub(m.lastOnDemandSend); odResidual < next {
		next = odResidual
	}
	if next <= 0 {
		next = time.Second
	}

	return next
}

// onKeepAliveDeadline restarts the long poll when the persistent channel
// has gone quiet and releases a stale on-demand connection.
func (m *Manager) onKeepAliveDeadline() {
	m.mu.Lock()
	now := m.clock.Now()
	persistentStale := now.Sub(m.lastPersistentSend) >= m.tKeepAlive
	onDemandStale := now.Sub(m.lastOnDemandSend) >= m.tKeepAlive
	m.mu.Unlock()

	if persistentStale {
		m.log.Debugf("persistent channel stale, reissuing long poll")
		m.startLongPoll()
	}
	if onDemandStale && m.conn.isUp(connOnDemand) {
		m.conn.reset(connOnDemand)
	}
}

// onConnectionReset tears down both connections and forces a fresh login.
func (m *Manager) onConnectionReset() {
	m.log.Infof("connection reset, re-entering client login")
	if m.pollCancel != nil {
		m.pollCancel()
	}
	m.conn.reset(connPersistent)
	m.conn.reset(connOnDemand)
	m.mu.Lock()
	m.peerID = ""
	m.peerAddr = ""
	m.mu.Unlock()
}

func (m *Manager) requestReset() {
	select {
	case m.resetCh <- struct{}{}:
	default:
	}
}

// shutdown deletes the live rendezvous session and stops the long poll.
func (m *Manager) shutdown() {
	if m.pollCancel != nil {
		m.pollCancel()
	}
	m.mu.Lock()
	peerID := m.peerID
	m.mu.Unlock()
	if peerID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		if _, err := m.conn.do(ctx, connOnDemand, http.MethodDelete, sessionDeleteURI(peerID), nil, nil); err != nil {
			m.log.Debugf("session delete: %v", err)
		}
	}
	m.conn.reset(connPersistent)
	m.conn.reset(connOnDemand)
}

// queueResync front-loads Advertisement, Search and Proximity, in that
// order, after every fresh persistent connection.
func (m *Manager) queueResync() {
	m.mu.Lock()
	resync := []outbound{
		{kind: outAdvertise, method: http.MethodPost},
		{kind: outSearch, method: http.MethodPost},
		{kind: outProximity, method: http.MethodPost},
	}
	m.queue = append(resync, m.queue...)
	m.mu.Unlock()
}

// drainQueue sends queued messages in submission order. Returns false when
// the loop must re-enter authentication.
func (m *Manager) drainQueue() bool {
	for {
		m.mu.Lock()
		if len(m.queue) == 0 || m.peerID == "" {
			ok := m.peerID != ""
			m.mu.Unlock()

			return ok
		}
		msg := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()

		if err := m.sendOutbound(msg); err != nil {
			m.log.Warnf("send failed, reconnecting: %v", err)
			if msg.reply != nil {
				msg.reply <- err
			} else {
				// Failed updates revert to reconnect and resync.
				m.requestReset()
			}
			m.onConnectionReset()

			return false
		}
		if msg.reply != nil {
			msg.reply <- nil
		}
	}
}

func (m *Manager) sendOutbound(msg outbound) error {
	m.mu.Lock()
	peerID := m.peerID
	m.mu.Unlock()

	ctx := context.Background()
	var err error

	switch msg.kind {
	case outAdvertise:
		body := AdvertiseMessage{}
		m.mu.Lock()
		for _, name := range m.advertised {
			body.Ads = append(body.Ads, Advertisement{Service: name})
		}
		m.mu.Unlock()
		_, err = m.conn.do(ctx, connOnDemand, msg.method, advertisementURI(peerID), &body, nil)

	case outSearch:
		body := SearchMessage{}
		m.mu.Lock()
		for _, name := range m.searched {
			body.Search = append(body.Search, Search{Service: name})
		}
		m.mu.Unlock()
		_, err = m.conn.do(ctx, connOnDemand, msg.method, searchURI(peerID), &body, nil)

	case outProximity:
		m.mu.Lock()
		body := m.proximity
		m.mu.Unlock()
		_, err = m.conn.do(ctx, connOnDemand, msg.method, proximityURI(peerID), &body, nil)
		if err == nil {
			m.mu.Lock()
			m.proximitySent = true
			m.mu.Unlock()
		}

	case outCandidates:
		_, err = m.conn.do(ctx, connOnDemand, msg.method,
			addressCandidatesURI(peerID, msg.dest, msg.addSTUN), msg.body, nil)

	case outTokenRefresh:
		err = m.refreshTokens(ctx, peerID)

	case outSessionDelete:
		_, err = m.conn.do(ctx, connOnDemand, http.MethodDelete, sessionDeleteURI(peerID), nil, nil)
	}

	if err == nil {
		m.mu.Lock()
		m.lastOnDemandSend = m.clock.Now()
		m.mu.Unlock()
	}

	return err
}

// refreshTokens performs the token refresh round trip and rewrites the
// credential on every discovered service.
func (m *Manager) refreshTokens(ctx context.Context, peerID string) error {
	var resp TokenRefreshResponse
	if _, err := m.conn.do(ctx, connOnDemand, http.MethodGet, tokenRefreshURI(peerID), nil, &resp); err != nil {
		return err
	}
	resp.RecvTime = m.clock.Now().UnixNano()

	for _, key := range m.discovered.Keys() {
		item := m.discovered.Get(key)
		if item == nil {
			continue
		}
		match := item.Value()
		match.STUNInfo.Acct = resp.Acct
		match.STUNInfo.Pwd = resp.Pwd
		match.STUNInfo.ExpiryTime = resp.ExpiryTime
		match.STUNInfo.RecvTime = resp.RecvTime
		m.storeMatch(match)
	}
	m.log.Debugf("stun tokens refreshed, expiry %dms", resp.ExpiryTime)

	return nil
}

// login runs the SCRAM-SHA-1 exchange on the on-demand connection.
func (m *Manager) login() error {
	ctx := context.Background()
	m.scram.Reset()

	first := ClientLoginRequest{
		FirstMessage: true,
		DaemonID:     m.cfg.DaemonID,
		Mechanism:    scramMechanism,
		Message:      m.scram.ClientFirst(),
	}
	var firstResp ClientLoginFirstResponse
	if _, err := m.conn.do(ctx, connOnDemand, http.MethodPost, clientLoginURI(), &first, &firstResp); err != nil {
		return err
	}

	finalMsg, err := m.scram.ClientFinal(firstResp.Message)
	if err != nil {
		m.handleAuthError(err)

		return err
	}

	final := ClientLoginRequest{
		DaemonID:  m.cfg.DaemonID,
		Mechanism: scramMechanism,
		Message:   finalMsg,
	}
	var finalResp ClientLoginFinalResponse
	if _, err := m.conn.do(ctx, connOnDemand, http.MethodPost, clientLoginURI(), &final, &finalResp); err != nil {
		return err
	}
	if err := m.scram.VerifyServerFinal(finalResp.Message); err != nil {
		m.handleAuthError(err)

		return err
	}

	m.mu.Lock()
	m.peerID = finalResp.PeerID
	m.peerAddr = finalResp.PeerAddr
	if finalResp.ConfigData != nil && finalResp.ConfigData.TKeepAlive > 0 {
		serverKeepAlive := time.Duration(finalResp.ConfigData.TKeepAlive) * time.Second
		if serverKeepAlive < minKeepAlive {
			serverKeepAlive = minKeepAlive
		}
		m.tKeepAlive = serverKeepAlive * 2
	}
	now := m.clock.Now()
	m.lastOnDemandSend = now
	m.lastPersistentSend = now
	m.mu.Unlock()

	m.log.Infof("authenticated: peerID=%s peerAddr=%s", finalResp.PeerID, finalResp.PeerAddr)

	if finalResp.DaemonRegistrationRequired {
		m.registerDaemon(finalResp.PeerID)
	}

	if m.callbacks.Authenticated != nil {
		m.callbacks.Authenticated(finalResp.PeerID, finalResp.PeerAddr)
	}

	return nil
}

// handleAuthError suspends reconnects when the server rejects the login as a
// deactivated or unknown user, until the advertise/search set changes.
func (m *Manager) handleAuthError(err error) {
	if !errors.Is(err, ErrAuthRejected) {
		return
	}
	switch m.scram.ServerError() {
	case serverErrDeactivatedUser, serverErrUnknownUser:
		m.mu.Lock()
		m.authFailed = true
		m.mu.Unlock()
		m.log.Warnf("authentication suspended: %s", m.scram.ServerError())
	default:
	}
}

func (m *Manager) registerDaemon(peerID string) {
	body := DaemonRegistrationMessage{
		DaemonID:      m.cfg.DaemonID,
		DaemonVersion: "icebus-1.0",
		OSType:        "linux",
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if _, err := m.conn.do(ctx, connOnDemand, http.MethodPost, daemonRegistrationURI(peerID), &body, nil); err != nil {
		m.log.Warnf("daemon registration failed: %v", err)
	}
}

// startLongPoll (re)starts the persistent-channel GET loop.
func (m *Manager) startLongPoll() {
	if m.pollCancel != nil {
		m.pollCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.pollCancel = cancel

	m.mu.Lock()
	peerID := m.peerID
	m.mu.Unlock()
	if peerID == "" {
		return
	}

	m.wg.Add(1)
	go m.longPollLoop(ctx, peerID)
}

// longPollLoop issues a new GET each time a response arrives; each issue
// counts as a persistent-channel send for keepalive accounting.
func (m *Manager) longPollLoop(ctx context.Context, peerID string) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		default:
		}

		m.mu.Lock()
		m.lastPersistentSend = m.clock.Now()
		tKeepAlive := m.tKeepAlive
		m.mu.Unlock()

		pollCtx, cancel := context.WithTimeout(ctx, tKeepAlive)
		var env responseEnvelope
		status, err := m.conn.do(pollCtx, connPersistent, http.MethodGet, messagesURI(peerID), nil, &env)
		cancel()

		switch {
		case err == nil:
			select {
			case m.persistentCh <- env:
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			}
		case errors.Is(err, context.DeadlineExceeded):
			// Quiet interval; reissue.
		case status == http.StatusUnauthorized:
			m.log.Infof("long poll unauthorized, re-entering client login")
			m.requestReset()

			return
		default:
			if ctx.Err() != nil {
				return
			}
			m.log.Debugf("long poll failed: %v", err)
			m.conn.reset(connPersistent)
			m.requestReset()

			return
		}
	}
}

// dispatchEnvelope fans inbound persistent-channel events out to the
// callbacks, updating the discovered-service cache first.
func (m *Manager) dispatchEnvelope(env responseEnvelope) {
	for _, item := range env.Msgs {
		switch item.Type {
		case responseSearchMatch:
			var resp SearchMatchResponse
			if err := json.Unmarshal(item.Response, &resp); err != nil {
				m.log.Warnf("malformed search match: %v", err)

				continue
			}
			resp.STUNInfo.RecvTime = m.clock.Now().UnixNano()
			m.storeMatch(resp)
			if m.callbacks.SearchMatch != nil {
				m.callbacks.SearchMatch(resp)
			}

		case responseMatchRevoked:
			var resp MatchRevokedResponse
			if err := json.Unmarshal(item.Response, &resp); err != nil {
				m.log.Warnf("malformed match revoked: %v", err)

				continue
			}
			m.revokeMatches(resp)
			if m.callbacks.MatchRevoked != nil {
				m.callbacks.MatchRevoked(resp)
			}

		case responseAddressCandidates:
			var resp AddressCandidatesResponse
			if err := json.Unmarshal(item.Response, &resp); err != nil {
				m.log.Warnf("malformed address candidates: %v", err)

				continue
			}
			if resp.STUNInfo != nil {
				resp.STUNInfo.RecvTime = m.clock.Now().UnixNano()
			}
			if m.callbacks.AddressCandidates != nil {
				m.callbacks.AddressCandidates(resp)
			}

		case responseStartICEChecks:
			var resp StartICEChecksResponse
			if err := json.Unmarshal(item.Response, &resp); err != nil {
				m.log.Warnf("malformed start ice checks: %v", err)

				continue
			}
			if m.callbacks.StartICEChecks != nil {
				m.callbacks.StartICEChecks(resp)
			}

		default:
			m.log.Warnf("unknown persistent response type %q", item.Type)
		}
	}
}

// storeMatch caches a search match until its STUN token expires.
func (m *Manager) storeMatch(resp SearchMatchResponse) {
	ttl := time.Duration(resp.STUNInfo.ExpiryTime) * time.Millisecond
	if ttl <= 0 {
		ttl = ttlcache.NoTTL
	}
	m.discovered.Set(resp.Service, resp, ttl)
}

func (m *Manager) revokeMatches(resp MatchRevokedResponse) {
	if resp.DeleteAll {
		for _, key := range m.discovered.Keys() {
			item := m.discovered.Get(key)
			if item != nil && item.Value().PeerAddr == resp.PeerAddr {
				m.discovered.Delete(key)
			}
		}

		return
	}
	for _, service := range resp.Services {
		m.discovered.Delete(service)
	}
}
