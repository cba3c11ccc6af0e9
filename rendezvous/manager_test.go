package rendezvous

import (
	"context"
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/pbkdf2"
)

const (
	testUser     = "daemon-user"
	testPassword = "daemon-secret"
	testPeerID   = "peer-1234"
	testPeerAddr = "addr-5678"
)

// fakeServer is a minimal rendezvous server: SCRAM-SHA-1 login, request
// recording, a long-poll channel, and token refresh.
type fakeServer struct {
	t *testing.T

	mu              sync.Mutex
	salt            []byte
	iterations      int
	clientFirstBare string
	serverFirst     string
	sends           []string

	events chan responseEnvelope

	srv *httptest.Server
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	f := &fakeServer{
		t:          t,
		salt:       []byte("0123456789abcdef"),
		iterations: 4096,
		events:     make(chan responseEnvelope, 8),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)

	return f
}

func (f *fakeServer) host() string {
	return strings.TrimPrefix(f.srv.URL, "http://")
}

func (f *fakeServer) record(kind string) {
	f.mu.Lock()
	f.sends = append(f.sends, kind)
	f.mu.Unlock()
}

func (f *fakeServer) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.sends...)
}

func (f *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/login"):
		f.handleLogin(w, r)
	case strings.HasSuffix(r.URL.Path, "/messages"):
		f.handleLongPoll(w, r)
	case strings.HasSuffix(r.URL.Path, "/advertisement"):
		f.record("advertisement:" + r.Method)
		writeJSON(w, GenericResponse{PeerID: testPeerID})
	case strings.HasSuffix(r.URL.Path, "/search"):
		f.record("search:" + r.Method)
		writeJSON(w, GenericResponse{PeerID: testPeerID})
	case strings.HasSuffix(r.URL.Path, "/proximity"):
		f.record("proximity:" + r.Method)
		writeJSON(w, GenericResponse{PeerID: testPeerID})
	case strings.Contains(r.URL.Path, "/candidates/dest/"):
		f.record("candidates:" + r.URL.Path)
		writeJSON(w, GenericResponse{PeerID: testPeerID})
	case strings.HasSuffix(r.URL.Path, "/token"):
		f.record("token")
		writeJSON(w, TokenRefreshResponse{Acct: "acct-2", Pwd: "pwd-2", ExpiryTime: 3600000})
	case r.Method == http.MethodDelete:
		f.record("session-delete")
		writeJSON(w, GenericResponse{PeerID: testPeerID})
	default:
		http.NotFound(w, r)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req ClientLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)

		return
	}

	if req.FirstMessage {
		bare := strings.TrimPrefix(req.Message, gs2Header)
		attrs, err := parseSCRAMMessage(bare)
		require.NoError(f.t, err)

		f.mu.Lock()
		f.clientFirstBare = bare
		f.serverFirst = fmt.Sprintf("r=%sSRVNONCE,s=%s,i=%d",
			attrs["r"], base64.StdEncoding.EncodeToString(f.salt), f.iterations)
		serverFirst := f.serverFirst
		f.mu.Unlock()

		writeJSON(w, ClientLoginFirstResponse{Message: serverFirst})

		return
	}

	attrs, err := parseSCRAMMessage(req.Message)
	require.NoError(f.t, err)

	f.mu.Lock()
	firstBare := f.clientFirstBare
	serverFirst := f.serverFirst
	f.mu.Unlock()

	salted := pbkdf2.Key([]byte(testPassword), f.salt, f.iterations, sha1.Size, sha1.New)
	clientKey := serverHMAC(salted, "Client Key")
	storedKey := sha1.Sum(clientKey)
	serverKey := serverHMAC(salted, "Server Key")

	finalNoProof := "c=" + attrs["c"] + ",r=" + attrs["r"]
	authMessage := firstBare + "," + serverFirst + "," + finalNoProof

	signature := serverHMAC(storedKey[:], authMessage)
	proof, err := base64.StdEncoding.DecodeString(attrs["p"])
	require.NoError(f.t, err)
	recovered := make([]byte, len(proof))
	for i := range proof {
		recovered[i] = proof[i] ^ signature[i]
	}
	if !hmac.Equal(recovered, clientKey) {
		writeJSON(w, ClientLoginFinalResponse{Message: "e=UNKNOWN_USER"})

		return
	}

	writeJSON(w, ClientLoginFinalResponse{
		Message:  "v=" + base64.StdEncoding.EncodeToString(serverHMAC(serverKey, authMessage)),
		PeerID:   testPeerID,
		PeerAddr: testPeerAddr,
		ConfigData: &ConfigData{
			TKeepAlive: 30,
		},
	})
}

func serverHMAC(key []byte, msg string) []byte {
	mac := hmac.New(sha1.New, key)
	mac.Write([]byte(msg))

	return mac.Sum(nil)
}

func (f *fakeServer) handleLongPoll(w http.ResponseWriter, r *http.Request) {
	select {
	case env := <-f.events:
		writeJSON(w, env)
	case <-time.After(200 * time.Millisecond):
		writeJSON(w, responseEnvelope{})
	case <-r.Context().Done():
	}
}

func (f *fakeServer) pushEvent(t *testing.T, typ string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	f.events <- responseEnvelope{Msgs: []responseItem{{Type: typ, Response: raw}}}
}

func newTestManager(t *testing.T, f *fakeServer) *Manager {
	t.Helper()
	m := NewManager(Config{
		Server:   f.host(),
		UseHTTP:  true,
		DaemonID: "daemon-1",
		Username: testUser,
		Password: testPassword,
	})
	t.Cleanup(m.Stop)

	return m
}

func TestManagerLoginAndResync(t *testing.T) {
	f := newFakeServer(t)
	m := newTestManager(t, f)

	authed := make(chan struct{}, 1)
	m.SetCallbacks(Callbacks{
		Authenticated: func(peerID, peerAddr string) {
			assert.Equal(t, testPeerID, peerID)
			assert.Equal(t, testPeerAddr, peerAddr)
			authed <- struct{}{}
		},
	})
	m.Start()

	// Nothing to do yet: the manager must stay idle and unauthenticated.
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, m.PeerID())

	m.AdvertiseName("com.example.Svc")

	select {
	case <-authed:
	case <-time.After(5 * time.Second):
		t.Fatal("no authentication")
	}

	// The fresh persistent connection resyncs Advertisement, Search and
	// Proximity, in that order.
	require.Eventually(t, func() bool { return len(f.recorded()) >= 3 }, 5*time.Second, 10*time.Millisecond)
	sends := f.recorded()[:3]
	assert.Equal(t, "advertisement:POST", sends[0])
	assert.Equal(t, "search:POST", sends[1])
	assert.Equal(t, "proximity:POST", sends[2])

	assert.Equal(t, testPeerID, m.PeerID())
	assert.Equal(t, testPeerAddr, m.PeerAddr())
}

func TestManagerSearchMatchAndCandidates(t *testing.T) {
	f := newFakeServer(t)
	m := newTestManager(t, f)

	matched := make(chan SearchMatchResponse, 1)
	candidates := make(chan AddressCandidatesResponse, 1)
	m.SetCallbacks(Callbacks{
		SearchMatch:       func(resp SearchMatchResponse) { matched <- resp },
		AddressCandidates: func(resp AddressCandidatesResponse) { candidates <- resp },
	})
	m.Start()
	m.FindName("com.example.Svc")

	f.pushEvent(t, responseSearchMatch, SearchMatchResponse{
		Service:  "com.example.Svc",
		PeerAddr: "peer-xyz",
		STUNInfo: STUNServerInfo{Address: "198.51.100.1", Port: 3478, Acct: "a", Pwd: "p", ExpiryTime: 3600000},
	})

	select {
	case resp := <-matched:
		assert.Equal(t, "peer-xyz", resp.PeerAddr)
		assert.NotZero(t, resp.STUNInfo.RecvTime, "receive time stamped on arrival")
	case <-time.After(5 * time.Second):
		t.Fatal("no search match")
	}

	// The match is cached for later connects.
	cached, ok := m.DiscoveredService("com.example.Svc")
	require.True(t, ok)
	assert.Equal(t, "peer-xyz", cached.PeerAddr)

	// A fresh token is served from the cache with no refresh round trip.
	info, err := m.GetSTUNInfo(context.Background(), "com.example.Svc")
	require.NoError(t, err)
	assert.Equal(t, "a", info.Acct)
	for _, send := range f.recorded() {
		assert.NotEqual(t, "token", send)
	}

	f.pushEvent(t, responseAddressCandidates, AddressCandidatesResponse{
		PeerAddr: "peer-xyz",
		ICEUfrag: "uf",
		ICEPwd:   "pw",
		Candidates: []Candidate{
			{Type: "host", ComponentID: 1, Transport: "udp", Priority: 1, Address: "192.0.2.4", Port: 4242},
		},
	})

	select {
	case resp := <-candidates:
		assert.Equal(t, "peer-xyz", resp.PeerAddr)
		ic, err := resp.Candidates[0].ToICE()
		require.NoError(t, err)
		assert.Equal(t, uint16(4242), ic.Port)
	case <-time.After(5 * time.Second):
		t.Fatal("no address candidates")
	}
}

// A stale token forces a refresh round trip before use.
func TestManagerTokenRefresh(t *testing.T) {
	f := newFakeServer(t)
	m := newTestManager(t, f)
	m.Start()
	m.FindName("com.example.Svc")

	// Stale on arrival: expiry below the safety margin.
	f.pushEvent(t, responseSearchMatch, SearchMatchResponse{
		Service:  "com.example.Svc",
		PeerAddr: "peer-xyz",
		STUNInfo: STUNServerInfo{Address: "198.51.100.1", Port: 3478, Acct: "a", Pwd: "p", ExpiryTime: 30000},
	})

	require.Eventually(t, func() bool {
		_, ok := m.DiscoveredService("com.example.Svc")

		return ok
	}, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	info, err := m.GetSTUNInfo(ctx, "com.example.Svc")
	require.NoError(t, err)
	assert.Equal(t, "acct-2", info.Acct, "refreshed credential in use")
	assert.Equal(t, "pwd-2", info.Pwd)

	refreshed := false
	for _, send := range f.recorded() {
		if send == "token" {
			refreshed = true
		}
	}
	assert.True(t, refreshed, "a refresh round trip must precede use of a stale token")
}

func TestManagerSendICECandidates(t *testing.T) {
	f := newFakeServer(t)
	m := newTestManager(t, f)
	m.Start()
	m.AdvertiseName("com.example.Svc")

	m.SendICECandidates("peer-dst", ICECandidatesMessage{ICEUfrag: "u", ICEPwd: "p"}, true)

	require.Eventually(t, func() bool {
		for _, send := range f.recorded() {
			if strings.HasPrefix(send, "candidates:") {
				return strings.HasSuffix(send, "/candidates/dest/peer-dst/addSTUN")
			}
		}

		return false
	}, 5*time.Second, 10*time.Millisecond)
}
