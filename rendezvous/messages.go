// Package rendezvous maintains the daemon's relationship with the
// rendezvous server: SCRAM-SHA-1 client login over HTTPS, advertisement and
// search of well-known name prefixes, proximity updates, exchange of ICE
// address candidates with peer daemons, a long-poll channel for inbound
// events, and refresh of short-term STUN/TURN credentials.
package rendezvous

import (
	"fmt"
	"net"

	"github.com/icebus/icebus/ice"
)

// Protocol version segment of every request URI.
const protocolVersion = "v1"

// URI builders, all rooted at /rdv/v1/.
func advertisementURI(peerID string) string {
	return fmt.Sprintf("/rdv/%s/peer/%s/advertisement", protocolVersion, peerID)
}

func searchURI(peerID string) string {
	return fmt.Sprintf("/rdv/%s/peer/%s/search", protocolVersion, peerID)
}

func proximityURI(peerID string) string {
	return fmt.Sprintf("/rdv/%s/peer/%s/proximity", protocolVersion, peerID)
}

func addressCandidatesURI(peerID, destPeerAddr string, addSTUN bool) string {
	uri := fmt.Sprintf("/rdv/%s/peer/%s/candidates/dest/%s", protocolVersion, peerID, destPeerAddr)
	if addSTUN {
		uri += "/addSTUN"
	}

	return uri
}

func sessionDeleteURI(peerID string) string {
	return fmt.Sprintf("/rdv/%s/peer/%s", protocolVersion, peerID)
}

func messagesURI(peerID string) string {
	return fmt.Sprintf("/rdv/%s/peer/%s/messages", protocolVersion, peerID)
}

func clientLoginURI() string {
	return fmt.Sprintf("/rdv/%s/login", protocolVersion)
}

func daemonRegistrationURI(peerID string) string {
	return fmt.Sprintf("/rdv/%s/peer/%s/daemon-reg", protocolVersion, peerID)
}

func tokenRefreshURI(peerID string) string {
	return fmt.Sprintf("/rdv/%s/peer/%s/token", protocolVersion, peerID)
}

// Advertisement is one advertised service name.
type Advertisement struct {
	Service string `json:"service"`
}

// AdvertiseMessage publishes the daemon's advertised services.
type AdvertiseMessage struct {
	Ads []Advertisement `json:"ads"`
}

// Search is one searched service name.
type Search struct {
	Service string `json:"service"`
}

// SearchMessage publishes the daemon's active searches.
type SearchMessage struct {
	Search []Search `json:"search"`
}

// WiFiProximity describes one visible access point.
type WiFiProximity struct {
	Attached bool   `json:"attached"`
	BSSID    string `json:"BSSID"`
	SSID     string `json:"SSID"`
}

// BTProximity describes one visible bluetooth device.
type BTProximity struct {
	Self bool   `json:"self"`
	MAC  string `json:"MAC"`
}

// ProximityMessage publishes the peer's radio environment.
type ProximityMessage struct {
	WiFiAPs []WiFiProximity `json:"wifiaps"`
	BTs     []BTProximity   `json:"BTs"`
}

// Candidate is the wire form of one ICE address candidate.
type Candidate struct {
	Type        string `json:"type"`
	Foundation  string `json:"foundation"`
	ComponentID uint16 `json:"componentID"`
	Transport   string `json:"transport"`
	Priority    uint32 `json:"priority"`
	Address     string `json:"address"`
	Port        uint16 `json:"port"`
	RAddress    string `json:"raddress,omitempty"`
	RPort       uint16 `json:"rport,omitempty"`
}

// NewCandidateFromICE converts a gathered candidate to its wire form.
func NewCandidateFromICE(c ice.Candidate) Candidate {
	out := Candidate{
		Type:        c.Type.String(),
		Foundation:  c.Foundation,
		ComponentID: c.ComponentID,
		Transport:   c.Transport,
		Priority:    c.Priority,
		Address:     c.Address.String(),
		Port:        c.Port,
	}
	if c.RelatedAddress != nil {
		out.RAddress = c.RelatedAddress.String()
		out.RPort = c.RelatedPort
	}

	return out
}

// ToICE converts a wire candidate back to the ICE form.
func (c Candidate) ToICE() (ice.Candidate, error) {
	addr := net.ParseIP(c.Address)
	if addr == nil {
		return ice.Candidate{}, fmt.Errorf("%w: bad candidate address %q", ErrMalformedResponse, c.Address)
	}

	var typ ice.CandidateType
	switch c.Type {
	case "host":
		typ = ice.CandidateHost
	case "srflx":
		typ = ice.CandidateServerReflexive
	case "prflx":
		typ = ice.CandidatePeerReflexive
	case "relay":
		typ = ice.CandidateRelayed
	default:
		return ice.Candidate{}, fmt.Errorf("%w: bad candidate type %q", ErrMalformedResponse, c.Type)
	}

	out := ice.Candidate{
		Type:        typ,
		Foundation:  c.Foundation,
		ComponentID: c.ComponentID,
		Transport:   c.Transport,
		Priority:    c.Priority,
		Address:     addr,
		Port:        c.Port,
	}
	if c.RAddress != "" {
		out.RelatedAddress = net.ParseIP(c.RAddress)
		out.RelatedPort = c.RPort
	}

	return out, nil
}

// ICECandidatesMessage exchanges candidates with a peer daemon through the
// server. The destination peer address rides in the URI.
type ICECandidatesMessage struct {
	ICEUfrag   string      `json:"ice_ufrag"`
	ICEPwd     string      `json:"ice_pwd"`
	Candidates []Candidate `json:"candidates"`
}

// ClientLoginRequest carries one leg of the SCRAM exchange.
type ClientLoginRequest struct {
	FirstMessage     bool   `json:"firstMessage"`
	DaemonID         string `json:"daemonID"`
	ClearClientState bool   `json:"clearClientState,omitempty"`
	Mechanism        string `json:"mechanism"`
	Message          string `json:"message"`
}

// scramMechanism is the only supported SASL mechanism.
const scramMechanism = "SCRAM-SHA-1"

// ClientLoginFirstResponse is the server challenge.
type ClientLoginFirstResponse struct {
	Message string `json:"message"`
}

// ConfigData carries server-pushed configuration.
type ConfigData struct {
	TKeepAlive uint32 `json:"Tkeepalive"`
}

// ClientLoginFinalResponse concludes the SCRAM exchange.
type ClientLoginFinalResponse struct {
	Message                    string      `json:"message"`
	PeerID                     string      `json:"peerID,omitempty"`
	PeerAddr                   string      `json:"peerAddr,omitempty"`
	DaemonRegistrationRequired bool        `json:"daemonRegistrationRequired,omitempty"`
	SessionActive              bool        `json:"sessionActive,omitempty"`
	ConfigData                 *ConfigData `json:"configData,omitempty"`
}

// RelayInfo locates the TURN relay.
type RelayInfo struct {
	Address string `json:"address"`
	Port    uint16 `json:"port"`
}

// STUNServerInfo carries the STUN/TURN coordinates and the short-term
// credential issued for them. ExpiryTime is relative milliseconds from
// RecvTime, which the client stamps on receipt.
type STUNServerInfo struct {
	Address string `json:"address"`
	Port    uint16 `json:"port"`
	Acct    string `json:"acct"`
	Pwd     string `json:"pwd"`

	ExpiryTime uint32 `json:"expiryTime"`
	RecvTime   int64  `json:"-"`

	Relay *RelayInfo `json:"relay,omitempty"`
}

// SearchMatchResponse announces a service matching one of our searches.
type SearchMatchResponse struct {
	SearchedService string         `json:"searchedService"`
	Service         string         `json:"service"`
	PeerAddr        string         `json:"peerAddr"`
	STUNInfo        STUNServerInfo `json:"STUNInfo"`
}

// MatchRevokedResponse withdraws previously matched services.
type MatchRevokedResponse struct {
	PeerAddr  string   `json:"peerAddr"`
	DeleteAll bool     `json:"deleteAll"`
	Services  []string `json:"services,omitempty"`
}

// AddressCandidatesResponse delivers a peer's ICE candidates to us.
type AddressCandidatesResponse struct {
	PeerAddr   string      `json:"peerAddr"`
	ICEUfrag   string      `json:"ice_ufrag"`
	ICEPwd     string      `json:"ice_pwd"`
	Candidates []Candidate `json:"candidates"`

	STUNInfo *STUNServerInfo `json:"STUNInfo,omitempty"`
}

// StartICEChecksResponse tells the advertising side to begin checks.
type StartICEChecksResponse struct {
	PeerAddr string `json:"peerAddr"`
}

// Response types multiplexed on the persistent channel.
const (
	responseSearchMatch       = "SEARCH_MATCH_RESPONSE"
	responseMatchRevoked      = "MATCH_REVOKED_RESPONSE"
	responseAddressCandidates = "ADDRESS_CANDIDATES_RESPONSE"
	responseStartICEChecks    = "START_ICE_CHECKS_RESPONSE"
)

// GenericResponse is the envelope common to request acknowledgements.
type GenericResponse struct {
	PeerID string `json:"peerID"`
}

// TokenRefreshResponse renews the STUN/TURN account credential.
type TokenRefreshResponse struct {
	Acct       string `json:"acct"`
	Pwd        string `json:"pwd"`
	ExpiryTime uint32 `json:"expiryTime"`
	RecvTime   int64  `json:"-"`
}

// DaemonRegistrationMessage identifies the daemon build to the server.
type DaemonRegistrationMessage struct {
	DaemonID      string `json:"daemonID"`
	DaemonVersion string `json:"daemonVersion"`
	DevMake       string `json:"devMake,omitempty"`
	DevModel      string `json:"devModel,omitempty"`
	OSType        string `json:"osType,omitempty"`
	OSVersion     string `json:"osVersion,omitempty"`
}
