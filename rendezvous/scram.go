package rendezvous

import (
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // SCRAM-SHA-1 is the server's mechanism
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/icebus/icebus/internal/util"
)

// scramClient runs the client side of a SCRAM-SHA-1 exchange (RFC 5802).
// One instance serves exactly one login attempt; Reset discards state for
// the next.
type scramClient struct {
	username string
	password string

	clientNonce string
	firstBare   string
	authMessage string
	serverKey   []byte
	serverError string
}

const gs2Header = "n,,"

func newSCRAMClient(username, password string) *scramClient {
	return &scramClient{username: username, password: password}
}

// Reset clears per-attempt state, keeping the credentials.
func (c *scramClient) Reset() {
	c.clientNonce = ""
	c.firstBare = ""
	c.authMessage = ""
	c.serverKey = nil
	c.serverError = ""
}

// ClientFirst produces the client-first SASL message.
func (c *scramClient) ClientFirst() string {
	c.clientNonce = util.RandSeq(24)
	c.firstBare = "n=" + saslName(c.username) + ",r=" + c.clientNonce

	return gs2Header + c.firstBare
}

// ClientFinal consumes the server-first message and produces the
// client-final message carrying the proof.
func (c *scramClient) ClientFinal(serverFirst string) (string, error) {
	attrs, err := parseSCRAMMessage(serverFirst)
	if err != nil {
		return "", err
	}
	if e, ok := attrs["e"]; ok {
		c.serverError = e

		return "", fmt.Errorf("%w: %s", ErrAuthRejected, e)
	}

	nonce, ok := attrs["r"]
	if !ok || !strings.HasPrefix(nonce, c.clientNonce) {
		return "", fmt.Errorf("%w: server nonce does not extend ours", ErrAuthProtocol)
	}
	saltB64, ok := attrs["s"]
	if !ok {
		return "", fmt.Errorf("%w: missing salt", ErrAuthProtocol)
	}
	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return "", fmt.Errorf("%w: bad salt: %v", ErrAuthProtocol, err)
	}
	iterStr, ok := attrs["i"]
	if !ok {
		return "", fmt.Errorf("%w: missing iteration count", ErrAuthProtocol)
	}
	iterations, err := strconv.Atoi(iterStr)
	if err != nil || iterations <= 0 {
		return "", fmt.Errorf("%w: bad iteration count %q", ErrAuthProtocol, iterStr)
	}

	salted := pbkdf2.Key([]byte(c.password), salt, iterations, sha1.Size, sha1.New)
	clientKey := hmacSHA1(salted, "Client Key")
	storedKey := sha1.Sum(clientKey)
	c.serverKey = hmacSHA1(salted, "Server Key")

	channelBinding := base64.StdEncoding.EncodeToString([]byte(gs2Header))
	finalNoProof := "c=" + channelBinding + ",r=" + nonce
	c.authMessage = c.firstBare + "," + serverFirst + "," + finalNoProof

	signature := hmacSHA1(storedKey[:], c.authMessage)
	proof := make([]byte, len(clientKey))
	for i := range clientKey {
		proof[i] = clientKey[i] ^ signature[i]
	}

	return finalNoProof + ",p=" + base64.StdEncoding.EncodeToString(proof), nil
}

// VerifyServerFinal checks the server signature in the server-final
// message, authenticating the server to us.
func (c *scramClient) VerifyServerFinal(serverFinal string) error {
	attrs, err := parseSCRAMMessage(serverFinal)
	if err != nil {
		return err
	}
	if e, ok := attrs["e"]; ok {
		c.serverError = e

		return fmt.Errorf("%w: %s", ErrAuthRejected, e)
	}

	vB64, ok := attrs["v"]
	if !ok {
		return fmt.Errorf("%w: missing server signature", ErrAuthProtocol)
	}
	v, err := base64.StdEncoding.DecodeString(vB64)
	if err != nil {
		return fmt.Errorf("%w: bad server signature: %v", ErrAuthProtocol, err)
	}

	expected := hmacSHA1(c.serverKey, c.authMessage)
	if !hmac.Equal(v, expected) {
		return fmt.Errorf("%w: server signature mismatch", ErrAuthProtocol)
	}

	return nil
}

// ServerError returns the e= value of a rejecting server message.
func (c *scramClient) ServerError() string { return c.serverError }

func hmacSHA1(key []byte, message string) []byte {
	mac := hmac.New(sha1.New, key)
	mac.Write([]byte(message))

	return mac.Sum(nil)
}

// parseSCRAMMessage splits "k=v,k=v" attribute lists. Values may contain
// '=' (base64), so only the first byte of each pair is the key.
func parseSCRAMMessage(msg string) (map[string]string, error) {
	attrs := make(map[string]string)
	for _, part := range strings.Split(msg, ",") {
		if len(part) < 2 || part[1] != '=' {
			return nil, fmt.Errorf("%w: bad attribute %q", ErrAuthProtocol, part)
		}
		attrs[part[:1]] = part[2:]
	}

	return attrs, nil
}

// saslName escapes '=' and ',' per the SASLprep profile of RFC 5802.
func saslName(name string) string {
	name = strings.ReplaceAll(name, "=", "=3D")

	return strings.ReplaceAll(name, ",", "=2C")
}
