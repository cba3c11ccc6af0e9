package rendezvous

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Known exchange from RFC 5802 section 5.
const (
	rfcClientNonce = "fyko+d2lbbFgONRv9qkxdawL"
	rfcFirstBare   = "n=user,r=fyko+d2lbbFgONRv9qkxdawL"
	rfcServerFirst = "r=fyko+d2lbbFgONRv9qkxdawL3rfcNHYJY1ZVvWVs7j,s=QSXCR+Q6sek8bf92,i=4096"
	rfcClientFinal = "c=biws,r=fyko+d2lbbFgONRv9qkxdawL3rfcNHYJY1ZVvWVs7j,p=v0X8v3Bz2T0CJGbJQyF0X+HI4Ts="
	rfcServerFinal = "v=rmF9pqV8S7suAoZWja4dJRkFsKQ="
)

func newRFCClient() *scramClient {
	c := newSCRAMClient("user", "pencil")
	c.clientNonce = rfcClientNonce
	c.firstBare = rfcFirstBare

	return c
}

func TestSCRAMRFCVector(t *testing.T) {
	c := newRFCClient()

	final, err := c.ClientFinal(rfcServerFirst)
	require.NoError(t, err)
	assert.Equal(t, rfcClientFinal, final)

	require.NoError(t, c.VerifyServerFinal(rfcServerFinal))
}

func TestSCRAMClientFirstShape(t *testing.T) {
	c := newSCRAMClient("user", "pencil")
	first := c.ClientFirst()

	assert.Regexp(t, `^n,,n=user,r=[A-Za-z]{24}$`, first)
}

func TestSCRAMRejectsBadServerSignature(t *testing.T) {
	c := newRFCClient()
	_, err := c.ClientFinal(rfcServerFirst)
	require.NoError(t, err)

	err = c.VerifyServerFinal("v=AAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	assert.ErrorIs(t, err, ErrAuthProtocol)
}

func TestSCRAMRejectsForeignNonce(t *testing.T) {
	c := newRFCClient()
	_, err := c.ClientFinal("r=someoneelsesnonce,s=QSXCR+Q6sek8bf92,i=4096")
	assert.ErrorIs(t, err, ErrAuthProtocol)
}

func TestSCRAMServerError(t *testing.T) {
	c := newRFCClient()
	_, err := c.ClientFinal("e=" + serverErrDeactivatedUser)
	require.ErrorIs(t, err, ErrAuthRejected)
	assert.Equal(t, serverErrDeactivatedUser, c.ServerError())
}

func TestSCRAMEscapesUsername(t *testing.T) {
	c := newSCRAMClient("user=with,chars", "pw")
	first := c.ClientFirst()
	assert.Contains(t, first, "n=user=3Dwith=2Cchars,")
}
