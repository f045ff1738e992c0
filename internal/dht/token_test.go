package dht

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTripsWithinWindow(t *testing.T) {
	secret, err := NewTokenSecret()
	require.NoError(t, err)

	addr := &net.UDPAddr{IP: net.ParseIP("192.168.1.5"), Port: 6881}
	token := secret.Token(addr)
	assert.True(t, secret.Valid(addr, token))
}

func TestTokenRejectsWrongAddress(t *testing.T) {
	secret, err := NewTokenSecret()
	require.NoError(t, err)

	addr1 := &net.UDPAddr{IP: net.ParseIP("192.168.1.5"), Port: 6881}
	addr2 := &net.UDPAddr{IP: net.ParseIP("192.168.1.6"), Port: 6881}
	token := secret.Token(addr1)
	assert.False(t, secret.Valid(addr2, token))
}

func TestTokenSurvivesOneRotation(t *testing.T) {
	secret, err := NewTokenSecret()
	require.NoError(t, err)
	addr := &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 6882}
	token := secret.Token(addr)

	secret.rotated = secret.rotated.Add(-TokenWindow - time.Second)
	require.NoError(t, secret.Rotate())

	assert.True(t, secret.Valid(addr, token))
}
