package relay

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/pion/turn/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeyg42/rtcdetect/internal/config"
)

func testRelay(t *testing.T) *Server {
	t.Helper()
	s := New(config.RelayConfig{
		PublicIP: "127.0.0.1",
		Port:     0,
		Realm:    "rtcdetect",
		Username: "peer",
		Password: "secret",
		Threads:  1,
	})
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func dialRelay(t *testing.T, s *Server, password string) *turn.Client {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(s.Port()))
	client, err := turn.NewClient(&turn.ClientConfig{
		STUNServerAddr: addr,
		TURNServerAddr: addr,
		Conn:           conn,
		Username:       "peer",
		Password:       password,
		Realm:          "rtcdetect",
		RTO:            100 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(client.Close)
	require.NoError(t, client.Listen())
	return client
}

func TestRelayAllocatesForValidCredentials(t *testing.T) {
	s := testRelay(t)
	assert.NotZero(t, s.Port())
	assert.Equal(t, "idle", s.Stats().State)

	client := dialRelay(t, s, "secret")
	relayConn, err := client.Allocate()
	require.NoError(t, err)
	defer relayConn.Close()

	assert.Equal(t, "127.0.0.1", relayConn.LocalAddr().(*net.UDPAddr).IP.String())
	require.Eventually(t, func() bool { return s.Stats().ActiveAllocations == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, "active", s.Stats().State)
}

func TestRelayRejectsWrongPassword(t *testing.T) {
	s := testRelay(t)
	client := dialRelay(t, s, "wrong")

	_, err := client.Allocate()
	assert.Error(t, err)
	assert.Zero(t, s.Stats().ActiveAllocations)
}

func TestRelayStartTwiceAndICEServer(t *testing.T) {
	s := testRelay(t)
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyRunning)

	ice := s.ICEServer()
	require.Len(t, ice.URLs, 1)
	assert.Equal(t, "turn:127.0.0.1:"+strconv.Itoa(s.Port())+"?transport=udp", ice.URLs[0])
	assert.Equal(t, "peer", ice.Username)
	assert.Equal(t, "secret", ice.Credential)

	require.NoError(t, s.Close())
	assert.Equal(t, "stopped", s.Stats().State)
	assert.NoError(t, s.Close())
}
