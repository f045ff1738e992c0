package peerconn

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gobit/torrentcore/internal/wire"
)

func TestDialPerformsHandshakeAndDispatchesMessages(t *testing.T) {
	var infoHash, peerID [20]byte
	copy(infoHash[:], "aaaaaaaaaaaaaaaaaaaa")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		dec := wire.NewDecoder(conn)
		_, err = dec.ReadHandshake()
		require.NoError(t, err)

		resp := wire.NewOutboundHandshake(infoHash, peerID)
		conn.Write(resp.Encode())
		conn.Write(wire.NewUnchoke().Encode())
	}()

	logger := zap.NewNop().Sugar()
	tr, hs, err := Dial(context.Background(), DialOptions{
		Address:  ln.Addr().String(),
		Timeout:  2 * time.Second,
		InfoHash: infoHash,
		PeerID:   peerID,
	}, logger)
	require.NoError(t, err)
	defer tr.Close()
	require.Equal(t, infoHash, hs.InfoHash)

	received := make(chan wire.Message, 1)
	tr.OnMessage(func(m wire.Message) { received <- m })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)

	select {
	case msg := <-received:
		require.Equal(t, wire.Unchoke, msg.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatched message")
	}
	<-serverDone
}
