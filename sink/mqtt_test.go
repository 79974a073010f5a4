package sink

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/alive/v2"
	"github.com/temoto/radiogate/log2"
)

func TestMQTTPublish(t *testing.T) {
	const timeout = 5 * time.Second
	payload := testReading(t, "01020304", 23.25)

	ln, err := net.Listen("tcp", "127.0.0.1:")
	require.NoError(t, err)
	defer ln.Close()
	srv := alive.NewAlive()
	published := make(chan *packet.Publish, 1)
	srv.Add(1)
	go func() {
		defer srv.Done()
		conn, err := ln.Accept()
		if err != nil {
			t.Errorf("accept err=%v", err)
			return
		}
		defer conn.Close()
		assert.NoError(t, conn.SetDeadline(time.Now().Add(timeout)))
		b := transport.NewNetConn(conn)

		pkt, err := b.Receive()
		if !assert.NoError(t, err) {
			return
		}
		connect, ok := pkt.(*packet.Connect)
		if !assert.True(t, ok, pkt.String()) {
			return
		}
		assert.Equal(t, "radiogate-test", connect.ClientID)
		assert.False(t, connect.CleanSession)
		connack := packet.NewConnack()
		connack.ReturnCode = packet.ConnectionAccepted
		if !assert.NoError(t, b.Send(connack, false)) {
			return
		}

		for {
			pkt, err = b.Receive()
			if err != nil {
				return
			}
			switch p := pkt.(type) {
			case *packet.Publish:
				puback := packet.NewPuback()
				puback.ID = p.ID
				assert.NoError(t, b.Send(puback, false))
				published <- p
			case *packet.Pingreq:
				assert.NoError(t, b.Send(packet.NewPingresp(), false))
			case *packet.Disconnect:
				return
			}
		}
	}()

	m, err := NewMQTT(MQTTConfig{
		Broker:         fmt.Sprintf("tcp://%s", ln.Addr().String()),
		ClientID:       "radiogate-test",
		Topic:          "test/readings",
		NetworkTimeout: timeout,
	}, log2.NewStderr(log2.LDebug))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for !m.IsConnected() {
		select {
		case <-ctx.Done():
			t.Fatal("timeout waiting for connect")
		case <-time.After(10 * time.Millisecond):
		}
	}
	require.NoError(t, m.Publish(ctx, payload))
	select {
	case p := <-published:
		assert.Equal(t, "test/readings", p.Message.Topic)
		assert.Equal(t, payload, p.Message.Payload)
		assert.Equal(t, packet.QOSAtLeastOnce, p.Message.QOS)
		assert.False(t, p.Message.Retain)
	case <-ctx.Done():
		t.Fatal("timeout waiting for publish")
	}
	require.NoError(t, m.Close())
	srv.WaitTasks()
}

func TestMQTTConfig(t *testing.T) {
	t.Parallel()
	_, err := NewMQTT(MQTTConfig{ClientID: "x"}, log2.NewStderr(log2.LError))
	assert.True(t, errors.IsNotValid(err))
	_, err = NewMQTT(MQTTConfig{Broker: "tcp://127.0.0.1:1"}, log2.NewStderr(log2.LError))
	assert.True(t, errors.IsNotValid(err))
}
