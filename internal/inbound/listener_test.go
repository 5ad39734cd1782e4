package inbound

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quiet(string, ...interface{}) {}

func TestListener_AcceptAndDecode(t *testing.T) {
	l, err := Listen(ListenerConfig{Address: "127.0.0.1:0", Decode: DecodeOptions{Vehicle: "veh0"}, Logf: quiet})
	require.NoError(t, err)
	defer l.Close()

	go func() {
		c, err := net.Dial("tcp", l.Addr().String())
		if err != nil {
			return
		}
		defer c.Close()
		c.Write(frame(MarshalRecord(sampleRecord())))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := l.Accept(ctx)
	require.NoError(t, err)
	defer conn.Close()

	rec, err := conn.Next()
	require.NoError(t, err)
	assert.Equal(t, "veh0", rec.Vehicle)
	assert.Equal(t, 125.5, rec.TrackDistance)

	_, err = conn.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestListen_BindError(t *testing.T) {
	l, err := Listen(ListenerConfig{Address: "127.0.0.1:0", Logf: quiet})
	require.NoError(t, err)
	defer l.Close()

	_, err = Listen(ListenerConfig{Address: l.Addr().String(), Logf: quiet})
	require.Error(t, err)
	var be *BindError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, l.Addr().String(), be.Addr)
}

func TestListen_RejectsUnknownFormat(t *testing.T) {
	_, err := Listen(ListenerConfig{Address: "127.0.0.1:0", Decode: DecodeOptions{Format: "csv"}, Logf: quiet})
	require.Error(t, err)
	var be *BindError
	assert.False(t, errors.As(err, &be))
}

func TestListener_AcceptCancelled(t *testing.T) {
	l, err := Listen(ListenerConfig{Address: "127.0.0.1:0", Logf: quiet})
	require.NoError(t, err)
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := l.Accept(ctx)
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Accept did not return after cancellation")
	}
}

func TestConn_CancelClosesConnection(t *testing.T) {
	l, err := Listen(ListenerConfig{Address: "127.0.0.1:0", Logf: quiet})
	require.NoError(t, err)
	defer l.Close()

	client, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	conn, err := l.Accept(ctx)
	require.NoError(t, err)
	defer conn.Close()

	done := make(chan error, 1)
	go func() {
		_, err := conn.Next()
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		assert.Error(t, err)
		assert.False(t, IsTransportError(err))
	case <-time.After(5 * time.Second):
		t.Fatal("Next did not return after cancellation")
	}
}
