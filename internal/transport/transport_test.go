package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenAcceptConnectRoundTrip(t *testing.T) {
	ln, err := Listen("127.0.0.1", 0, 16)
	require.NoError(t, err)
	defer ln.Close()

	_, port := splitAddr(ln.Addr())

	serverConn := make(chan *Conn, 1)
	acceptErr := make(chan error, 1)

	go func() {
		c, _, _, err := ln.Accept()
		if err != nil {
			acceptErr <- err
			return
		}

		serverConn <- c
	}()

	client, err := Connect("127.0.0.1", port)
	require.NoError(t, err)
	defer client.Close()

	var server *Conn

	select {
	case server = <-serverConn:
	case err := <-acceptErr:
		t.Fatalf("accept failed: %v", err)
	case <-time.After(time.Second):
		t.Fatal("accept never completed")
	}

	defer server.Close()

	require.NoError(t, server.SendAll([]byte("220 ready\r\n")))

	line, err := client.RecvLine(256, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "220 ready\r\n", string(line))
}

func TestListenRangeFindsFreePort(t *testing.T) {
	ln, port, err := ListenRange("127.0.0.1", 20000, 20050, 16)
	require.NoError(t, err)
	defer ln.Close()

	assert.GreaterOrEqual(t, port, 20000)
	assert.LessOrEqual(t, port, 20050)
}

func TestRecvLineOverflow(t *testing.T) {
	ln, err := Listen("127.0.0.1", 0, 16)
	require.NoError(t, err)
	defer ln.Close()

	_, port := splitAddr(ln.Addr())

	go func() {
		c, _, _, err := ln.Accept()
		if err != nil {
			return
		}

		defer c.Close()
		_ = c.SendAll([]byte("this line is too long and never terminates properly"))
	}()

	client, err := Connect("127.0.0.1", port)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.RecvLine(8, time.Second)
	require.ErrorIs(t, err, ErrOverflow)
}

func TestRecvLineTimeout(t *testing.T) {
	ln, err := Listen("127.0.0.1", 0, 16)
	require.NoError(t, err)
	defer ln.Close()

	_, port := splitAddr(ln.Addr())

	accepted := make(chan struct{})

	go func() {
		c, _, _, err := ln.Accept()
		if err != nil {
			return
		}

		defer c.Close()
		close(accepted)
		time.Sleep(500 * time.Millisecond)
	}()

	client, err := Connect("127.0.0.1", port)
	require.NoError(t, err)
	defer client.Close()

	<-accepted

	_, err = client.RecvLine(256, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestRecvExactAndSome(t *testing.T) {
	ln, err := Listen("127.0.0.1", 0, 16)
	require.NoError(t, err)
	defer ln.Close()

	_, port := splitAddr(ln.Addr())

	go func() {
		c, _, _, err := ln.Accept()
		if err != nil {
			return
		}

		defer c.Close()
		_ = c.SendAll([]byte("abcdef"))
	}()

	client, err := Connect("127.0.0.1", port)
	require.NoError(t, err)
	defer client.Close()

	buf := make([]byte, 3)
	require.NoError(t, client.RecvExact(buf))
	assert.Equal(t, "abc", string(buf))

	buf2 := make([]byte, 8)
	n, err := client.RecvSome(buf2)
	require.NoError(t, err)
	assert.Equal(t, "def", string(buf2[:n]))
}
