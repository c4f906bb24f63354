package comm_test

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tweezerlab/awg/comm"
)

// tcpEchoServer echoes every line back on a loopback port until the test ends
func tcpEchoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				sc := bufio.NewScanner(conn)
				for sc.Scan() {
					conn.Write(append(sc.Bytes(), '\n'))
				}
			}()
		}
	}()
	return ln.Addr().String()
}

func TestSendRecvRoundTrip(t *testing.T) {
	addr := tcpEchoServer(t)
	rd := comm.NewRemoteDevice(addr, false, comm.Config{})
	require.NoError(t, rd.Open(context.Background()))
	defer rd.Close()

	for _, msg := range []string{"rearrange=0101", "trigger=", "#load=params.yml#"} {
		require.NoError(t, rd.Send([]byte(msg)))
		got, err := rd.Recv()
		require.NoError(t, err)
		assert.Equal(t, msg, string(got))
	}
}

func TestRecvKeepsBufferedMessages(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		// two messages in one write, the second with a CRLF ending
		conn.Write([]byte("trigger=\nrearrange=11\r\n"))
		conn.Close()
	}()

	rd := comm.NewRemoteDevice(ln.Addr().String(), false, comm.Config{})
	require.NoError(t, rd.Open(context.Background()))
	first, err := rd.Recv()
	require.NoError(t, err)
	second, err := rd.Recv()
	require.NoError(t, err)
	assert.Equal(t, "trigger=", string(first))
	assert.Equal(t, "rearrange=11", string(second))

	_, err = rd.Recv()
	assert.True(t, comm.IsClosed(err))
}

func TestNotConnected(t *testing.T) {
	rd := comm.NewRemoteDevice("127.0.0.1:1", false, comm.Config{})
	assert.Equal(t, comm.ErrNotConnected, rd.Send([]byte("x")))
	_, err := rd.Recv()
	assert.Equal(t, comm.ErrNotConnected, err)
	assert.NoError(t, rd.Close())
	assert.Equal(t, byte('\n'), rd.Terminator())
}

func TestOpenGivesUp(t *testing.T) {
	// grab a free port then release it so nothing is listening
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	rd := comm.NewRemoteDevice(addr, false, comm.Config{RetryFor: 100 * time.Millisecond})
	start := time.Now()
	err = rd.Open(context.Background())
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestOpenHonoursContext(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	rd := comm.NewRemoteDevice(addr, false, comm.Config{RetryFor: -1})
	err = rd.Open(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOpenRetriesUntilListening(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	go func() {
		time.Sleep(150 * time.Millisecond)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return
		}
		defer ln.Close()
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()
	rd := comm.NewRemoteDevice(addr, false, comm.Config{RetryFor: 3 * time.Second})
	assert.NoError(t, rd.Open(context.Background()))
	rd.Close()
}
