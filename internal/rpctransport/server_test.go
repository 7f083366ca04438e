package rpctransport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nakato-labs/chainseq/internal/chainrequest"
	"github.com/nakato-labs/chainseq/internal/logging"
	"github.com/nakato-labs/chainseq/internal/netquery"
)

// dialWorker opens a connection to addr, completes the HELLO/ACK
// handshake, and returns the raw connection for the test to drive.
func dialWorker(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)

	helloData, err := marshalPayload(helloPayload{WorkerID: "w1", Concurrency: 1})
	require.NoError(t, err)
	require.NoError(t, writeMessage(conn, wireMessage{Type: msgHello, Data: helloData}))

	ack, err := readMessage(conn)
	require.NoError(t, err)
	require.Equal(t, msgAck, ack.Type)
	return conn
}

func TestDispatchWithCallbackRoundTripsThroughWorker(t *testing.T) {
	srv := New(logging.Noop(), nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv.listener = ln

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.handleConnection(ctx, conn)
		}
	}()

	worker := dialWorker(t, ln.Addr().String())
	defer worker.Close()

	done := make(chan *chainrequest.Request, 1)
	query := chainrequest.New("q1", 30)
	srv.DispatchWithCallback(query, netquery.Token(42), func(_ netquery.Token, q *chainrequest.Request) {
		done <- q
	})

	task, err := readMessage(worker)
	require.NoError(t, err)
	require.Equal(t, msgTask, task.Type)

	resultData, err := marshalPayload(resultPayload{Token: 42, ErrorCode: 0})
	require.NoError(t, err)
	require.NoError(t, writeMessage(worker, wireMessage{Type: msgResult, Data: resultData}))

	select {
	case q := <-done:
		require.False(t, q.IsError())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for completion")
	}
}

func TestDispatchWithCallbackPropagatesWorkerError(t *testing.T) {
	srv := New(logging.Noop(), nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv.listener = ln

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.handleConnection(ctx, conn)
		}
	}()

	worker := dialWorker(t, ln.Addr().String())
	defer worker.Close()

	done := make(chan *chainrequest.Request, 1)
	query := chainrequest.New("q1", 30)
	srv.DispatchWithCallback(query, netquery.Token(7), func(_ netquery.Token, q *chainrequest.Request) {
		done <- q
	})

	_, err = readMessage(worker)
	require.NoError(t, err)

	resultData, err := marshalPayload(resultPayload{Token: 7, ErrorCode: 500, ErrorMessage: "boom"})
	require.NoError(t, err)
	require.NoError(t, writeMessage(worker, wireMessage{Type: msgResult, Data: resultData}))

	select {
	case q := <-done:
		require.True(t, q.IsError())
		require.Equal(t, 500, q.ErrorCode())
		require.Equal(t, "boom", q.ErrorMessage())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for completion")
	}
}
