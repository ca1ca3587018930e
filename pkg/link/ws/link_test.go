package ws

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/rtcbot/errs"
	"github.com/coachpo/rtcbot/pkg/flow"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// echoServer accepts links and writes every inbound message back.
func echoServer(t *testing.T, accepted chan<- *Link) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		link, err := Accept(w, r, WithName("server"), WithFlowOptions(flow.WithAutoSubscribe()))
		if err != nil {
			return
		}
		if accepted != nil {
			accepted <- link
		}
		go func() {
			for {
				v, err := link.Get(context.Background())
				if err != nil {
					return
				}
				link.Put(v)
			}
		}()
		<-link.Events().Done()
		_ = link.Close()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestLinkRoundTrip(t *testing.T) {
	srv := echoServer(t, nil)
	client, err := Dial(testCtx(t), wsURL(srv), WithName("client"), WithFlowOptions(flow.WithAutoSubscribe()))
	require.NoError(t, err)
	defer client.Close()

	require.True(t, client.Events().Ready())
	require.NotEmpty(t, client.ID())
	client.Put([]byte("ping"))
	client.Put([]byte("pong"))
	for _, want := range []string{"ping", "pong"} {
		v, err := client.Get(testCtx(t))
		require.NoError(t, err)
		require.Equal(t, want, string(v))
	}
}

func TestLinkClosePropagatesToPeer(t *testing.T) {
	accepted := make(chan *Link, 1)
	srv := echoServer(t, accepted)
	client, err := Dial(testCtx(t), wsURL(srv))
	require.NoError(t, err)
	server := <-accepted

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
	require.False(t, client.Events().Ready())
	_, err = client.Next(testCtx(t))
	require.ErrorIs(t, err, flow.ErrSubscriptionClosed)

	require.NoError(t, server.Events().Wait(testCtx(t)))
	require.Nil(t, server.Events().Err())
}

func TestLinkAbruptDisconnectSetsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.CloseNow()
	}))
	defer srv.Close()

	client, err := Dial(testCtx(t), wsURL(srv), WithPingInterval(0))
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Events().Wait(testCtx(t)))
	require.True(t, errs.HasCode(client.Events().Err(), errs.CodeNetwork))
	require.False(t, client.Events().Ready())
}

func TestDialRetryGivesUp(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err = DialRetry(ctx, "ws://"+addr+"/ws", WithRetry(20*time.Millisecond, 0))
	require.True(t, errs.HasCode(err, errs.CodeNetwork))
}

func TestDialRetryConnects(t *testing.T) {
	srv := echoServer(t, nil)
	client, err := DialRetry(testCtx(t), wsURL(srv), WithRetry(10*time.Millisecond, time.Second),
		WithFlowOptions(flow.WithAutoSubscribe()), WithText())
	require.NoError(t, err)
	defer client.Close()

	client.Put([]byte("hello"))
	v, err := client.Get(testCtx(t))
	require.NoError(t, err)
	require.Equal(t, "hello", string(v))
}
