package relay

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/coachpo/rtcbot/errs"
	"github.com/coachpo/rtcbot/internal/config"
	"github.com/coachpo/rtcbot/pkg/bridge"
	"github.com/coachpo/rtcbot/pkg/flow"
	"github.com/coachpo/rtcbot/pkg/link/ws"
)

const childEnv = "RTCBOT_RELAY_TEST_CHILD"

func TestMain(m *testing.M) {
	if os.Getenv(childEnv) != "" {
		err := bridge.RunChild(context.Background(), func(_ context.Context, c *bridge.ChildConn[struct{}, []byte]) error {
			if err := c.SetReady(true); err != nil {
				return err
			}
			for {
				if err := c.Put([]byte("tick")); err != nil {
					return err
				}
				select {
				case <-c.Done():
					return nil
				case <-time.After(10 * time.Millisecond):
				}
			}
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func startRelay(t *testing.T, cfg config.Config) (*Server, *httptest.Server) {
	t.Helper()
	s := New(cfg, nil, nil)
	require.NoError(t, s.Start(testCtx(t)))
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		require.NoError(t, s.Close(context.Background()))
		srv.Close()
	})
	return s, srv
}

func dial(t *testing.T, srv *httptest.Server, path string) *ws.Link {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	link, err := ws.Dial(testCtx(t), url, ws.WithFlowOptions(flow.WithAutoSubscribe()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = link.Close() })
	return link
}

func TestRelayBroadcastsBetweenPeers(t *testing.T) {
	s, srv := startRelay(t, config.Default())
	alice := dial(t, srv, "/ws")
	bob := dial(t, srv, "/ws")
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(s.connections) == 2 && s.Hub().Subscribers() == 2
	}, 5*time.Second, 10*time.Millisecond)

	alice.Put([]byte("hello"))
	v, err := bob.Get(testCtx(t))
	require.NoError(t, err)
	require.Equal(t, "hello", string(v))

	bob.Put([]byte("hi alice"))
	v, err = alice.Get(testCtx(t))
	require.NoError(t, err)
	require.Equal(t, "hi alice", string(v), "a peer never gets its own message back")
	require.Equal(t, 2.0, testutil.ToFloat64(s.messages.WithLabelValues("peer")))

	require.NoError(t, alice.Close())
	require.Eventually(t, func() bool { return testutil.ToFloat64(s.connections) == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestRelayServesMetrics(t *testing.T) {
	_, srv := startRelay(t, config.Default())
	dial(t, srv, "/ws")

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), "rtcbot_relay_connections")
}

func TestRelayPublishesChildOutput(t *testing.T) {
	cfg := config.Default()
	cfg.Flow.DefaultSink = config.SinkMostRecent
	cfg.Bridge.Codec = "msgpack"
	cfg.Bridge.JoinTimeout = 2 * time.Second
	cfg.Bridge.Children = []config.ChildConfig{{
		Name: "ticker",
		Path: os.Args[0],
		Args: []string{"-test.run=^$"},
		Env:  []string{childEnv + "=1"},
	}}
	s, srv := startRelay(t, cfg)
	peer := dial(t, srv, "/ws")

	v, err := peer.Get(testCtx(t))
	require.NoError(t, err)
	require.Equal(t, "tick", string(v))
	require.GreaterOrEqual(t, testutil.ToFloat64(s.messages.WithLabelValues("child:ticker")), 1.0)
}

func TestRelayStartStopsEarlierChildrenOnFailure(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cfg := config.Default()
	cfg.Bridge.Children = []config.ChildConfig{
		{Name: "ticker", Path: os.Args[0], Args: []string{"-test.run=^$"}, Env: []string{childEnv + "=1"}},
		{Name: "missing", Path: "/nonexistent/rtcbot-sensor"},
	}
	s := New(cfg, nil, nil)
	err := s.Start(testCtx(t))
	require.True(t, errs.HasCode(err, errs.CodeUnavailable))
	require.Empty(t, s.children)
	require.Zero(t, testutil.ToFloat64(s.metrics.ReadyGauge("ticker")))
	require.NoError(t, s.Close(context.Background()))
}

func TestRelayForwardsUpstream(t *testing.T) {
	coreRelay, core := startRelay(t, config.Default())
	watcher := dial(t, core, "/ws")

	edgeCfg := config.Default()
	edgeCfg.Relay.Upstream = "ws" + strings.TrimPrefix(core.URL, "http") + "/ws"
	edgeCfg.Relay.RetryMaxInterval = 50 * time.Millisecond
	edge, edgeSrv := startRelay(t, edgeCfg)
	sensor := dial(t, edgeSrv, "/ws")
	require.Eventually(t, func() bool {
		return edge.Hub().Subscribers() == 2 && coreRelay.Hub().Subscribers() == 2
	}, 5*time.Second, 10*time.Millisecond)

	sensor.Put([]byte("imu:0.25"))
	v, err := watcher.Get(testCtx(t))
	require.NoError(t, err)
	require.Equal(t, "imu:0.25", string(v))

	watcher.Put([]byte("calibrate"))
	v, err = sensor.Get(testCtx(t))
	require.NoError(t, err)
	require.Equal(t, "calibrate", string(v))
	require.Equal(t, 1.0, testutil.ToFloat64(edge.messages.WithLabelValues("upstream")))
}
