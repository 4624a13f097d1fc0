package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arnisz/UniversalPressureController/internal/bus"
	"github.com/arnisz/UniversalPressureController/internal/channel"
	"github.com/arnisz/UniversalPressureController/internal/control"
	"github.com/arnisz/UniversalPressureController/internal/events"
	"github.com/arnisz/UniversalPressureController/internal/instrument"
)

type testEnv struct {
	cfg  *Config
	hub  *events.Hub
	sim  *bus.Sim
	ctrl *control.Controller
	s    *Server
	srv  *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Bus.Address = "sim://"
	cfg.path = filepath.Join(t.TempDir(), "config.yaml")

	hub := events.NewHub(0)
	sim := bus.NewSim()
	sim.Noise = nil
	inst := instrument.New(func(string) (bus.Session, error) { return sim, nil }, hub)
	ctrl := control.New(inst, hub, cfg.ControlConfig(), cfg.BuildChannels())
	t.Cleanup(ctrl.Close)

	s := New(cfg, ctrl, hub, nil)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{cfg: cfg, hub: hub, sim: sim, ctrl: ctrl, s: s, srv: srv}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestConnectAndStatus(t *testing.T) {
	env := newTestEnv(t)

	code, body := env.do(t, http.MethodGet, "/api/status", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["connected"])

	code, body = env.do(t, http.MethodPost, "/api/connect", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["connected"])

	code, body = env.do(t, http.MethodGet, "/api/status", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["connected"])
	assert.Equal(t, `0,"No error"`, body["instrument"])

	code, _ = env.do(t, http.MethodPost, "/api/disconnect", "")
	assert.Equal(t, http.StatusOK, code)
	assert.False(t, env.ctrl.IsConnected())
}

func TestConnectWithAddressOverride(t *testing.T) {
	env := newTestEnv(t)
	code, _ := env.do(t, http.MethodPost, "/api/connect", `{"address":"sim://bench"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "sim://bench", env.cfg.Address())
}

func TestChannelActions(t *testing.T) {
	env := newTestEnv(t)
	require.True(t, env.ctrl.Connect(context.Background(), "sim://"))

	code, body := env.do(t, http.MethodPost, "/api/channels/1/start", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "running", body["status"])
	assert.Equal(t, true, body["active"])
	assert.Equal(t, "CONT", env.sim.Mode("A"))

	code, body = env.do(t, http.MethodPost, "/api/channels/1/setpoint", `{"value": 42}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 10.0, body["setpoint"])

	code, body = env.do(t, http.MethodPost, "/api/channels/1/stop", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "idle", body["status"])
	assert.Equal(t, "MEAS", env.sim.Mode("A"))

	code, body = env.do(t, http.MethodPost, "/api/channels/2/vent", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "venting", body["status"])
	assert.Equal(t, "VENT", env.sim.Mode("B"))

	code, _ = env.do(t, http.MethodPost, "/api/channels/2/vent", "")
	assert.Equal(t, http.StatusConflict, code)
}

func TestChannelErrors(t *testing.T) {
	env := newTestEnv(t)

	code, _ := env.do(t, http.MethodPost, "/api/channels/1/start", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	code, _ = env.do(t, http.MethodPost, "/api/channels/9/start", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = env.do(t, http.MethodGet, "/api/channels/x", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = env.do(t, http.MethodPost, "/api/channels/1/setpoint", `{"setpoint": 1}`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestListChannels(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.srv.URL + "/api/channels")
	require.NoError(t, err)
	defer resp.Body.Close()

	var snaps []channel.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snaps))
	require.Len(t, snaps, 2)
	assert.Equal(t, "Kanal 1", snaps[0].Name)
	assert.Equal(t, channel.Idle, snaps[1].Status)
}

func TestSaveConfigStoresSetpoints(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.ctrl.SetSetpoint(context.Background(), 2, 3.25)
	require.NoError(t, err)

	code, _ := env.do(t, http.MethodPost, "/api/config/save", "")
	require.Equal(t, http.StatusOK, code)

	data, err := os.ReadFile(env.cfg.path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "default_setpoint: 3.25")
}

func TestConfigUpdateRejectsInvalid(t *testing.T) {
	env := newTestEnv(t)
	code, _ := env.do(t, http.MethodPost, "/api/config", `{"ventGraceMs": -5}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = env.do(t, http.MethodPost, "/api/config", `{"logging": {"communication": true}}`)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, env.cfg.Logging.Communication)
}

func TestWebSocketInitialFrame(t *testing.T) {
	env := newTestEnv(t)
	env.hub.Messagef(events.SourceSystem, "hello")

	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame Frame
	require.NoError(t, conn.ReadJSON(&frame))

	assert.Len(t, frame.Channels, 2)
	require.NotNil(t, frame.Connection)
	assert.False(t, frame.Connection.Connected)
	assert.Equal(t, "sim://", frame.Connection.Address)
	require.NotEmpty(t, frame.Events)
	assert.Equal(t, "hello", frame.Events[len(frame.Events)-1].Text)
}

func TestWebSocketInitialFrameUnderBroadcastLoad(t *testing.T) {
	env := newTestEnv(t)
	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws"

	stop := make(chan struct{})
	flooding := make(chan struct{})
	go func() {
		defer close(flooding)
		for {
			select {
			case <-stop:
				return
			default:
				env.s.broadcast(Frame{Stamp: time.Now().UnixMilli()})
			}
		}
	}()
	defer func() {
		close(stop)
		<-flooding
	}()

	for i := 0; i < 5; i++ {
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)

		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var frame Frame
		require.NoError(t, conn.ReadJSON(&frame))
		assert.NotNil(t, frame.Connection, "first frame carries the full state")
		assert.Len(t, frame.Channels, 2)
		conn.Close()
	}
}
