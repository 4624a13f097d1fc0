package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arnisz/UniversalPressureController/internal/channel"
	"github.com/arnisz/UniversalPressureController/internal/events"
)

type fakeController struct {
	mu       sync.Mutex
	calls    []string
	observer func(channel.Snapshot)
}

func (f *fakeController) record(s string) error {
	f.mu.Lock()
	f.calls = append(f.calls, s)
	f.mu.Unlock()
	return nil
}

func (f *fakeController) Channels() []channel.Snapshot {
	return []channel.Snapshot{{ID: 1, Name: "Kanal 1"}, {ID: 2, Name: "Kanal 2"}}
}
func (f *fakeController) OnChange(fn func(channel.Snapshot)) { f.observer = fn }
func (f *fakeController) Start(_ context.Context, id int) error {
	return f.record(fmt.Sprintf("start %d", id))
}
func (f *fakeController) Stop(_ context.Context, id int) error {
	return f.record(fmt.Sprintf("stop %d", id))
}
func (f *fakeController) Vent(_ context.Context, id int) error {
	return f.record(fmt.Sprintf("vent %d", id))
}
func (f *fakeController) SetSetpoint(_ context.Context, id int, v float64) (float64, error) {
	return v, f.record(fmt.Sprintf("setpoint %d %g", id, v))
}

type message struct {
	topic    string
	retained bool
	payload  []byte
}

type recorder struct {
	mu   sync.Mutex
	msgs []message
}

func (r *recorder) publish(topic string, _ byte, retained bool, payload []byte) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, message{topic, retained, payload})
	r.mu.Unlock()
	return nil
}

func (r *recorder) topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.msgs))
	for i, m := range r.msgs {
		out[i] = m.topic
	}
	return out
}

func TestTopics(t *testing.T) {
	tp := Topics{Prefix: "lab"}
	assert.Equal(t, "lab/channel/2/state", tp.ChannelState(2))
	assert.Equal(t, "lab/event", tp.Event())
	assert.Equal(t, "lab/system/status", tp.SystemStatus())
	assert.Equal(t, "lab/command/#", tp.AllCommands())
	assert.Equal(t, "lab/command/1/vent", tp.Command(1, ActionVent))
}

func TestParseCommand(t *testing.T) {
	tp := Topics{Prefix: "lab"}
	tests := []struct {
		topic   string
		payload string
		want    Command
		wantErr bool
	}{
		{"lab/command/1/start", "", Command{Channel: 1, Action: ActionStart}, false},
		{"lab/command/2/stop", "ignored", Command{Channel: 2, Action: ActionStop}, false},
		{"lab/command/1/vent", "", Command{Channel: 1, Action: ActionVent}, false},
		{"lab/command/1/setpoint", " 2.5 ", Command{Channel: 1, Action: ActionSetpoint, Value: 2.5}, false},
		{"lab/command/1/setpoint", `{"value": 4}`, Command{Channel: 1, Action: ActionSetpoint, Value: 4}, false},
		{"lab/command/1/setpoint", `{"v": 4}`, Command{}, true},
		{"lab/command/1/setpoint", "abc", Command{}, true},
		{"lab/command/x/start", "", Command{}, true},
		{"lab/command/1/boil", "", Command{}, true},
		{"lab/command/1", "", Command{}, true},
		{"other/command/1/start", "", Command{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.topic+"_"+tt.payload, func(t *testing.T) {
			got, err := tp.ParseCommand(tt.topic, []byte(tt.payload))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidCommand)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHandleCommandRoutesToController(t *testing.T) {
	ctrl := &fakeController{}
	b := newBridge(Config{TopicPrefix: "lab"}, ctrl)
	ctx := context.Background()

	require.NoError(t, b.HandleCommand(ctx, "lab/command/1/start", nil))
	require.NoError(t, b.HandleCommand(ctx, "lab/command/2/setpoint", []byte("3.5")))
	require.NoError(t, b.HandleCommand(ctx, "lab/command/2/vent", nil))
	require.NoError(t, b.HandleCommand(ctx, "lab/command/1/stop", nil))
	assert.Error(t, b.HandleCommand(ctx, "lab/command/1/open", nil))

	assert.Equal(t, []string{"start 1", "setpoint 2 3.5", "vent 2", "stop 1"}, ctrl.calls)
}

func TestRunPublishesStatesAndEvents(t *testing.T) {
	ctrl := &fakeController{}
	rec := &recorder{}
	b := newBridge(Config{TopicPrefix: "lab"}, ctrl)
	b.pub = rec.publish
	hub := events.NewHub(0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx, hub)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(rec.topics()) >= 2 }, time.Second, 5*time.Millisecond)

	ctrl.observer(channel.Snapshot{ID: 2, Status: channel.Running})
	hub.Publish(events.KindMessage, events.SourceBus, "Command sent: *RST")
	hub.Publish(events.KindMessage, events.SourceControl, "Channel Kanal 2 started")

	require.Eventually(t, func() bool { return len(rec.topics()) >= 4 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	topics := rec.topics()
	assert.ElementsMatch(t, []string{
		"lab/channel/1/state", "lab/channel/2/state", "lab/channel/2/state", "lab/event",
	}, topics, "bus traffic is not forwarded")

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, m := range rec.msgs {
		if m.topic == "lab/event" {
			assert.False(t, m.retained)
			var e events.Event
			require.NoError(t, json.Unmarshal(m.payload, &e))
			assert.Equal(t, "Channel Kanal 2 started", e.Text)
			continue
		}
		assert.True(t, m.retained)
	}
}

func TestStatusPayload(t *testing.T) {
	var v map[string]string
	require.NoError(t, json.Unmarshal([]byte(statusPayload("offline", "pc-1", "graceful_shutdown")), &v))
	assert.Equal(t, "offline", v["status"])
	assert.Equal(t, "pc-1", v["client_id"])
	assert.Equal(t, "graceful_shutdown", v["reason"])

	var online map[string]string
	require.NoError(t, json.Unmarshal([]byte(statusPayload("online", "pc-1", "")), &online))
	assert.Equal(t, "online", online["status"])
	assert.NotContains(t, online, "reason")
}
