package mqtt

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Topics builds the topic tree below a configurable prefix:
//
//	<prefix>/channel/<id>/state   retained channel snapshot
//	<prefix>/event                controller events
//	<prefix>/system/status        online/offline, also the LWT
//	<prefix>/command/<id>/<action>
type Topics struct {
	Prefix string
}

// ChannelState returns the retained state topic of a channel.
func (t Topics) ChannelState(id int) string {
	return fmt.Sprintf("%s/channel/%d/state", t.Prefix, id)
}

// Event returns the topic events are published on.
func (t Topics) Event() string {
	return t.Prefix + "/event"
}

// SystemStatus returns the online/offline status topic.
func (t Topics) SystemStatus() string {
	return t.Prefix + "/system/status"
}

// AllCommands returns the wildcard subscription for commands.
func (t Topics) AllCommands() string {
	return t.Prefix + "/command/#"
}

// Command returns the topic of one command.
func (t Topics) Command(id int, action Action) string {
	return fmt.Sprintf("%s/command/%d/%s", t.Prefix, id, action)
}

// Action is a channel command received over MQTT.
type Action string

const (
	ActionStart    Action = "start"
	ActionStop     Action = "stop"
	ActionVent     Action = "vent"
	ActionSetpoint Action = "setpoint"
)

// Command is a parsed command message.
type Command struct {
	Channel int
	Action  Action
	Value   float64 // setpoint only
}

// ParseCommand decodes a command topic and payload. Setpoint payloads are
// either a bare number or {"value": <number>}.
func (t Topics) ParseCommand(topic string, payload []byte) (Command, error) {
	rest, ok := strings.CutPrefix(topic, t.Prefix+"/command/")
	if !ok {
		return Command{}, fmt.Errorf("%w: topic %q", ErrInvalidCommand, topic)
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 2 {
		return Command{}, fmt.Errorf("%w: topic %q", ErrInvalidCommand, topic)
	}
	id, err := strconv.Atoi(parts[0])
	if err != nil {
		return Command{}, fmt.Errorf("%w: channel %q", ErrInvalidCommand, parts[0])
	}

	cmd := Command{Channel: id, Action: Action(parts[1])}
	switch cmd.Action {
	case ActionStart, ActionStop, ActionVent:
		return cmd, nil
	case ActionSetpoint:
		v, err := parseValue(payload)
		if err != nil {
			return Command{}, err
		}
		cmd.Value = v
		return cmd, nil
	default:
		return Command{}, fmt.Errorf("%w: action %q", ErrInvalidCommand, parts[1])
	}
}

func parseValue(payload []byte) (float64, error) {
	s := strings.TrimSpace(string(payload))
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v, nil
	}
	var body struct {
		Value *float64 `json:"value"`
	}
	if err := json.Unmarshal([]byte(s), &body); err != nil || body.Value == nil {
		return 0, fmt.Errorf("%w: setpoint payload %q", ErrInvalidCommand, s)
	}
	return *body.Value, nil
}
