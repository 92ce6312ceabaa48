package livesync

import (
	"encoding/json"
	"fmt"
	"strings"
)

// the platform wire protocol is JSON envelopes over a single websocket.
// the platform pushes `event` envelopes for a topic after the topic is
// `subscribed`. everything else is request/ack keyed by `ref`.

const (
	envAuth         = "auth"
	envAuthOk       = "auth_ok"
	envHeartbeat    = "heartbeat"
	envHeartbeatAck = "heartbeat_ack"
	envSubscribe    = "subscribe"
	envSubscribed   = "subscribed"
	envUnsubscribe  = "unsubscribe"
	envEvent        = "event"
	envError        = "error"
)

type Envelope struct {
	Type    string          `json:"type"`
	Ref     string          `json:"ref,omitempty"`
	Topic   string          `json:"topic,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func NewEnvelope(envType string, ref string, topic string, payload any) (*Envelope, error) {
	env := &Envelope{
		Type:  envType,
		Ref:   ref,
		Topic: topic,
	}
	if payload != nil {
		payloadBytes, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Payload = payloadBytes
	}
	return env, nil
}

func EncodeEnvelope(env *Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func DecodeEnvelope(envBytes []byte) (*Envelope, error) {
	env := &Envelope{}
	if err := json.Unmarshal(envBytes, env); err != nil {
		return nil, err
	}
	if env.Type == "" {
		return nil, fmt.Errorf("envelope missing type")
	}
	return env, nil
}

func decodePayload(payload json.RawMessage, out any) error {
	return json.Unmarshal(payload, out)
}

type AuthPayload struct {
	Token      string `json:"token"`
	InstanceId Id     `json:"instance_id"`
	AppVersion string `json:"app_version,omitempty"`
}

type EventType string

const (
	EventAll    EventType = "*"
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

type SubscribePayload struct {
	Table  string    `json:"table"`
	Event  EventType `json:"event"`
	Filter string    `json:"filter,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// a row-level change pushed by the platform after a topic is joined
type ChangeEvent struct {
	Table      string         `json:"table"`
	Event      EventType      `json:"event"`
	OldRow     map[string]any `json:"old_row,omitempty"`
	NewRow     map[string]any `json:"new_row,omitempty"`
	CommitTime int64          `json:"commit_time,omitempty"`
}

func decodeChangeEvent(payload json.RawMessage) (*ChangeEvent, error) {
	event := &ChangeEvent{}
	if err := json.Unmarshal(payload, event); err != nil {
		return nil, err
	}
	if event.Table == "" {
		return nil, fmt.Errorf("change event missing table")
	}
	switch event.Event {
	case EventInsert, EventUpdate, EventDelete:
	default:
		return nil, fmt.Errorf("change event has bad event type: %s", event.Event)
	}
	return event, nil
}

// the row value for `column`, preferring the new row
func (self *ChangeEvent) Row() map[string]any {
	if self.NewRow != nil {
		return self.NewRow
	}
	return self.OldRow
}

// stable identity of a (table, event, filter) subscription.
// identical triples multiplex onto one channel.
func subscriptionKey(table string, event EventType, filter string) string {
	return strings.Join([]string{table, string(event), filter}, ":")
}
