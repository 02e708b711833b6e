package events

import (
	"encoding/json"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
)

const TopicDeploy = "stackctl.deploy.events"

const (
	TypeRunStarted    = "run.started"
	TypeServiceState  = "service.state.changed"
	TypeInstallResult = "install.result"
	TypeProbeFinished = "probe.finished"
	TypeRunFinished   = "run.finished"
)

// Envelope is the wire form of one deployment event.
type Envelope struct {
	Type    string         `json:"type"`
	Service string         `json:"service,omitempty"`
	Time    time.Time      `json:"time"`
	Fields  map[string]any `json:"fields,omitempty"`
}

func Parse(msg *message.Message) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		return Envelope{}, errors.Wrap(err, "parse event envelope")
	}
	return env, nil
}

// Emitter is the narrow publishing surface the sequencer uses.
type Emitter interface {
	Emit(eventType, service string, fields map[string]any)
}

// BusEmitter publishes envelopes onto the deploy topic. Publish
// failures are swallowed; progress events are advisory and must never
// fail a deployment.
type BusEmitter struct {
	pub message.Publisher
}

var _ Emitter = (*BusEmitter)(nil)

func NewBusEmitter(pub message.Publisher) *BusEmitter {
	return &BusEmitter{pub: pub}
}

func (e *BusEmitter) Emit(eventType, service string, fields map[string]any) {
	env := Envelope{
		Type:    eventType,
		Service: service,
		Time:    time.Now(),
		Fields:  fields,
	}
	b, err := json.Marshal(env)
	if err != nil {
		return
	}
	_ = e.pub.Publish(TopicDeploy, message.NewMessage(watermill.NewUUID(), b))
}

// NopEmitter discards events; the sequencer's default.
type NopEmitter struct{}

var _ Emitter = NopEmitter{}

func (NopEmitter) Emit(string, string, map[string]any) {}
