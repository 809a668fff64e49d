package command

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/nerrad567/gray-logic-historian/internal/history"
	"github.com/nerrad567/gray-logic-historian/internal/infrastructure/mqtt"
)

// Bus is the part of *mqtt.Client the transport uses.
type Bus interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	PublishJSON(topic string, v any, retained bool) error
	Topics() mqtt.Topics
}

// StateSink receives state change events.
type StateSink interface {
	HandleState(ctx context.Context, id string, st history.State) error
}

// Request is the payload published on {prefix}/request/{requestID}.
type Request struct {
	Command string          `json:"command"`
	Message json.RawMessage `json:"message,omitempty"`
}

// MQTTTransport serves commands over MQTT request/response topics, feeds
// state topics into the pipeline and publishes pipeline status.
type MQTTTransport struct {
	bus        Bus
	dispatcher *Dispatcher
	sink       StateSink
	logger     Logger
	qos        byte

	ctx    context.Context
	status chan history.Status
}

// NewMQTTTransport creates the transport. Call Run to subscribe.
func NewMQTTTransport(bus Bus, dispatcher *Dispatcher, sink StateSink, qos byte, logger Logger) *MQTTTransport {
	if logger == nil {
		logger = noopLogger{}
	}
	return &MQTTTransport{
		bus:        bus,
		dispatcher: dispatcher,
		sink:       sink,
		logger:     logger,
		qos:        qos,
		ctx:        context.Background(),
		status:     make(chan history.Status, 1),
	}
}

// Run subscribes to the state and request topics and publishes status
// updates until ctx is cancelled.
func (t *MQTTTransport) Run(ctx context.Context) error {
	t.ctx = WithSource(ctx, SourceMQTT)
	topics := t.bus.Topics()

	if err := t.bus.Subscribe(topics.AllStates(), t.qos, t.handleState); err != nil {
		return fmt.Errorf("subscribing to states: %w", err)
	}
	if err := t.bus.Subscribe(topics.AllRequests(), t.qos, t.handleRequest); err != nil {
		return fmt.Errorf("subscribing to requests: %w", err)
	}
	t.logger.Info("MQTT command transport started",
		"states", topics.AllStates(),
		"requests", topics.AllRequests(),
	)

	for {
		select {
		case st := <-t.status:
			if err := t.bus.PublishJSON(topics.Status(), st, true); err != nil {
				t.logger.Warn("publishing status failed", "error", err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// PublishStatus queues a status update. Only the latest pending status is
// kept; it never blocks.
func (t *MQTTTransport) PublishStatus(st history.Status) {
	for {
		select {
		case t.status <- st:
			return
		default:
		}
		select {
		case <-t.status:
		default:
		}
	}
}

func (t *MQTTTransport) handleState(topic string, payload []byte) error {
	id, ok := t.bus.Topics().StateID(topic)
	if !ok {
		return fmt.Errorf("unexpected state topic %q", topic)
	}
	var st history.State
	if err := json.Unmarshal(payload, &st); err != nil {
		return fmt.Errorf("decoding state of %s: %w", id, err)
	}
	return t.sink.HandleState(t.ctx, id, st)
}

func (t *MQTTTransport) handleRequest(topic string, payload []byte) error {
	topics := t.bus.Topics()
	requestID, ok := topics.RequestID(topic)
	if !ok {
		return fmt.Errorf("unexpected request topic %q", topic)
	}

	var resp any
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		resp = ErrorResponse{Error: fmt.Sprintf("%v: %v", ErrInvalidCommand, err)}
	} else if out, err := t.dispatcher.Dispatch(t.ctx, req.Command, req.Message); err != nil {
		resp = ErrorResponse{Error: err.Error()}
	} else {
		resp = out
	}

	if err := t.bus.PublishJSON(topics.Response(requestID), resp, false); err != nil {
		return fmt.Errorf("publishing response %s: %w", requestID, err)
	}
	return nil
}
