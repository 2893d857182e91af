package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/28Pollux28/kiln/pkg/metrics"
	"github.com/28Pollux28/kiln/pkg/models"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

type Type string

const (
	InstanceProvisioning Type = "instance.provisioning"
	InstanceRunning      Type = "instance.running"
	InstanceStopped      Type = "instance.stopped"
	InstanceFailed       Type = "instance.failed"
)

// Event is the JSON payload published for an instance lifecycle change.
type Event struct {
	Type        Type      `json:"type"`
	InstanceID  string    `json:"instance_id"`
	UserID      string    `json:"user_id"`
	ChallengeID string    `json:"challenge_id"`
	Status      string    `json:"status"`
	At          time.Time `json:"at"`
}

func FromInstance(t Type, inst *models.Instance, at time.Time) Event {
	return Event{
		Type:        t,
		InstanceID:  inst.ID,
		UserID:      inst.UserID,
		ChallengeID: inst.ChallengeID,
		Status:      inst.Status,
		At:          at.UTC(),
	}
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close()
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close()                               {}

var errNotConnected = errors.New("nats not connected")

// NATSPublisher publishes events on <prefix>.<type>.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
}

func NewNATSPublisher(url, prefix string, logger *zap.SugaredLogger) (*NATSPublisher, error) {
	opts := []nats.Option{
		nats.Name("kiln"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warnf("nats disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Infof("nats reconnected to %s", nc.ConnectedUrl())
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", url, err)
	}
	if prefix == "" {
		prefix = "kiln"
	}
	return &NATSPublisher{nc: nc, prefix: prefix}, nil
}

func (p *NATSPublisher) Subject(t Type) string {
	return p.prefix + "." + string(t)
}

func (p *NATSPublisher) Publish(_ context.Context, ev Event) error {
	if p.nc == nil || p.nc.IsClosed() {
		return errNotConnected
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return p.nc.Publish(p.Subject(ev.Type), payload)
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
		p.nc.Close()
	}
}

// Emit publishes ev and only logs failures; lifecycle events never fail the
// operation that produced them.
func Emit(ctx context.Context, p Publisher, ev Event) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, ev); err != nil {
		metrics.EventsPublishFailuresTotal.Inc()
		zap.S().Warnf("failed to publish %s for instance %s: %v", ev.Type, ev.InstanceID, err)
	}
}
