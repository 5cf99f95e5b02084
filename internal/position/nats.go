package position

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"nearest-departures/internal/transit"
)

// Message is the position payload read from NATS. It matches the lat/lon
// fields of vehicle position messages so a tracker feed can be reused as-is.
type Message struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// NATS takes the next position published on a subject.
type NATS struct {
	logger  *zap.Logger
	nc      *nats.Conn
	subject string
}

func NewNATS(logger *zap.Logger, nc *nats.Conn, subject string) *NATS {
	return &NATS{logger: logger, nc: nc, subject: subject}
}

func (p *NATS) Acquire(ctx context.Context) (transit.Coordinate, error) {
	if p.nc == nil || p.subject == "" {
		return transit.Coordinate{}, transit.NewError(transit.KindLocationUnavailable, errors.New("no position feed configured"))
	}
	if !p.nc.IsConnected() {
		return transit.Coordinate{}, transit.NewError(transit.KindLocationUnavailable, nats.ErrConnectionClosed)
	}

	sub, err := p.nc.SubscribeSync(p.subject)
	if err != nil {
		return transit.Coordinate{}, classifyNATSErr(err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	for {
		msg, err := sub.NextMsgWithContext(ctx)
		if err != nil {
			return transit.Coordinate{}, classifyNATSErr(err)
		}
		c, err := DecodeMessage(msg.Data)
		if err != nil {
			p.logger.Debug("skipping position message",
				zap.String("subject", msg.Subject),
				zap.Error(err),
			)
			continue
		}
		return c, nil
	}
}

// DecodeMessage parses a position payload.
func DecodeMessage(data []byte) (transit.Coordinate, error) {
	var m struct {
		Lat *float64 `json:"lat"`
		Lon *float64 `json:"lon"`
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return transit.Coordinate{}, fmt.Errorf("decode position: %w", err)
	}
	if m.Lat == nil || m.Lon == nil {
		return transit.Coordinate{}, errors.New("position message missing lat or lon")
	}
	if math.IsNaN(*m.Lat) || math.IsNaN(*m.Lon) {
		return transit.Coordinate{}, errors.New("position message has NaN coordinate")
	}
	return transit.Coordinate{Latitude: *m.Lat, Longitude: *m.Lon}, nil
}

func classifyNATSErr(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, nats.ErrTimeout):
		return transit.NewError(transit.KindLocationTimeout, err)
	case errors.Is(err, nats.ErrPermissionViolation), errors.Is(err, nats.ErrAuthorization),
		errors.Is(err, nats.ErrAuthExpired), errors.Is(err, nats.ErrAuthRevoked):
		return transit.NewError(transit.KindLocationDenied, err)
	}
	return transit.NewError(transit.KindLocationUnavailable, err)
}
