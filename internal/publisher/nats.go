package publisher

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"nearest-departures/internal/pipeline"
)

// NATSPublisher owns the process's NATS connection and fans state snapshots
// out on <subject>.<stage>.
type NATSPublisher struct {
	logger  *zap.Logger
	nc      *nats.Conn
	subject string
	metrics PublisherMetrics
}

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

// NewNATSPublisher connects to url. An empty subject keeps the connection
// (position feeds may still use it) but disables publishing.
func NewNATSPublisher(logger *zap.Logger, url, subject string, m PublisherMetrics) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("nearest-departures"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			logger.Info("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			logger.Info("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	return &NATSPublisher{logger: logger, nc: nc, subject: subject, metrics: m}, nil
}

// Conn exposes the shared connection.
func (p *NATSPublisher) Conn() *nats.Conn { return p.nc }

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
		p.nc.Close()
	}
}

// PublishState publishes one snapshot. It is a pipeline.Observer.
func (p *NATSPublisher) PublishState(s pipeline.State) {
	if p.subject == "" {
		return
	}
	if err := p.publish(stateSubject(p.subject, s.Stage), s); err != nil {
		p.logger.Warn("publish state error",
			zap.String("run_id", s.RunID),
			zap.String("stage", string(s.Stage)),
			zap.Error(err),
		)
	}
}

func (p *NATSPublisher) publish(subject string, s pipeline.State) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	p.logger.Debug("nats publish", zap.String("subject", subject))
	start := time.Now()
	err = p.nc.Publish(subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	return err
}

func stateSubject(base string, stage pipeline.Stage) string {
	return strings.TrimSuffix(base, ".") + "." + subjectToken(string(stage))
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
