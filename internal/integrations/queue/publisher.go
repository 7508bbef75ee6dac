package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"formgate/internal/platform/kafka/producer"
	"formgate/pkg/platform/circuit"
	"formgate/pkg/requestcontext"
)

// ErrUnavailable means jobs could not be handed to the broker.
var ErrUnavailable = errors.New("integration queue unavailable")

// HeaderIntegrationType carries the job's integration type on each record.
const HeaderIntegrationType = "integration_type"

type Producer interface {
	Produce(ctx context.Context, msgs ...*producer.Message) error
}

type Option func(*Publisher)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(p *Publisher) {
		p.metrics = m
	}
}

func WithBreaker(b *circuit.Breaker) Option {
	return func(p *Publisher) {
		if b != nil {
			p.breaker = b
		}
	}
}

// WithTimeout bounds one Enqueue call. Default 5s.
func WithTimeout(d time.Duration) Option {
	return func(p *Publisher) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// Publisher serialises jobs and publishes them synchronously. A circuit
// breaker fails fast while the broker is down.
type Publisher struct {
	producer Producer
	topic    string
	breaker  *circuit.Breaker
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *Metrics
}

func NewPublisher(p Producer, topic string, opts ...Option) *Publisher {
	pub := &Publisher{
		producer: p,
		topic:    topic,
		breaker: circuit.New("integration-queue",
			circuit.WithFailureThreshold(5),
			circuit.WithSuccessThreshold(3),
		),
		timeout: 5 * time.Second,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(pub)
	}
	return pub
}

// Enqueue publishes every job or returns an error wrapping ErrUnavailable.
// Jobs already acknowledged before a failure are not retracted.
func (p *Publisher) Enqueue(ctx context.Context, jobs []Job) error {
	if len(jobs) == 0 {
		return nil
	}
	now := requestcontext.Now(ctx)
	if !p.breaker.Allow(now) {
		p.record("breaker_open")
		return fmt.Errorf("%w: circuit open", ErrUnavailable)
	}

	msgs := make([]*producer.Message, 0, len(jobs))
	for i := range jobs {
		value, err := json.Marshal(&jobs[i])
		if err != nil {
			p.record("encode_error")
			return fmt.Errorf("%w: encode job: %v", ErrUnavailable, err)
		}
		msgs = append(msgs, &producer.Message{
			Topic:   p.topic,
			Key:     []byte(jobs[i].SubmissionID.String()),
			Value:   value,
			Headers: map[string]string{HeaderIntegrationType: string(jobs[i].IntegrationType)},
		})
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.producer.Produce(ctx, msgs...); err != nil {
		change := p.breaker.RecordFailure(now)
		if change.Opened {
			p.logger.ErrorContext(ctx, "integration queue circuit opened",
				"breaker", p.breaker.Name(),
				"error", err,
			)
			p.transition("open")
		}
		p.record("error")
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if change := p.breaker.RecordSuccess(); change.Closed {
		p.logger.InfoContext(ctx, "integration queue circuit closed", "breaker", p.breaker.Name())
		p.transition("closed")
	}
	p.record("success")
	if p.metrics != nil {
		p.metrics.JobsPublishedTotal.Add(float64(len(jobs)))
	}
	return nil
}

func (p *Publisher) record(result string) {
	if p.metrics != nil {
		p.metrics.EnqueueTotal.WithLabelValues(result).Inc()
	}
}

func (p *Publisher) transition(to string) {
	if p.metrics != nil {
		p.metrics.BreakerStateChanges.WithLabelValues(to).Inc()
	}
}
