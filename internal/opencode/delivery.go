package opencode

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/chatops-dev/opencodectl/internal/poll"
)

const defaultPollInterval = 3 * time.Second

// Delivery sends a prompt and waits for its final result. The mode is fixed
// at construction, not per call: synchronous holds one POST open for the
// whole computation, submit-and-poll trades immediacy for resilience when a
// prompt runs longer than a single connection should stay open.
//
// Delivery owns the timeout semantics. It does not retry not-found failures;
// those pass through for the orchestration layer to decide.
type Delivery struct {
	log      *zap.SugaredLogger
	client   *Client
	timeout  time.Duration
	async    bool
	interval time.Duration
}

// DeliveryOption configures a Delivery.
type DeliveryOption func(*Delivery)

// WithDeliveryLogger attaches a named logger.
func WithDeliveryLogger(l *zap.Logger) DeliveryOption {
	return func(d *Delivery) {
		d.log = l.Named("delivery").Sugar()
	}
}

// WithPollInterval overrides the async poll interval, mainly for tests.
func WithPollInterval(interval time.Duration) DeliveryOption {
	return func(d *Delivery) {
		d.interval = interval
	}
}

// NewDelivery builds a Delivery over client with the given total timeout.
func NewDelivery(client *Client, timeout time.Duration, async bool, opts ...DeliveryOption) *Delivery {
	d := &Delivery{
		log:      zap.NewNop().Sugar(),
		client:   client,
		timeout:  timeout,
		async:    async,
		interval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Send delivers text to the session and returns the extracted final result.
// An empty result with a nil error means the backend produced no text part.
func (d *Delivery) Send(ctx context.Context, sessionID, text string) (string, error) {
	if d.async {
		return d.sendAndPoll(ctx, sessionID, text)
	}
	return d.sendSync(ctx, sessionID, text)
}

func (d *Delivery) sendSync(ctx context.Context, sessionID, text string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	msg, err := d.client.SendMessage(ctx, sessionID, text)
	if err != nil {
		if deadlineExpired(err) {
			return "", &TimeoutError{Op: "synchronous send", Timeout: d.timeout}
		}
		return "", err
	}
	return ExtractFinalResult(*msg), nil
}

// sendAndPoll submits the prompt, snapshots the message count, then polls
// until a new message with a non-empty text result appears. A message that
// arrives without text is intermediate output and keeps the loop going.
func (d *Delivery) sendAndPoll(ctx context.Context, sessionID, text string) (string, error) {
	if err := d.client.SubmitPrompt(ctx, sessionID, text); err != nil {
		return "", err
	}

	before, err := d.client.GetMessages(ctx, sessionID, 10)
	if err != nil {
		return "", err
	}
	baseline := len(before)
	d.log.Debugw("prompt submitted, polling for result", "session", sessionID, "baseline", baseline)

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	attempts := int(d.timeout / d.interval)
	if attempts < 1 {
		attempts = 1
	}

	var result string
	err = poll.Until(ctx, d.interval, attempts, func(ctx context.Context) (bool, error) {
		msgs, err := d.client.GetMessages(ctx, sessionID, 10)
		if err != nil {
			return false, err
		}
		if len(msgs) <= baseline {
			return false, nil
		}
		result = ExtractFinalResult(msgs[len(msgs)-1])
		return result != "", nil
	})
	switch {
	case err == nil:
		return result, nil
	case errors.Is(err, poll.ErrExhausted), deadlineExpired(err):
		return "", &TimeoutError{Op: "result polling", Timeout: d.timeout}
	default:
		return "", err
	}
}
