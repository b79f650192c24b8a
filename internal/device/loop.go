// Package device runs the measure/decide/publish cycle of one simulated bin.
package device

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"binspire-simulator/internal/database"
	"binspire-simulator/internal/logging"
	"binspire-simulator/internal/metrics"
	"binspire-simulator/internal/models"
	"binspire-simulator/internal/sensor"
	"binspire-simulator/internal/urgency"

	"go.uber.org/zap"
)

// ErrInvalidBinID is returned by Run when the loop has no bin id
var ErrInvalidBinID = errors.New("trashbin id cannot be empty")

// Store hands out one pooled connection per call
type Store interface {
	Acquire(ctx context.Context, fn func(database.Queries) error) error
}

// Notifier delivers urgent collection alerts
type Notifier interface {
	SendUrgentBinAlert(ctx context.Context, req models.NotificationRequest) (models.NotificationResult, error)
}

// Transport is the publish side of a broker session
type Transport interface {
	Connect(ctx context.Context) error
	Publish(topic string, payload []byte) error
	Disconnect()
}

// TransportFactory opens a new, unconnected session for a bin
type TransportFactory func(binID string) Transport

// Config parameterizes a loop. Sensor-bound and synthetic bins differ only here
// and in their reading source.
type Config struct {
	Interval             time.Duration
	Policy               urgency.Policy
	NotificationLinkBase string
	// OpTimeout bounds the database and notification work of one iteration
	OpTimeout time.Duration
}

// Deps are the shared collaborators injected into every loop
type Deps struct {
	Store        Store
	Notifier     Notifier // nil disables push notifications
	NewTransport TransportFactory
	Metrics      *metrics.Recorder
	Log          *zap.SugaredLogger
}

// Loop is the per-bin state machine. Iterations of one loop never overlap.
type Loop struct {
	binID  string
	cfg    Config
	source sensor.Source
	deps   Deps
	log    *zap.SugaredLogger
	now    func() time.Time
}

// New builds a loop for binID reading from source
func New(binID string, source sensor.Source, cfg Config, deps Deps) *Loop {
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 10 * time.Second
	}
	log := deps.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Loop{
		binID:  binID,
		cfg:    cfg,
		source: source,
		deps:   deps,
		log:    log.Named("device").With("bin_id", binID),
		now:    time.Now,
	}
}

// BinID returns the id of the simulated bin
func (l *Loop) BinID() string {
	return l.binID
}

// Outcome describes what one iteration did
type Outcome struct {
	Reading   models.Reading
	Decision  urgency.Decision
	Bin       models.Trashbin
	Skipped   string // metrics outcome when the iteration was skipped
	Published bool
}

// Run executes iterations until ctx is cancelled or an iteration fails.
// Cancellation returns nil; a failed iteration returns its error. The transport
// session is disconnected exactly once on every exit path.
func (l *Loop) Run(ctx context.Context) error {
	if l.binID == "" {
		logging.Critical(l.log, "Trashbin ID is empty.")
		return ErrInvalidBinID
	}
	if l.deps.Store == nil {
		logging.Critical(l.log, "Database connection is not established.")
		return database.ErrNotConnected
	}

	l.log.Debug("Starting simulation")

	tr := l.deps.NewTransport(l.binID)
	defer tr.Disconnect()

	if err := tr.Connect(ctx); err != nil {
		if ctx.Err() != nil {
			l.log.Warn("Task cancelled before the MQTT client connected.")
			return nil
		}
		l.log.Errorw("Failed to connect MQTT client", "error", err)
		return fmt.Errorf("error connecting transport for %s: %w", l.binID, err)
	}

	topic := models.StatusTopic(l.binID)
	l.log.Infow("MQTT client connected", "topic", topic)

	for {
		if ctx.Err() != nil {
			l.log.Warn("Task cancelled, disconnecting client.")
			return nil
		}

		if _, err := l.runIteration(ctx, tr, topic); err != nil {
			if ctx.Err() != nil && errors.Is(err, context.Canceled) {
				l.log.Warn("Task cancelled, disconnecting client.")
				return nil
			}
			l.deps.Metrics.Iteration(metrics.OutcomeFailed)
			l.log.Errorw("Unexpected error occurred", "error", err)
			return err
		}

		if !sleep(ctx, l.cfg.Interval) {
			l.log.Warn("Task cancelled, disconnecting client.")
			return nil
		}
	}
}

// runIteration turns a panic into a loop-fatal error for this bin only
func (l *Loop) runIteration(ctx context.Context, tr Transport, topic string) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in iteration: %v\n%s", r, debug.Stack())
		}
	}()
	return l.iterate(ctx, tr, topic)
}

func (l *Loop) iterate(ctx context.Context, tr Transport, topic string) (Outcome, error) {
	var out Outcome

	reading, err := l.source.Read(ctx)
	if err != nil {
		if errors.Is(err, sensor.ErrTimeout) {
			l.log.Errorw("Failed to read distance from ultrasonic sensor.", "error", err)
			l.deps.Metrics.Iteration(metrics.OutcomeSensorTimeout)
			out.Skipped = metrics.OutcomeSensorTimeout
			return out, nil
		}
		return out, fmt.Errorf("error reading sensor: %w", err)
	}
	out.Reading = reading

	score := l.cfg.Policy.Score(reading.WasteLevel, reading.WeightLevel)
	l.log.Debugw("Simulated values",
		"waste_pct", reading.WasteLevel,
		"weight_kg", reading.WeightLevel,
		"battery_pct", reading.BatteryLevel,
		"urgency", fmt.Sprintf("%.2f", score))
	l.deps.Metrics.UrgencyScore(l.binID, score)

	// In-flight statements finish even if ctx is cancelled; new ones are not started.
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.OpTimeout)
	defer cancel()

	var (
		found   bool
		invalid error
		bin     models.Trashbin
		tokens  []string
	)
	err = l.deps.Store.Acquire(opCtx, func(q database.Queries) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		b, err := q.GetTrashbin(opCtx, l.binID)
		if errors.Is(err, database.ErrTrashbinNotFound) {
			return nil
		}
		if errors.Is(err, database.ErrInvalidTrashbin) {
			invalid = err
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		out.Decision = l.cfg.Policy.Decide(reading, b)

		if out.Decision.ResetCollected {
			if err := ctx.Err(); err != nil {
				return err
			}
			l.log.Warnw("Waste level rose after collection, resetting is_collected to FALSE.", "waste_pct", reading.WasteLevel)
			if err := q.ResetCollected(opCtx, l.binID); err != nil {
				return err
			}
			b = b.WithCollected(false)
			l.deps.Metrics.CollectedReset()
		}

		if out.Decision.Schedule {
			if err := ctx.Err(); err != nil {
				return err
			}
			l.log.Warnw("High urgency detected, scheduling collection.", "urgency", fmt.Sprintf("%.2f", out.Decision.Score))
			if err := q.MarkScheduled(opCtx, l.binID); err != nil {
				return err
			}
			b = b.WithScheduled(l.now())
			l.deps.Metrics.Scheduled()

			if l.deps.Notifier != nil {
				t, err := q.CollectorTokens(opCtx)
				if err != nil {
					l.log.Errorw("Failed to fetch collector tokens, skipping notification", "error", err)
				} else {
					tokens = t
				}
			}
		}

		bin = b
		return nil
	})
	if err != nil {
		return out, err
	}

	if invalid != nil {
		l.log.Warnw("Trashbin row is inconsistent, skipping iteration.", "error", invalid)
		l.deps.Metrics.Iteration(metrics.OutcomeBinInvalid)
		out.Skipped = metrics.OutcomeBinInvalid
		return out, nil
	}

	if !found {
		l.log.Warn("Trashbin not found in database.")
		l.deps.Metrics.Iteration(metrics.OutcomeBinMissing)
		out.Skipped = metrics.OutcomeBinMissing
		return out, nil
	}
	out.Bin = bin

	if out.Decision.Schedule && len(tokens) > 0 {
		l.notify(opCtx, bin, tokens)
	}

	if err := ctx.Err(); err != nil {
		return out, err
	}

	payload, err := models.NewStatusMessage(bin, reading).Encode()
	if err != nil {
		return out, fmt.Errorf("error encoding status message: %w", err)
	}

	if err := tr.Publish(topic, payload); err != nil {
		l.log.Errorw("Failed to publish MQTT message", "topic", topic, "error", err)
		l.deps.Metrics.Iteration(metrics.OutcomePublishFailed)
		out.Skipped = metrics.OutcomePublishFailed
		return out, nil
	}

	l.log.Infow("Published MQTT message", "topic", topic)
	l.deps.Metrics.Iteration(metrics.OutcomePublished)
	out.Published = true
	return out, nil
}

// notify never fails the iteration; gateway errors and panics are logged
func (l *Loop) notify(ctx context.Context, bin models.Trashbin, tokens []string) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Errorw("Failed to send push notification", "panic", r, "stack", string(debug.Stack()))
			l.deps.Metrics.Notifications(0, len(tokens))
		}
	}()

	req := models.NewUrgentBinAlert(bin, tokens, l.cfg.NotificationLinkBase)
	res, err := l.deps.Notifier.SendUrgentBinAlert(ctx, req)
	if err != nil {
		l.log.Errorw("Failed to send push notification", "tokens", len(tokens), "error", err)
		l.deps.Metrics.Notifications(0, len(tokens))
		return
	}

	l.log.Infow("Sent notification to collectors", "success", res.SuccessCount)
	if res.FailureCount > 0 {
		l.log.Warnw("Some notifications failed", "failure", res.FailureCount)
	}
	l.deps.Metrics.Notifications(res.SuccessCount, res.FailureCount)
}

// sleep waits for d and reports false if ctx was cancelled first
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
