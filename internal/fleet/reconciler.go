package fleet

import (
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"fleetdash/internal/metrics"
	"fleetdash/internal/model"
)

var (
	errMissingID     = errors.New("missing id")
	errMissingStatus = errors.New("missing status")
)

// DecodeError reports a status payload that could not be turned into an event.
type DecodeError struct {
	Payload []byte
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode status event: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// DecodeStatusEvent parses a raw feed payload.
func DecodeStatusEvent(raw []byte) (model.StatusEvent, error) {
	var ev model.StatusEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return model.StatusEvent{}, &DecodeError{Payload: raw, Err: err}
	}
	if ev.ID == 0 {
		return model.StatusEvent{}, &DecodeError{Payload: raw, Err: errMissingID}
	}
	if ev.Status == "" {
		return model.StatusEvent{}, &DecodeError{Payload: raw, Err: errMissingStatus}
	}
	return ev, nil
}

// Reconciler folds status events into a Store. A bad payload or an event
// for a machine outside the current view never stops the feed.
type Reconciler struct {
	store   *Store
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func NewReconciler(store *Store, m *metrics.Metrics, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{store: store, metrics: m, logger: logger}
}

// OnEvent applies at most one status update for raw.
func (r *Reconciler) OnEvent(raw []byte) {
	ev, err := DecodeStatusEvent(raw)
	if err != nil {
		r.metrics.FeedMessage(metrics.ResultDecodeError)
		r.logger.Warn("dropping status message", zap.Error(err), zap.ByteString("payload", raw))
		return
	}
	if !ev.Status.Known() {
		r.logger.Debug("transitional status", zap.Int64("id", ev.ID), zap.String("status", string(ev.Status)))
	}
	if !r.store.ApplyStatus(ev.ID, ev.Status) {
		r.metrics.FeedMessage(metrics.ResultIgnored)
		r.logger.Debug("status for machine outside view", zap.Int64("id", ev.ID))
		return
	}
	r.metrics.FeedMessage(metrics.ResultApplied)
}
