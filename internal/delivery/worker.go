package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hivehub/notify/internal/apperrors"
	"github.com/hivehub/notify/internal/broker"
	"github.com/hivehub/notify/internal/config"
	"github.com/hivehub/notify/internal/monitoring"
	"github.com/hivehub/notify/internal/store"
	"github.com/hivehub/notify/internal/telemetry"
	"github.com/hivehub/notify/internal/template"
)

// Worker executes delivery attempts: claim, render, send, settle. Exactly
// one worker owns a record at a time, enforced by the compare-and-set
// transition out of QUEUED.
type Worker struct {
	id         string
	store      *store.Store
	engine     *template.Engine
	transports map[store.Channel]Transport
	scheduler  *Scheduler
	retry      config.RetryConfig
	sem        chan struct{}
}

// NewWorker wires a delivery worker. Concurrency bounds the number of
// simultaneous delivery attempts across all queues this worker serves.
func NewWorker(st *store.Store, engine *template.Engine, transports []Transport, scheduler *Scheduler, retry config.RetryConfig, concurrency int) *Worker {
	if concurrency <= 0 {
		concurrency = 2
	}
	byChannel := make(map[store.Channel]Transport, len(transports))
	for _, t := range transports {
		byChannel[t.Channel()] = t
	}
	return &Worker{
		id:         "worker-" + uuid.NewString()[:8],
		store:      st,
		engine:     engine,
		transports: byChannel,
		scheduler:  scheduler,
		retry:      retry,
		sem:        make(chan struct{}, concurrency),
	}
}

// Deliver runs one delivery attempt for the record over the given
// channels, owning the state machine from QUEUED to a settled state.
func (w *Worker) Deliver(ctx context.Context, n *store.Notification, channels store.ChannelList, attempts int, originKey string) {
	w.sem <- struct{}{}
	monitoring.ActiveWorkers.Inc()
	defer func() {
		<-w.sem
		monitoring.ActiveWorkers.Dec()
	}()

	log := telemetry.LogFromContext(ctx).WithFields(map[string]interface{}{
		"notification_id": n.ID.String(),
		"worker_id":       w.id,
	})

	if n.State == store.StateSending || n.State.Terminal() {
		log.WithField("state", string(n.State)).Info("record already in flight or terminal, skipping")
		return
	}

	// The claim comes first: losing the compare-and-set means another
	// worker owns the record, so no rendering or sending happens here.
	if err := w.claim(ctx, n); err != nil {
		if errors.Is(err, store.ErrConcurrentState) {
			log.Info("lost claim race, skipping")
			return
		}
		log.Errorf("failed to claim record: %v", err)
		return
	}

	rendered, err := w.render(ctx, n, channels)
	if err != nil {
		// Render failures are never retryable: the template or its
		// variables are wrong and will stay wrong.
		log.Warnf("render failed: %v", err)
		w.settleRenderFailure(ctx, n, originKey, apperrors.NewTemplateFatalError(templateIDOf(n), err))
		return
	}

	if err := w.store.TransitionState(ctx, n.ID, store.StateRendered, store.StateSending,
		store.TransitionOpts{WorkerID: w.id, Detail: "rendered"}); err != nil {
		if errors.Is(err, store.ErrConcurrentState) {
			log.Info("lost send race, skipping")
			return
		}
		log.Errorf("failed to start send: %v", err)
		return
	}
	n.State = store.StateSending

	sendErr := w.sendAll(ctx, n, channels, rendered)
	newAttempts := n.Attempts + 1

	if sendErr == nil {
		if err := w.store.TransitionState(ctx, n.ID, store.StateSending, store.StateSent,
			store.TransitionOpts{Attempts: &newAttempts, WorkerID: w.id, Detail: "delivered"}); err != nil {
			log.Errorf("failed to settle sent record: %v", err)
		}
		return
	}

	errStr := sendErr.Error()
	permanent := apperrors.IsErrorType(sendErr, apperrors.ErrorTypeTransportPermanent)

	if !permanent && newAttempts <= n.MaxRetries {
		if err := w.store.TransitionState(ctx, n.ID, store.StateSending, store.StateQueued,
			store.TransitionOpts{Attempts: &newAttempts, LastError: &errStr, WorkerID: w.id, Detail: "retry scheduled"}); err != nil {
			log.Errorf("failed to requeue record: %v", err)
			return
		}
		dueAt := time.Now().Add(Jitter(Backoff(newAttempts, w.retry.BaseDelay, w.retry.MaxDelay)))
		msg := messageFromRecord(n)
		if err := w.scheduler.Schedule(ctx, msg, originKey, newAttempts, dueAt); err != nil {
			log.Errorf("failed to schedule retry: %v", err)
		} else {
			log.WithField("attempt", newAttempts).Warnf("delivery failed, retry scheduled: %v", sendErr)
		}
		return
	}

	n.Attempts = newAttempts
	w.settleDead(ctx, n, originKey, sendErr)
}

// SendAuxiliary delivers channels best effort without touching the record
// state, used when another lane owns the state machine.
func (w *Worker) SendAuxiliary(ctx context.Context, n *store.Notification, channels store.ChannelList) {
	rendered, err := w.render(ctx, n, channels)
	if err != nil {
		telemetry.LogFromContext(ctx).WithField("notification_id", n.ID.String()).
			Warnf("auxiliary render failed: %v", err)
		return
	}
	for _, ch := range channels {
		if err := w.send(ctx, n, ch, rendered[ch]); err != nil {
			telemetry.LogFromContext(ctx).WithFields(map[string]interface{}{
				"notification_id": n.ID.String(),
				"channel":         string(ch),
			}).Warnf("auxiliary send failed: %v", err)
		}
	}
}

// render produces per-channel output, passing the record through RENDERED.
// Records without a template render to their stored title and content.
func (w *Worker) render(ctx context.Context, n *store.Notification, channels store.ChannelList) (map[store.Channel]*template.Output, error) {
	start := time.Now()
	out := make(map[store.Channel]*template.Output, len(channels))
	for _, ch := range channels {
		if n.TemplateID == nil {
			out[ch] = &template.Output{Subject: n.Title, Body: n.Content}
			continue
		}
		rendered, err := w.engine.Render(ctx, *n.TemplateID, ch, n.Locale, n.Variables)
		if err != nil {
			return nil, err
		}
		out[ch] = rendered
	}
	monitoring.RenderDuration.Observe(time.Since(start).Seconds())
	return out, nil
}

// claim takes ownership of the record: the QUEUED -> RENDERED hop is the
// compare-and-set that decides which worker proceeds. A record already in
// RENDERED (redelivery after a crash) is re-owned without a transition.
func (w *Worker) claim(ctx context.Context, n *store.Notification) error {
	if n.State == store.StateRendered {
		return nil
	}
	if err := w.store.TransitionState(ctx, n.ID, store.StateQueued, store.StateRendered,
		store.TransitionOpts{WorkerID: w.id, Detail: "claimed"}); err != nil {
		return err
	}
	n.State = store.StateRendered
	return nil
}

// settleRenderFailure parks a fatally unrenderable record: RENDERED ->
// FAILED, then FAILED -> DEAD with a dead letter. No retry path exists for
// template failures.
func (w *Worker) settleRenderFailure(ctx context.Context, n *store.Notification, originKey string, cause error) {
	errStr := cause.Error()
	if err := w.store.TransitionState(ctx, n.ID, store.StateRendered, store.StateFailed,
		store.TransitionOpts{LastError: &errStr, WorkerID: w.id, Detail: "render failed"}); err != nil {
		if !errors.Is(err, store.ErrConcurrentState) {
			telemetry.LogFromContext(ctx).WithField("notification_id", n.ID.String()).
				Errorf("failed to mark record failed: %v", err)
		}
		return
	}
	n.State = store.StateFailed
	w.settleDead(ctx, n, originKey, cause)
}

// sendAll delivers every channel; the first permanent failure aborts, a
// transient failure is returned after the remaining channels are tried.
func (w *Worker) sendAll(ctx context.Context, n *store.Notification, channels store.ChannelList, rendered map[store.Channel]*template.Output) error {
	var transient error
	for _, ch := range channels {
		err := w.send(ctx, n, ch, rendered[ch])
		if err == nil {
			continue
		}
		if apperrors.IsErrorType(err, apperrors.ErrorTypeTransportPermanent) {
			return err
		}
		if transient == nil {
			transient = err
		}
	}
	return transient
}

func (w *Worker) send(ctx context.Context, n *store.Notification, ch store.Channel, rendered *template.Output) error {
	transport, ok := w.transports[ch]
	if !ok {
		return apperrors.NewTransportPermanentError(string(ch), "no transport configured")
	}
	if rendered == nil {
		return apperrors.NewTransportPermanentError(string(ch), "no rendered output")
	}
	if err := transport.Send(ctx, n, rendered); err != nil {
		kind := "transient"
		if apperrors.IsErrorType(err, apperrors.ErrorTypeTransportPermanent) {
			kind = "permanent"
		}
		monitoring.NotificationsFailed.WithLabelValues(string(ch), kind).Inc()
		return err
	}
	monitoring.NotificationsSent.WithLabelValues(string(ch)).Inc()
	return nil
}

// settleDead parks the record in DEAD and records the dead letter.
func (w *Worker) settleDead(ctx context.Context, n *store.Notification, originKey string, cause error) {
	log := telemetry.LogFromContext(ctx).WithField("notification_id", n.ID.String())

	errStr := cause.Error()
	attempts := n.Attempts
	if err := w.store.TransitionState(ctx, n.ID, n.State, store.StateDead,
		store.TransitionOpts{Attempts: &attempts, LastError: &errStr, WorkerID: w.id, Detail: "dead: " + errStr}); err != nil {
		if !errors.Is(err, store.ErrConcurrentState) {
			log.Errorf("failed to mark record dead: %v", err)
		}
		return
	}

	msg := messageFromRecord(n)
	body, err := msg.Encode()
	if err != nil {
		body = []byte(fmt.Sprintf(`{"id":%q}`, n.ID.String()))
	}
	queue := broker.QueueMainDLQ
	if originKey == broker.KeyEmailSend {
		queue = broker.QueueEmailDLQ
	}
	if err := w.store.InsertDeadLetter(ctx, &store.DeadLetter{
		NotificationID: n.ID,
		Queue:          queue,
		Body:           body,
		LastError:      errStr,
		Attempts:       n.Attempts,
	}); err != nil {
		log.Errorf("failed to record dead letter: %v", err)
	}
	monitoring.NotificationsDeadLettered.WithLabelValues(queue).Inc()
	log.Warnf("record dead-lettered: %v", cause)
}

// messageFromRecord rebuilds the wire message from the durable record for
// republication.
func messageFromRecord(n *store.Notification) *broker.Message {
	msg := &broker.Message{
		ID:        n.ID.String(),
		UserID:    n.UserID,
		Type:      string(n.Type),
		Title:     n.Title,
		Content:   n.Content,
		Priority:  string(n.Priority),
		Metadata:  n.Metadata,
		Variables: n.Variables,
		Locale:    n.Locale,
	}
	for _, ch := range n.Channels {
		msg.Channels = append(msg.Channels, string(ch))
	}
	if n.TemplateID != nil {
		msg.TemplateID = *n.TemplateID
	}
	return msg
}

func templateIDOf(n *store.Notification) string {
	if n.TemplateID == nil {
		return ""
	}
	return *n.TemplateID
}
