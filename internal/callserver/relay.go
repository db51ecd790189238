// Package callserver - сигнализация звонков WebRTC: состояние звонка в базе,
// offer/answer/ICE пересылаются через личные группы пользователей.
package callserver

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/whisper/internal/apperr"
	"github.com/whisper/internal/event"
	"github.com/whisper/internal/logger"
	"github.com/whisper/internal/metrics"
	"github.com/whisper/internal/model"
)

const OfflineMessage = "User is offline"

type CallStore interface {
	Create(ctx context.Context, c *model.Call) error
	GetByID(ctx context.Context, id string) (*model.Call, error)
	Transition(ctx context.Context, c *model.Call, from model.CallStatus) error
}

type UserLookup interface {
	GetByID(ctx context.Context, id string) (*model.User, error)
}

type Presence interface {
	IsOnline(ctx context.Context, userID string) (bool, error)
}

// Notifier доставляет событие во все сессии пользователя (ws.Hub).
type Notifier interface {
	ToUser(ctx context.Context, userID string, ev event.Event)
}

// Relay - конечный автомат звонка: ringing -> accepted|rejected|missed, accepted -> ended.
type Relay struct {
	calls       CallStore
	users       UserLookup
	presence    Presence
	notify      Notifier
	ringTimeout time.Duration
	tracer      trace.Tracer
	now         func() time.Time

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// NewRelay создаёт реле. ringTimeout = 0 отключает автоматический пропуск звонка.
func NewRelay(calls CallStore, users UserLookup, presence Presence, notify Notifier, ringTimeout time.Duration) *Relay {
	return &Relay{
		calls:       calls,
		users:       users,
		presence:    presence,
		notify:      notify,
		ringTimeout: ringTimeout,
		tracer:      otel.Tracer("github.com/whisper/internal/callserver"),
		now:         func() time.Time { return time.Now().UTC() },
		timers:      make(map[string]*time.Timer),
	}
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, apperr.Code(err))
	return err
}

func storeErr(op, what string, err error) error {
	if errors.Is(err, apperr.ErrNotFound) {
		return apperr.NotFound(what + " not found")
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	logger.Errorf("%s: %v", op, err)
	return apperr.Transient(op, err)
}

// Initiate создаёт звонок. Если получатель офлайн, звонок сразу становится missed,
// а звонящий получает call_failed.
func (r *Relay) Initiate(ctx context.Context, callerID, receiverID string, callType model.CallType, offer json.RawMessage) (*model.Call, error) {
	defer logger.DeferLogDuration("call.Initiate", time.Now())()
	ctx, span := r.tracer.Start(ctx, "call.initiate", trace.WithAttributes(
		attribute.String("caller_id", callerID),
		attribute.String("receiver_id", receiverID),
	))
	defer span.End()

	if receiverID == "" {
		return nil, fail(span, apperr.InvalidState("receiver_id required"))
	}
	if receiverID == callerID {
		return nil, fail(span, apperr.InvalidState("cannot call yourself"))
	}
	if callType == "" {
		callType = model.CallVoice
	}
	if !callType.Valid() {
		return nil, fail(span, apperr.InvalidState("call type must be voice or video"))
	}
	if _, err := r.users.GetByID(ctx, receiverID); err != nil {
		return nil, fail(span, storeErr("call.Initiate receiver", "user", err))
	}
	caller, err := r.users.GetByID(ctx, callerID)
	if err != nil {
		return nil, fail(span, storeErr("call.Initiate caller", "user", err))
	}

	c := &model.Call{
		ID:         uuid.New().String(),
		CallerID:   callerID,
		ReceiverID: receiverID,
		Type:       callType,
		Status:     model.CallRinging,
		StartedAt:  r.now(),
	}
	if err := r.calls.Create(ctx, c); err != nil {
		return nil, fail(span, storeErr("call.Initiate create", "call", err))
	}
	span.SetAttributes(attribute.String("call_id", c.ID))

	online, err := r.presence.IsOnline(ctx, receiverID)
	if err != nil {
		logger.Errorf("call: presence of %s: %v", receiverID, err)
	}
	if !online {
		if err := r.finish(ctx, c, model.CallMissed); err != nil {
			return nil, fail(span, err)
		}
		r.notify.ToUser(ctx, callerID, event.Event{Type: event.CallFailed, Payload: event.CallPayload{
			CallID:  c.ID,
			Message: OfflineMessage,
		}})
		return c, nil
	}

	r.notify.ToUser(ctx, receiverID, event.Event{Type: event.IncomingCall, Payload: event.IncomingCallPayload{
		CallID: c.ID,
		Caller: caller.ToPublic(),
		Type:   callType,
		Offer:  offer,
	}})
	r.notify.ToUser(ctx, callerID, event.Event{Type: event.CallInitiated, Payload: event.CallPayload{CallID: c.ID}})
	r.armTimeout(c.ID)
	logger.Infof("call started call_id=%s from=%s to=%s", c.ID, callerID, receiverID)
	return c, nil
}

// Accept - только получатель и только из ringing.
func (r *Relay) Accept(ctx context.Context, userID, callID string, answer json.RawMessage) (*model.Call, error) {
	defer logger.DeferLogDuration("call.Accept", time.Now())()
	ctx, span := r.tracer.Start(ctx, "call.accept", trace.WithAttributes(attribute.String("call_id", callID)))
	defer span.End()

	c, err := r.ringingFor(ctx, userID, callID)
	if err != nil {
		return nil, fail(span, err)
	}
	now := r.now()
	c.Status = model.CallAccepted
	c.AcceptedAt = &now
	if err := r.calls.Transition(ctx, c, model.CallRinging); err != nil {
		return nil, fail(span, storeErr("call.Accept", "call", err))
	}
	r.disarm(c.ID)
	r.notify.ToUser(ctx, c.CallerID, event.Event{Type: event.CallAccepted, Payload: event.CallPayload{
		CallID: c.ID,
		Answer: answer,
	}})
	logger.Infof("call accepted call_id=%s by=%s", c.ID, userID)
	return c, nil
}

// Reject - только получатель и только из ringing.
func (r *Relay) Reject(ctx context.Context, userID, callID string) (*model.Call, error) {
	defer logger.DeferLogDuration("call.Reject", time.Now())()
	ctx, span := r.tracer.Start(ctx, "call.reject", trace.WithAttributes(attribute.String("call_id", callID)))
	defer span.End()

	c, err := r.ringingFor(ctx, userID, callID)
	if err != nil {
		return nil, fail(span, err)
	}
	if err := r.finish(ctx, c, model.CallRejected); err != nil {
		return nil, fail(span, err)
	}
	r.notify.ToUser(ctx, c.CallerID, event.Event{Type: event.CallRejected, Payload: event.CallPayload{CallID: c.ID}})
	logger.Infof("call rejected call_id=%s by=%s", c.ID, userID)
	return c, nil
}

// End - любая сторона. accepted -> ended с длительностью, ringing -> missed (звонящий передумал).
func (r *Relay) End(ctx context.Context, userID, callID string) (*model.Call, error) {
	defer logger.DeferLogDuration("call.End", time.Now())()
	ctx, span := r.tracer.Start(ctx, "call.end", trace.WithAttributes(attribute.String("call_id", callID)))
	defer span.End()

	c, err := r.load(ctx, callID)
	if err != nil {
		return nil, fail(span, err)
	}
	if !c.Involves(userID) {
		return nil, fail(span, apperr.Forbidden("not a party of this call"))
	}
	var to model.CallStatus
	switch c.Status {
	case model.CallAccepted:
		to = model.CallEnded
	case model.CallRinging:
		to = model.CallMissed
	default:
		return nil, fail(span, apperr.InvalidState("call already finished"))
	}
	if err := r.finish(ctx, c, to); err != nil {
		return nil, fail(span, err)
	}
	r.notify.ToUser(ctx, c.Peer(userID), event.Event{Type: event.CallEnded, Payload: event.CallPayload{
		CallID:   c.ID,
		Duration: c.Duration,
	}})
	logger.Infof("call ended call_id=%s by=%s status=%s duration=%ds", c.ID, userID, c.Status, c.Duration)
	return c, nil
}

// ICECandidate пересылает кандидата получателю. Если получатель офлайн, кандидат молча отбрасывается.
// При указанном callID обе стороны должны быть участниками звонка.
func (r *Relay) ICECandidate(ctx context.Context, senderID, receiverID, callID string, candidate json.RawMessage) error {
	if receiverID == "" {
		return apperr.InvalidState("receiver_id required")
	}
	if len(candidate) == 0 {
		return apperr.InvalidState("candidate required")
	}
	if callID != "" {
		c, err := r.load(ctx, callID)
		if err != nil {
			return err
		}
		if !c.Involves(senderID) || c.Peer(senderID) != receiverID {
			return apperr.Forbidden("not a party of this call")
		}
	}
	online, err := r.presence.IsOnline(ctx, receiverID)
	if err != nil {
		logger.Errorf("call: presence of %s: %v", receiverID, err)
		return nil
	}
	if !online {
		return nil
	}
	r.notify.ToUser(ctx, receiverID, event.Event{Type: event.ICECandidate, Payload: event.ICECandidatePayload{
		CallID:    callID,
		SenderID:  senderID,
		Candidate: candidate,
	}})
	return nil
}

func (r *Relay) load(ctx context.Context, callID string) (*model.Call, error) {
	if callID == "" {
		return nil, apperr.InvalidState("call_id required")
	}
	c, err := r.calls.GetByID(ctx, callID)
	if err != nil {
		return nil, storeErr("call.load", "call", err)
	}
	return c, nil
}

func (r *Relay) ringingFor(ctx context.Context, userID, callID string) (*model.Call, error) {
	c, err := r.load(ctx, callID)
	if err != nil {
		return nil, err
	}
	if c.ReceiverID != userID {
		return nil, apperr.Forbidden("only the receiver can answer a call")
	}
	if c.Status != model.CallRinging {
		return nil, apperr.InvalidState("call is not ringing")
	}
	return c, nil
}

// finish переводит звонок в конечное состояние to. Переход защищён условием на текущий статус в базе.
func (r *Relay) finish(ctx context.Context, c *model.Call, to model.CallStatus) error {
	from := c.Status
	if !model.CanTransition(from, to) {
		return apperr.InvalidState("call cannot go from " + string(from) + " to " + string(to))
	}
	now := r.now()
	c.Status = to
	c.EndedAt = &now
	if to == model.CallEnded {
		c.Duration = int(now.Sub(c.StartedAt) / time.Second)
	}
	if err := r.calls.Transition(ctx, c, from); err != nil {
		c.Status = from
		return storeErr("call.finish", "call", err)
	}
	r.disarm(c.ID)
	metrics.CallsFinished().WithLabelValues(string(to)).Inc()
	return nil
}

func (r *Relay) armTimeout(callID string) {
	if r.ringTimeout <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.timers[callID] = time.AfterFunc(r.ringTimeout, func() { r.timeout(callID) })
}

func (r *Relay) disarm(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.timers[callID]; ok {
		t.Stop()
		delete(r.timers, callID)
	}
}

// timeout переводит так и не отвеченный звонок в missed и оповещает обе стороны.
func (r *Relay) timeout(callID string) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Errorf("call timeout panic call_id=%s: %v", callID, rec)
		}
	}()
	r.mu.Lock()
	delete(r.timers, callID)
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := r.calls.GetByID(ctx, callID)
	if err != nil {
		logger.Errorf("call timeout load call_id=%s: %v", callID, err)
		return
	}
	if c.Status != model.CallRinging {
		return
	}
	if err := r.finish(ctx, c, model.CallMissed); err != nil {
		if !errors.Is(err, apperr.ErrInvalidState) {
			logger.Errorf("call timeout call_id=%s: %v", callID, err)
		}
		return
	}
	ev := event.Event{Type: event.CallEnded, Payload: event.CallPayload{CallID: c.ID, Reason: "timeout"}}
	r.notify.ToUser(ctx, c.CallerID, ev)
	r.notify.ToUser(ctx, c.ReceiverID, ev)
	logger.Infof("call missed by timeout call_id=%s", callID)
}

// Close останавливает таймеры ожидания ответа.
func (r *Relay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
}
