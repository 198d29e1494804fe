package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ridehail/internal/hub"
	"ridehail/pkg/interfaces"
	"ridehail/pkg/types"
)

// Groups is the membership write side the coordinator needs.
type Groups interface {
	Join(group types.GroupKey, connID uuid.UUID) error
}

// Broadcaster fans a frame out to a group.
type Broadcaster interface {
	Send(ctx context.Context, group types.GroupKey, frame types.Frame) (hub.Report, error)
}

type handlerFunc func(ctx context.Context, caller interfaces.Caller, data json.RawMessage) error

// Coordinator implements interfaces.MessageRouter for the trip protocol.
// ARCHITECTURAL DISCOVERY: Store first, then membership, then broadcast.
// A handler that fails before the store call leaves no trace: no join, no
// broadcast, one error frame to the caller.
type Coordinator struct {
	store       interfaces.TripStore
	groups      Groups
	broadcaster Broadcaster
	rateLimiter *RateLimiter
	handlers    map[string]handlerFunc
	logger      *zap.Logger
}

var _ interfaces.MessageRouter = (*Coordinator)(nil)

// NewCoordinator wires the trip protocol. limiter may be nil.
func NewCoordinator(store interfaces.TripStore, groups Groups, broadcaster Broadcaster, limiter *RateLimiter, logger *zap.Logger) *Coordinator {
	c := &Coordinator{
		store:       store,
		groups:      groups,
		broadcaster: broadcaster,
		rateLimiter: limiter,
		logger:      logger.Named("coordinator"),
	}
	c.handlers = map[string]handlerFunc{
		types.MessageTypeCreateTrip:  c.createTrip,
		types.MessageTypeUpdateTrip:  c.updateTrip,
		types.MessageTypeCancelTrip:  c.cancelTrip,
		types.MessageTypeEchoMessage: c.echo,
	}
	return c
}

// Route dispatches one frame. Handler failures are answered with an error
// frame and returned for logging. Unknown types return
// interfaces.ErrUnknownMessageType without any reply.
func (c *Coordinator) Route(ctx context.Context, caller interfaces.Caller, frame types.Frame) error {
	handle, ok := c.handlers[frame.Type]
	if !ok {
		return fmt.Errorf("%w: %q", interfaces.ErrUnknownMessageType, frame.Type)
	}

	// TECHNICAL DISCOVERY: Rate limiting applied per user before any store call
	if c.rateLimiter != nil && !c.rateLimiter.Allow(caller.UserID()) {
		c.replyError(caller, ErrRateLimitExceeded)
		return ErrRateLimitExceeded
	}

	if err := handle(ctx, caller, frame.Data); err != nil {
		c.replyError(caller, err)
		return fmt.Errorf("%s: %w", frame.Type, err)
	}
	return nil
}

// createTrip persists a new trip for the caller, subscribes the caller to
// it and offers it to every connected driver.
func (c *Coordinator) createTrip(ctx context.Context, caller interfaces.Caller, data json.RawMessage) error {
	var payload types.TripPayload
	if err := decodePayload(data, &payload); err != nil {
		return err
	}
	if err := payload.Validate(); err != nil {
		return err
	}

	trip, err := c.store.CreateTrip(ctx, caller.UserID(), &payload)
	if err != nil {
		return err
	}

	out, err := tripFrame(trip)
	if err != nil {
		return err
	}

	c.join(types.TripGroup(trip.ID), caller)
	c.broadcast(ctx, types.DriversGroup, out)
	c.reply(caller, out)

	c.logger.Info("trip created", zap.String("trip_id", trip.ID), zap.String("rider_id", trip.RiderID))
	return nil
}

// updateTrip lets a driver accept a trip or move it through its statuses.
// The accepting driver joins the trip group after the broadcast and gets the
// trip as a direct reply.
func (c *Coordinator) updateTrip(ctx context.Context, caller interfaces.Caller, data json.RawMessage) error {
	var update types.TripUpdate
	if err := decodePayload(data, &update); err != nil {
		return err
	}
	if err := update.Validate(); err != nil {
		return err
	}
	if caller.Role() != types.RoleDriver {
		return fmt.Errorf("%w: only drivers may update trips", ErrForbidden)
	}

	current, err := c.store.GetTrip(ctx, update.ID)
	if err != nil {
		return err
	}
	if current.Status.Terminal() {
		return types.ErrTripClosed
	}
	if current.DriverID != nil && *current.DriverID != caller.UserID() {
		return types.ErrTripAlreadyAssigned
	}

	update.DriverID = caller.UserID()
	trip, err := c.store.UpdateTrip(ctx, &update)
	if err != nil {
		return err
	}

	out, err := tripFrame(trip)
	if err != nil {
		return err
	}

	group := types.TripGroup(trip.ID)
	c.broadcast(ctx, group, out)
	c.join(group, caller)
	c.reply(caller, out)

	c.logger.Info("trip updated",
		zap.String("trip_id", trip.ID),
		zap.String("driver_id", caller.UserID()),
		zap.String("status", string(trip.Status)))
	return nil
}

// cancelTrip lets the trip's rider withdraw a trip that is still open and
// tells drivers it is gone.
func (c *Coordinator) cancelTrip(ctx context.Context, caller interfaces.Caller, data json.RawMessage) error {
	var request types.TripUpdate
	if err := decodePayload(data, &request); err != nil {
		return err
	}
	if err := request.Validate(); err != nil {
		return err
	}

	current, err := c.store.GetTrip(ctx, request.ID)
	if err != nil {
		return err
	}
	if current.RiderID != caller.UserID() {
		return fmt.Errorf("%w: only the trip's rider may cancel it", ErrForbidden)
	}
	if current.Status.Terminal() {
		return types.ErrTripClosed
	}

	trip, err := c.store.UpdateTrip(ctx, &types.TripUpdate{ID: current.ID, Status: types.TripStatusCanceled})
	if err != nil {
		return err
	}

	out, err := tripFrame(trip)
	if err != nil {
		return err
	}

	c.broadcast(ctx, types.DriversGroup, out)
	c.reply(caller, out)

	c.logger.Info("trip canceled", zap.String("trip_id", trip.ID), zap.String("rider_id", caller.UserID()))
	return nil
}

func (c *Coordinator) echo(ctx context.Context, caller interfaces.Caller, data json.RawMessage) error {
	c.reply(caller, types.EchoFrame(data))
	return nil
}

func (c *Coordinator) join(group types.GroupKey, caller interfaces.Caller) {
	if err := c.groups.Join(group, caller.ConnectionID()); err != nil {
		// The connection went away mid-handler; its session close cleans up.
		c.logger.Warn("group join failed",
			zap.String("group", string(group)),
			zap.Stringer("conn_id", caller.ConnectionID()),
			zap.Error(err))
	}
}

// broadcast is best-effort: delivery failures are logged, never surfaced to
// the sender.
func (c *Coordinator) broadcast(ctx context.Context, group types.GroupKey, frame types.Frame) {
	report, err := c.broadcaster.Send(ctx, group, frame)
	if err != nil {
		c.logger.Warn("broadcast failed", zap.String("group", string(group)), zap.Error(err))
		return
	}
	c.logger.Debug("broadcast sent",
		zap.String("group", string(group)),
		zap.Int("recipients", report.Recipients),
		zap.Int("delivered", report.Delivered))
}

func (c *Coordinator) reply(caller interfaces.Caller, frame types.Frame) {
	if err := caller.Reply(frame); err != nil {
		c.logger.Debug("reply failed", zap.Stringer("conn_id", caller.ConnectionID()), zap.Error(err))
	}
}

func (c *Coordinator) replyError(caller interfaces.Caller, err error) {
	code, message, fields := classify(err)
	if code == CodeInternal {
		c.logger.Error("handler failed", zap.String("user_id", caller.UserID()), zap.Error(err))
	}
	c.reply(caller, types.ErrorFrame(code, message, fields))
}

// classify maps a handler error to an error frame. Internal errors carry a
// generic message.
func classify(err error) (code, message string, fields map[string]string) {
	var verr *types.ValidationError
	switch {
	case errors.As(err, &verr):
		return CodeValidation, types.ErrValidation.Error(), verr.Fields
	case errors.Is(err, types.ErrTripNotFound):
		return CodeNotFound, types.ErrTripNotFound.Error(), nil
	case errors.Is(err, ErrForbidden):
		return CodeForbidden, err.Error(), nil
	case errors.Is(err, types.ErrTripAlreadyAssigned), errors.Is(err, types.ErrTripClosed):
		return CodeConflict, err.Error(), nil
	case errors.Is(err, ErrRateLimitExceeded):
		return CodeRateLimited, err.Error(), nil
	default:
		return CodeInternal, "internal error", nil
	}
}

func decodePayload(data json.RawMessage, v interface{}) error {
	if len(data) == 0 || string(data) == "null" {
		data = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &types.ValidationError{Fields: map[string]string{"data": "must be a JSON object matching the message type"}}
	}
	return nil
}

func tripFrame(trip *types.Trip) (types.Frame, error) {
	data, err := types.NestedTrip(trip)
	if err != nil {
		return types.Frame{}, fmt.Errorf("serialize trip: %w", err)
	}
	return types.EchoFrame(data), nil
}
