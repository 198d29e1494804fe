package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ridehail/pkg/interfaces"
	"ridehail/pkg/types"
)

// Membership is the read side of the group registry the hub fans out over.
type Membership interface {
	Members(group types.GroupKey) []uuid.UUID
	Connection(connID uuid.UUID) (interfaces.Connection, bool)
}

// Report describes the outcome of one broadcast.
type Report struct {
	Recipients int
	Delivered  int
	Failures   map[uuid.UUID]error
}

// Hub delivers frames to every member of a group, locally and, when a relay
// is configured, on peer nodes.
// ARCHITECTURAL DISCOVERY: The hub never mutates membership; it reads a
// snapshot and enqueues on each connection's bounded queue, so a slow peer
// costs the broadcaster nothing.
type Hub struct {
	members Membership
	relay   interfaces.Relay // nil on a single node
	logger  *zap.Logger

	// State
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	mu      sync.RWMutex
}

// NewHub creates a new hub. relay may be nil.
func NewHub(members Membership, relay interfaces.Relay, logger *zap.Logger) *Hub {
	return &Hub{
		members: members,
		relay:   relay,
		logger:  logger.Named("hub"),
	}
}

// Start subscribes to the relay, if any, and delivers what it receives to
// local members until Stop or ctx cancellation.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return ErrHubAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.done = make(chan struct{})
	h.running = true

	if h.relay == nil {
		close(h.done)
		h.logger.Info("hub started without relay")
		return nil
	}

	inbound, err := h.relay.Subscribe(runCtx)
	if err != nil {
		cancel()
		h.running = false
		close(h.done)
		return fmt.Errorf("subscribe to relay: %w", err)
	}

	go h.run(runCtx, inbound)

	h.logger.Info("hub started with relay")
	return nil
}

// Stop halts relay consumption and waits for the loop to exit.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	h.cancel()
	done := h.done
	h.mu.Unlock()

	<-done
	h.logger.Info("hub stopped")
	return nil
}

// IsRunning reports whether Start has been called without a matching Stop.
func (h *Hub) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// Send delivers frame to every local member of group and then publishes it to
// peer nodes. An error is returned only when there was at least one recipient
// and every delivery failed.
func (h *Hub) Send(ctx context.Context, group types.GroupKey, frame types.Frame) (Report, error) {
	report, err := h.Deliver(group, frame)

	if h.relay != nil {
		if perr := h.relay.Publish(ctx, group, frame); perr != nil {
			h.logger.Warn("relay publish failed",
				zap.String("group", string(group)),
				zap.String("type", frame.Type),
				zap.Error(perr))
		}
	}

	return report, err
}

// Deliver fans frame out to local members of group only.
// FUNCTIONAL DISCOVERY: Delivery continues despite individual failures;
// each failure is logged and recorded in the report.
func (h *Hub) Deliver(group types.GroupKey, frame types.Frame) (Report, error) {
	ids := h.members.Members(group)
	if len(ids) == 0 {
		return Report{}, nil
	}

	report := Report{Recipients: len(ids)}
	var errs []error

	for _, id := range ids {
		conn, ok := h.members.Connection(id)
		if !ok {
			// Unregistered between snapshot and lookup.
			report.fail(id, errConnectionGone)
			errs = append(errs, errConnectionGone)
			continue
		}
		if err := conn.Send(frame); err != nil {
			h.logger.Debug("delivery failed",
				zap.String("group", string(group)),
				zap.Stringer("conn_id", id),
				zap.Error(err))
			report.fail(id, err)
			errs = append(errs, err)
			continue
		}
		report.Delivered++
	}

	if len(report.Failures) > 0 {
		h.logger.Warn("broadcast partially failed",
			zap.String("group", string(group)),
			zap.String("type", frame.Type),
			zap.Int("recipients", report.Recipients),
			zap.Int("failed", len(report.Failures)))
	}

	if report.Delivered == 0 {
		return report, fmt.Errorf("%w: %w", ErrAllDeliveriesFailed, errors.Join(errs...))
	}
	return report, nil
}

func (h *Hub) run(ctx context.Context, inbound <-chan types.Envelope) {
	defer close(h.done)

	for {
		select {
		case env, ok := <-inbound:
			if !ok {
				h.logger.Info("relay stream closed")
				return
			}
			if _, err := h.Deliver(env.Group, env.Frame); err != nil {
				h.logger.Debug("relayed broadcast undelivered",
					zap.String("origin", env.Origin),
					zap.String("group", string(env.Group)),
					zap.Error(err))
			}

		case <-ctx.Done():
			return
		}
	}
}

var errConnectionGone = errors.New("connection no longer registered")

func (r *Report) fail(id uuid.UUID, err error) {
	if r.Failures == nil {
		r.Failures = make(map[uuid.UUID]error)
	}
	r.Failures[id] = err
}
