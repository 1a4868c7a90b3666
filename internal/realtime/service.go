package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"turnos/internal/debounce"
	"turnos/internal/hub"
	"turnos/internal/metrics"
	"turnos/internal/queue"
	"turnos/internal/store"
)

const (
	TypeSnapshot = "queue.snapshot"
	TypeTick     = "queue.tick"

	snapshotTimeout = 5 * time.Second
)

// Snapshotter is the part of queue.Manager the push loop needs.
type Snapshotter interface {
	Snapshot(ctx context.Context, businessID string) (queue.Snapshot, error)
	Invalidate(businessID string)
}

type ChangeSource interface {
	Subscribe(ctx context.Context) (<-chan store.ChangeEvent, error)
}

type Envelope struct {
	Type       string          `json:"type"`
	BusinessID string          `json:"business_id"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
}

type TicketElapsed struct {
	TicketID       string `json:"ticket_id"`
	Code           string `json:"code"`
	State          string `json:"state"`
	ElapsedMinutes int    `json:"elapsed_minutes"`
}

type Options struct {
	Debounce     time.Duration
	TickInterval time.Duration
	Now          func() time.Time
	Logger       *zap.Logger
}

// Service turns store change events into debounced snapshot pushes and keeps
// elapsed-time displays moving with a periodic tick.
type Service struct {
	snapshots Snapshotter
	source    ChangeSource
	hub       *hub.Hub
	delay     time.Duration
	tick      time.Duration
	now       func() time.Time
	logger    *zap.Logger

	mu         sync.Mutex
	baseCtx    context.Context
	debouncers map[string]*debounce.Debouncer
	stopped    bool
	last       map[string]queue.Snapshot
}

func NewService(snapshots Snapshotter, source ChangeSource, h *hub.Hub, opts Options) *Service {
	s := &Service{
		snapshots:  snapshots,
		source:     source,
		hub:        h,
		delay:      opts.Debounce,
		tick:       opts.TickInterval,
		now:        opts.Now,
		logger:     opts.Logger,
		baseCtx:    context.Background(),
		debouncers: make(map[string]*debounce.Debouncer),
		last:       make(map[string]queue.Snapshot),
	}
	if s.delay <= 0 {
		s.delay = 350 * time.Millisecond
	}
	if s.tick <= 0 {
		s.tick = 30 * time.Second
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

// Run consumes the change feed until ctx ends or the feed closes.
func (s *Service) Run(ctx context.Context) error {
	events, err := s.source.Subscribe(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()
	defer s.stopDebouncers()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("change feed closed")
			}
			s.HandleChange(ctx, event)
		case <-ticker.C:
			s.Tick()
		}
	}
}

// HandleChange schedules a refresh for the business the event belongs to.
// Configuration and catalog changes drop the cached business state first.
func (s *Service) HandleChange(ctx context.Context, event store.ChangeEvent) {
	if event.Table == store.TableBusinessConfig || event.Table == store.TableServices {
		s.snapshots.Invalidate(event.BusinessID)
	}
	if event.BusinessID == "" {
		// Resync after a feed outage: config changes may have been missed.
		s.snapshots.Invalidate("")
		for _, businessID := range s.hub.Businesses() {
			s.schedule(ctx, businessID)
		}
		return
	}
	s.schedule(ctx, event.BusinessID)
}

func (s *Service) schedule(ctx context.Context, businessID string) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	d, ok := s.debouncers[businessID]
	if !ok {
		d = debounce.New(s.delay, func() { s.Publish(ctx, businessID) })
		s.debouncers[businessID] = d
	}
	s.mu.Unlock()
	d.Trigger()
}

func (s *Service) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseCtx
}

func (s *Service) stopDebouncers() {
	s.mu.Lock()
	s.stopped = true
	debouncers := make([]*debounce.Debouncer, 0, len(s.debouncers))
	for _, d := range s.debouncers {
		debouncers = append(debouncers, d)
	}
	s.debouncers = make(map[string]*debounce.Debouncer)
	s.mu.Unlock()
	for _, d := range debouncers {
		d.Stop()
	}
}

// Publish builds a fresh snapshot of businessID and pushes it to its clients.
func (s *Service) Publish(ctx context.Context, businessID string) {
	ctx, cancel := context.WithTimeout(ctx, snapshotTimeout)
	defer cancel()

	snap, err := s.snapshots.Snapshot(ctx, businessID)
	if err != nil {
		s.logger.Warn("snapshot refresh failed", zap.String("business_id", businessID), zap.Error(err))
		return
	}
	snap = snap.Redacted()
	s.mu.Lock()
	s.last[businessID] = snap
	s.mu.Unlock()

	s.broadcast(TypeSnapshot, businessID, snap)
}

// Current returns the latest published snapshot of businessID, if any.
func (s *Service) Current(businessID string) (queue.Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.last[businessID]
	return snap, ok
}

// Tick recomputes elapsed minutes from the last snapshot of every watched
// business. It does not read the store.
func (s *Service) Tick() {
	now := s.now()
	for _, businessID := range s.hub.Businesses() {
		snap, ok := s.Current(businessID)
		if !ok {
			continue
		}
		s.broadcast(TypeTick, businessID, ElapsedFor(snap, now))
	}
}

func ElapsedFor(snap queue.Snapshot, now time.Time) []TicketElapsed {
	out := make([]TicketElapsed, 0, len(snap.InService)+len(snap.Waiting))
	for _, e := range snap.InService {
		elapsed := 0
		if e.ServiceStartedAt != nil {
			elapsed = queue.ElapsedMinutes(*e.ServiceStartedAt, now)
		}
		out = append(out, TicketElapsed{TicketID: e.TicketID, Code: e.Code, State: e.State, ElapsedMinutes: elapsed})
	}
	for _, e := range snap.Waiting {
		out = append(out, TicketElapsed{
			TicketID:       e.TicketID,
			Code:           e.Code,
			State:          e.State,
			ElapsedMinutes: queue.ElapsedMinutes(e.CreatedAt, now),
		})
	}
	return out
}

func (s *Service) broadcast(kind, businessID string, payload interface{}) {
	message, err := s.encode(kind, businessID, payload)
	if err != nil {
		s.logger.Error("encode realtime message", zap.String("type", kind), zap.Error(err))
		return
	}
	delivered := s.hub.Broadcast(businessID, message)
	metrics.RealtimeBroadcasts.WithLabelValues(kind).Inc()
	s.logger.Debug("realtime broadcast", zap.String("type", kind), zap.String("business_id", businessID), zap.Int("clients", delivered))
}

func (s *Service) encode(kind, businessID string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: kind, BusinessID: businessID, Payload: raw, CreatedAt: s.now().UTC()})
}
