package sharing

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/antoniostano/fieldshare/internal/location"
	"github.com/antoniostano/fieldshare/internal/observability"
	"github.com/antoniostano/fieldshare/internal/policy"
	"github.com/antoniostano/fieldshare/internal/uplink"
)

// Uplink is the slice of the booking API the manager needs.
type Uplink interface {
	SendLocation(ctx context.Context, bookingID string, s location.Sample) uplink.Outcome
	StopSharing(ctx context.Context, bookingID string) error
	ListSessions(ctx context.Context) ([]uplink.SessionSummary, error)
}

type Config struct {
	// Source must not invoke its callbacks synchronously from inside Watch.
	Source      location.Source
	Uplink      Uplink
	Notifier    Notifier
	Options     location.Options
	SendTimeout time.Duration
	Precision   policy.LocationPrecision
	Logger      *logrus.Entry
	Metrics     *observability.Metrics
}

// Snapshot is a read-only copy of the sharing session.
type Snapshot struct {
	Active       bool
	BookingID    string
	LastPosition *location.Sample
	LastError    string
	StartedAt    time.Time
	UpdatedAt    time.Time
}

// Manager owns the one sharing session of the process. It is the only code
// that starts or cancels source watches, so at most one watch is ever live.
type Manager struct {
	source      location.Source
	uplink      Uplink
	notifier    Notifier
	opts        location.Options
	sendTimeout time.Duration
	precision   policy.LocationPrecision
	log         *logrus.Entry
	metrics     *observability.Metrics

	mu           sync.Mutex
	active       bool
	bookingID    string
	handle       location.Handle
	gen          uint64
	lastPosition *location.Sample
	lastError    string
	startedAt    time.Time
	updatedAt    time.Time
	subs         map[int]chan Snapshot
	nextSub      int

	// dispatched is closed once the most recent send has written its request.
	dispatched chan struct{}

	sessionsMu sync.RWMutex
	sessions   []uplink.SessionSummary

	inflight sync.WaitGroup
}

func NewManager(cfg Config) *Manager {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.Precision == 0 {
		cfg.Precision = policy.CoarseLocation
	}
	if cfg.Notifier == nil {
		cfg.Notifier = Notifiers(nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{
		source:      cfg.Source,
		uplink:      cfg.Uplink,
		notifier:    cfg.Notifier,
		opts:        cfg.Options,
		sendTimeout: cfg.SendTimeout,
		precision:   cfg.Precision,
		log:         cfg.Logger.WithField("component", "sharing"),
		metrics:     cfg.Metrics,
		subs:        make(map[int]chan Snapshot),
	}
}

// Supported reports whether the configured source can produce positions.
func (m *Manager) Supported() bool {
	return m.source != nil && m.source.Supported()
}

// StartSharing begins sharing for bookingID, replacing any active session.
func (m *Manager) StartSharing(bookingID string) error {
	bookingID = strings.TrimSpace(bookingID)
	if bookingID == "" {
		return ErrInvalidBooking
	}

	m.mu.Lock()
	if m.active {
		previous := m.bookingID
		m.source.Cancel(m.handle)
		m.resetLocked()
		m.metrics.ObserveSessionEvent("superseded")
		m.log.WithFields(logrus.Fields{"booking_id": previous, "next_booking_id": bookingID}).Info("replacing active sharing session")
	}

	if !m.Supported() {
		m.lastError = "location is not supported on this device"
		m.touchLocked()
		m.publishLocked()
		m.mu.Unlock()

		m.metrics.SetSharingActive(false)
		m.metrics.ObserveSessionEvent("unsupported")
		m.notify(Notice{
			Level:     LevelError,
			Code:      CodeCapabilityUnavailable,
			Message:   "Location is not supported on this device",
			BookingID: bookingID,
		})
		return ErrCapabilityUnavailable
	}

	m.gen++
	gen := m.gen
	m.handle = m.source.Watch(
		func(s location.Sample) { m.onSample(gen, s) },
		func(e *location.FixError) { m.onFixError(gen, e) },
		m.opts,
	)
	m.active = true
	m.bookingID = bookingID
	m.lastError = ""
	m.lastPosition = nil
	m.startedAt = time.Now().UTC()
	m.touchLocked()
	m.publishLocked()
	m.mu.Unlock()

	m.metrics.SetSharingActive(true)
	m.metrics.ObserveSessionEvent("started")
	m.log.WithField("booking_id", bookingID).Info("location sharing started")
	m.notify(Notice{Level: LevelInfo, Code: CodeSharingStarted, Message: "Location sharing started", BookingID: bookingID})
	return nil
}

// StopSharing ends the session for bookingID. A booking that is not the
// active one is ignored. Local state is inactive on return even when the
// backend did not acknowledge; that case yields a *StopAckError.
func (m *Manager) StopSharing(ctx context.Context, bookingID string) error {
	bookingID = strings.TrimSpace(bookingID)

	m.mu.Lock()
	if !m.active || m.bookingID != bookingID {
		current := m.bookingID
		m.mu.Unlock()
		m.log.WithFields(logrus.Fields{"booking_id": bookingID, "active_booking_id": current}).Debug("ignoring stop for inactive booking")
		return nil
	}
	m.source.Cancel(m.handle)
	m.resetLocked()
	m.touchLocked()
	m.publishLocked()
	m.mu.Unlock()

	m.metrics.SetSharingActive(false)
	m.metrics.ObserveSessionEvent("stopped")

	if err := m.uplink.StopSharing(ctx, bookingID); err != nil {
		m.metrics.ObserveSessionEvent("stop_ack_failed")
		m.log.WithError(err).WithField("booking_id", bookingID).Warn("backend did not acknowledge stop")
		m.notify(Notice{Level: LevelError, Code: CodeStopAckFailed, Message: "Failed to stop location sharing", BookingID: bookingID})
		return &StopAckError{BookingID: bookingID, Err: err}
	}

	m.log.WithField("booking_id", bookingID).Info("location sharing stopped")
	m.notify(Notice{Level: LevelInfo, Code: CodeSharingStopped, Message: "Location sharing stopped", BookingID: bookingID})
	return nil
}

func (m *Manager) onSample(gen uint64, s location.Sample) {
	m.mu.Lock()
	if !m.active || m.gen != gen {
		m.mu.Unlock()
		m.metrics.ObserveSample("stale")
		return
	}
	sample := s
	m.lastPosition = &sample
	m.lastError = ""
	bookingID := m.bookingID
	m.touchLocked()
	m.publishLocked()
	prev := m.dispatched
	next := make(chan struct{})
	m.dispatched = next
	m.inflight.Add(1)
	m.mu.Unlock()

	m.metrics.ObserveSample("accepted")
	m.log.WithFields(logrus.Fields{
		"booking_id": bookingID,
		"lat":        m.precision.Coarsen(sample.Latitude),
		"lon":        m.precision.Coarsen(sample.Longitude),
	}).Debug("location sample")

	// Not tied to the session: a send outlives a stop and may land late.
	// Each send waits until its predecessor's request is on the wire.
	go func() {
		defer m.inflight.Done()
		var once sync.Once
		release := func() { once.Do(func() { close(next) }) }
		defer release()
		if prev != nil {
			<-prev
		}
		ctx, cancel := context.WithTimeout(context.Background(), m.sendTimeout)
		defer cancel()
		m.uplink.SendLocation(uplink.WithDispatched(ctx, release), bookingID, sample)
	}()
}

func (m *Manager) onFixError(gen uint64, e *location.FixError) {
	if e == nil {
		return
	}
	m.mu.Lock()
	if !m.active || m.gen != gen {
		m.mu.Unlock()
		return
	}
	changed := m.lastError != e.Message
	m.lastError = e.Message
	bookingID := m.bookingID
	m.touchLocked()
	m.publishLocked()
	m.mu.Unlock()

	m.metrics.ObserveFixError(e.Code.String())
	m.log.WithFields(logrus.Fields{"booking_id": bookingID, "code": e.Code.String()}).Warn(e.Message)
	if changed {
		m.notify(Notice{Level: LevelWarning, Code: CodeFixError, Message: "Failed to get location: " + e.Message, BookingID: bookingID})
	}
}

// Snapshot returns the current session state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

func (m *Manager) CurrentBookingID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bookingID
}

func (m *Manager) LastPosition() *location.Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copySample(m.lastPosition)
}

func (m *Manager) LastError() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastError
}

// Subscribe returns a feed holding the latest snapshot; intermediate states
// may be skipped by a slow reader. The channel is never closed. The returned
// func unsubscribes and may be called more than once.
func (m *Manager) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	ch <- m.snapshotLocked()
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

// RefreshActiveSessions fetches the backend's list of sharing sessions and
// caches it for ActiveSessions.
func (m *Manager) RefreshActiveSessions(ctx context.Context) ([]uplink.SessionSummary, error) {
	sessions, err := m.uplink.ListSessions(ctx)
	if err != nil {
		m.log.WithError(err).Warn("failed to fetch active sessions")
		return nil, err
	}
	m.sessionsMu.Lock()
	m.sessions = sessions
	m.sessionsMu.Unlock()
	return copySessions(sessions), nil
}

func (m *Manager) ActiveSessions() []uplink.SessionSummary {
	m.sessionsMu.RLock()
	defer m.sessionsMu.RUnlock()
	return copySessions(m.sessions)
}

// Shutdown stops any active session and waits for in-flight sends.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	active, bookingID := m.active, m.bookingID
	m.mu.Unlock()

	var err error
	if active {
		err = m.StopSharing(ctx, bookingID)
	}

	done := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

func (m *Manager) notify(n Notice) {
	m.notifier.Notify(n)
}

// resetLocked returns the session to inactive. Bumping gen turns callbacks
// still in flight from the old watch into no-ops.
func (m *Manager) resetLocked() {
	m.active = false
	m.bookingID = ""
	m.handle = 0
	m.lastPosition = nil
	m.startedAt = time.Time{}
	m.gen++
}

func (m *Manager) touchLocked() {
	m.updatedAt = time.Now().UTC()
}

func (m *Manager) snapshotLocked() Snapshot {
	return Snapshot{
		Active:       m.active,
		BookingID:    m.bookingID,
		LastPosition: copySample(m.lastPosition),
		LastError:    m.lastError,
		StartedAt:    m.startedAt,
		UpdatedAt:    m.updatedAt,
	}
}

func (m *Manager) publishLocked() {
	if len(m.subs) == 0 {
		return
	}
	snap := m.snapshotLocked()
	for _, ch := range m.subs {
		select {
		case ch <- snap:
		default:
			// Replace the unread snapshot; only this method sends, under m.mu.
			select {
			case <-ch:
			default:
			}
			ch <- snap
		}
	}
}

func copySample(s *location.Sample) *location.Sample {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

func copySessions(in []uplink.SessionSummary) []uplink.SessionSummary {
	out := make([]uplink.SessionSummary, len(in))
	copy(out, in)
	return out
}
