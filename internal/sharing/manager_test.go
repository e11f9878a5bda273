package sharing

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/antoniostano/fieldshare/internal/location"
	"github.com/antoniostano/fieldshare/internal/uplink"
)

type fakeWatch struct {
	onSample func(location.Sample)
	onError  func(*location.FixError)
}

type fakeSource struct {
	mu         sync.Mutex
	supported  bool
	next       location.Handle
	live       map[location.Handle]fakeWatch
	all        map[location.Handle]fakeWatch
	watchCalls int
	cancels    int
}

func newFakeSource(supported bool) *fakeSource {
	return &fakeSource{
		supported: supported,
		live:      make(map[location.Handle]fakeWatch),
		all:       make(map[location.Handle]fakeWatch),
	}
}

func (f *fakeSource) Supported() bool { return f.supported }

func (f *fakeSource) Watch(onSample func(location.Sample), onError func(*location.FixError), _ location.Options) location.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watchCalls++
	f.next++
	w := fakeWatch{onSample: onSample, onError: onError}
	f.live[f.next] = w
	f.all[f.next] = w
	return f.next
}

func (f *fakeSource) Cancel(h location.Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	delete(f.live, h)
}

func (f *fakeSource) liveHandles() []location.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []location.Handle
	for h := range f.live {
		out = append(out, h)
	}
	return out
}

// emit delivers to every live watch, the way a real source would.
func (f *fakeSource) emit(s location.Sample) {
	f.mu.Lock()
	var targets []fakeWatch
	for _, w := range f.live {
		targets = append(targets, w)
	}
	f.mu.Unlock()
	for _, w := range targets {
		w.onSample(s)
	}
}

func (f *fakeSource) fail(e *location.FixError) {
	f.mu.Lock()
	var targets []fakeWatch
	for _, w := range f.live {
		targets = append(targets, w)
	}
	f.mu.Unlock()
	for _, w := range targets {
		w.onError(e)
	}
}

// emitLate delivers through a handle even after it was canceled, like a
// callback that was already running when Cancel returned.
func (f *fakeSource) emitLate(h location.Handle, s location.Sample) {
	f.mu.Lock()
	w := f.all[h]
	f.mu.Unlock()
	w.onSample(s)
}

type sentLocation struct {
	BookingID string
	Sample    location.Sample
}

type fakeUplink struct {
	mu       sync.Mutex
	sent     []sentLocation
	stops    []string
	stopErr  error
	sessions []uplink.SessionSummary
	listErr  error
}

func (u *fakeUplink) SendLocation(_ context.Context, bookingID string, s location.Sample) uplink.Outcome {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.sent = append(u.sent, sentLocation{BookingID: bookingID, Sample: s})
	return uplink.Delivered
}

func (u *fakeUplink) StopSharing(_ context.Context, bookingID string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.stops = append(u.stops, bookingID)
	return u.stopErr
}

func (u *fakeUplink) ListSessions(context.Context) ([]uplink.SessionSummary, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.sessions, u.listErr
}

func (u *fakeUplink) sends() []sentLocation {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]sentLocation, len(u.sent))
	copy(out, u.sent)
	return out
}

func newTestManager(t *testing.T, supported bool) (*Manager, *fakeSource, *fakeUplink, *NoticeLog) {
	t.Helper()
	src := newFakeSource(supported)
	up := &fakeUplink{}
	notices := &NoticeLog{}
	m := NewManager(Config{
		Source:   src,
		Uplink:   up,
		Notifier: notices,
		Options:  location.DefaultOptions(),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m, src, up, notices
}

func waitForSends(t *testing.T, up *fakeUplink, n int) []sentLocation {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s := up.sends(); len(s) >= n {
			return s
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("uplink sends = %d, want %d", len(up.sends()), n)
	return nil
}

func countCode(notices []Notice, code string) int {
	n := 0
	for _, x := range notices {
		if x.Code == code {
			n++
		}
	}
	return n
}

func TestStartSharingTwiceKeepsOneWatch(t *testing.T) {
	m, src, up, _ := newTestManager(t, true)

	if err := m.StartSharing("A"); err != nil {
		t.Fatalf("StartSharing(A) error = %v", err)
	}
	if err := m.StartSharing("B"); err != nil {
		t.Fatalf("StartSharing(B) error = %v", err)
	}

	if live := src.liveHandles(); len(live) != 1 {
		t.Fatalf("live watches = %d, want 1", len(live))
	}
	if src.watchCalls != 2 || src.cancels != 1 {
		t.Fatalf("watch calls = %d cancels = %d, want 2 and 1", src.watchCalls, src.cancels)
	}
	if got := m.CurrentBookingID(); got != "B" {
		t.Fatalf("CurrentBookingID() = %q, want B", got)
	}

	src.emit(location.Sample{Latitude: 1, Longitude: 2})
	sends := waitForSends(t, up, 1)
	if sends[0].BookingID != "B" {
		t.Fatalf("sample sent for booking %q, want B", sends[0].BookingID)
	}
}

func TestStopSharingForOtherBookingIsNoop(t *testing.T) {
	m, src, up, _ := newTestManager(t, true)

	if err := m.StartSharing("Y"); err != nil {
		t.Fatalf("StartSharing() error = %v", err)
	}
	src.emit(location.Sample{Latitude: 5, Longitude: 6})
	waitForSends(t, up, 1)
	before := m.Snapshot()

	if err := m.StopSharing(context.Background(), "X"); err != nil {
		t.Fatalf("StopSharing(X) error = %v", err)
	}

	after := m.Snapshot()
	if !after.Active || after.BookingID != "Y" {
		t.Fatalf("snapshot after stale stop = %+v", after)
	}
	if after.LastPosition == nil || *after.LastPosition != *before.LastPosition {
		t.Fatalf("LastPosition changed: before %+v after %+v", before.LastPosition, after.LastPosition)
	}
	if len(src.liveHandles()) != 1 {
		t.Fatalf("stale stop canceled the live watch")
	}
	if len(up.stops) != 0 {
		t.Fatalf("stale stop reached the backend: %v", up.stops)
	}
}

func TestSampleUpdatesPositionAndSendsOnce(t *testing.T) {
	m, src, up, _ := newTestManager(t, true)

	if err := m.StartSharing("A"); err != nil {
		t.Fatalf("StartSharing() error = %v", err)
	}
	src.emit(location.Sample{Latitude: 10, Longitude: 20})

	pos := m.LastPosition()
	if pos == nil || pos.Latitude != 10 || pos.Longitude != 20 {
		t.Fatalf("LastPosition() = %+v, want lat 10 lon 20", pos)
	}

	sends := waitForSends(t, up, 1)
	time.Sleep(20 * time.Millisecond)
	if got := len(up.sends()); got != 1 {
		t.Fatalf("uplink sends = %d, want exactly 1", got)
	}
	if sends[0].BookingID != "A" || sends[0].Sample.Latitude != 10 || sends[0].Sample.Longitude != 20 {
		t.Fatalf("sent = %+v", sends[0])
	}
}

func TestSendsFollowSampleOrder(t *testing.T) {
	m, src, up, _ := newTestManager(t, true)

	if err := m.StartSharing("A"); err != nil {
		t.Fatalf("StartSharing() error = %v", err)
	}
	const n = 2000
	for i := 0; i < n; i++ {
		src.emit(location.Sample{Latitude: float64(i), Longitude: 1})
	}

	sends := waitForSends(t, up, n)
	for i, s := range sends {
		if s.Sample.Latitude != float64(i) {
			t.Fatalf("send %d carried sample %v, want %d", i, s.Sample.Latitude, i)
		}
	}
}

func TestSlowSendDoesNotHoldBackNext(t *testing.T) {
	var (
		mu    sync.Mutex
		order []float64
	)
	hold := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body struct {
			Latitude float64 `json:"latitude"`
		}
		_ = json.Unmarshal(raw, &body)
		mu.Lock()
		order = append(order, body.Latitude)
		mu.Unlock()
		if body.Latitude == 1 {
			<-hold
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(ts.Close)

	src := newFakeSource(true)
	m := NewManager(Config{
		Source:  src,
		Uplink:  uplink.New(uplink.Config{BaseURL: ts.URL, Timeout: 5 * time.Second}),
		Options: location.DefaultOptions(),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	var releaseOnce sync.Once
	release := func() { releaseOnce.Do(func() { close(hold) }) }
	t.Cleanup(release)

	if err := m.StartSharing("A"); err != nil {
		t.Fatalf("StartSharing() error = %v", err)
	}
	src.emit(location.Sample{Latitude: 1, Longitude: 1})
	src.emit(location.Sample{Latitude: 2, Longitude: 1})

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		got := append([]float64(nil), order...)
		mu.Unlock()
		if len(got) >= 2 {
			if got[0] != 1 || got[1] != 2 {
				t.Fatalf("backend order = %v, want [1 2]", got)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("backend saw %v while the first send was pending, want both samples", got)
		}
		time.Sleep(5 * time.Millisecond)
	}
	release()
}

func TestStartSharingUnsupported(t *testing.T) {
	m, src, _, notices := newTestManager(t, false)

	err := m.StartSharing("A")
	if !errors.Is(err, ErrCapabilityUnavailable) {
		t.Fatalf("StartSharing() error = %v, want ErrCapabilityUnavailable", err)
	}
	if m.IsActive() || m.CurrentBookingID() != "" {
		t.Fatalf("manager should stay inactive: %+v", m.Snapshot())
	}
	if src.watchCalls != 0 {
		t.Fatalf("watch calls = %d, want 0", src.watchCalls)
	}
	all := notices.All()
	if len(all) != 1 || all[0].Code != CodeCapabilityUnavailable || all[0].Level != LevelError {
		t.Fatalf("notices = %+v, want one capability error", all)
	}
}

func TestStopSharingAckFailureStillInactive(t *testing.T) {
	m, src, up, notices := newTestManager(t, true)
	up.stopErr = errors.New("backend down")

	if err := m.StartSharing("A"); err != nil {
		t.Fatalf("StartSharing() error = %v", err)
	}
	src.emit(location.Sample{Latitude: 1, Longitude: 1})

	err := m.StopSharing(context.Background(), "A")
	var ackErr *StopAckError
	if !errors.As(err, &ackErr) {
		t.Fatalf("StopSharing() error = %v, want *StopAckError", err)
	}
	if ackErr.BookingID != "A" || !errors.Is(err, up.stopErr) {
		t.Fatalf("unexpected ack error: %+v", ackErr)
	}

	snap := m.Snapshot()
	if snap.Active || snap.BookingID != "" || snap.LastPosition != nil {
		t.Fatalf("snapshot after failed stop = %+v, want inactive", snap)
	}
	if len(src.liveHandles()) != 0 {
		t.Fatalf("watch still live after stop")
	}
	if got := countCode(notices.All(), CodeStopAckFailed); got != 1 {
		t.Fatalf("stop_ack_failed notices = %d, want 1", got)
	}
}

func TestStopSharingIsIdempotent(t *testing.T) {
	m, _, up, _ := newTestManager(t, true)

	if err := m.StartSharing("A"); err != nil {
		t.Fatalf("StartSharing() error = %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := m.StopSharing(context.Background(), "A"); err != nil {
			t.Fatalf("StopSharing() #%d error = %v", i, err)
		}
	}
	if len(up.stops) != 1 {
		t.Fatalf("backend stops = %d, want 1", len(up.stops))
	}
}

func TestFixErrorKeepsSessionActive(t *testing.T) {
	m, src, up, notices := newTestManager(t, true)

	if err := m.StartSharing("A"); err != nil {
		t.Fatalf("StartSharing() error = %v", err)
	}
	fixErr := &location.FixError{Code: location.Timeout, Message: "no fix within 10s"}
	src.fail(fixErr)
	src.fail(fixErr)

	if !m.IsActive() {
		t.Fatalf("session should remain active after a fix error")
	}
	if got := m.LastError(); got != "no fix within 10s" {
		t.Fatalf("LastError() = %q", got)
	}
	if got := countCode(notices.All(), CodeFixError); got != 1 {
		t.Fatalf("fix_error notices = %d, want 1 for a repeated error", got)
	}

	src.emit(location.Sample{Latitude: 3, Longitude: 4})
	waitForSends(t, up, 1)
	if got := m.LastError(); got != "" {
		t.Fatalf("LastError() after recovery = %q, want empty", got)
	}
}

func TestLateSampleFromCanceledWatchIsIgnored(t *testing.T) {
	m, src, up, _ := newTestManager(t, true)

	if err := m.StartSharing("A"); err != nil {
		t.Fatalf("StartSharing() error = %v", err)
	}
	first := src.liveHandles()[0]
	if err := m.StartSharing("B"); err != nil {
		t.Fatalf("StartSharing() error = %v", err)
	}

	src.emitLate(first, location.Sample{Latitude: 9, Longitude: 9})
	if pos := m.LastPosition(); pos != nil {
		t.Fatalf("late sample updated position: %+v", pos)
	}
	time.Sleep(20 * time.Millisecond)
	if got := len(up.sends()); got != 0 {
		t.Fatalf("late sample was sent %d times", got)
	}
}

func TestStartSharingRequiresBooking(t *testing.T) {
	m, src, _, _ := newTestManager(t, true)
	if err := m.StartSharing("  "); !errors.Is(err, ErrInvalidBooking) {
		t.Fatalf("StartSharing() error = %v, want ErrInvalidBooking", err)
	}
	if src.watchCalls != 0 {
		t.Fatalf("watch calls = %d, want 0", src.watchCalls)
	}
}

func TestSubscribeReceivesTransitions(t *testing.T) {
	m, _, _, _ := newTestManager(t, true)

	feed, unsubscribe := m.Subscribe()
	defer unsubscribe()

	initial := <-feed
	if initial.Active {
		t.Fatalf("initial snapshot should be inactive")
	}

	if err := m.StartSharing("A"); err != nil {
		t.Fatalf("StartSharing() error = %v", err)
	}
	select {
	case snap := <-feed:
		if !snap.Active || snap.BookingID != "A" {
			t.Fatalf("snapshot = %+v, want active for A", snap)
		}
	case <-time.After(time.Second):
		t.Fatalf("no snapshot after start")
	}

	unsubscribe()
	unsubscribe()
	_ = m.StopSharing(context.Background(), "A")
	select {
	case snap := <-feed:
		t.Fatalf("received snapshot after unsubscribe: %+v", snap)
	default:
	}
}

func TestRefreshActiveSessions(t *testing.T) {
	m, _, up, _ := newTestManager(t, true)
	up.sessions = []uplink.SessionSummary{{ID: "s1", IsActive: true}}

	got, err := m.RefreshActiveSessions(context.Background())
	if err != nil {
		t.Fatalf("RefreshActiveSessions() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != "s1" {
		t.Fatalf("sessions = %+v", got)
	}
	if cached := m.ActiveSessions(); len(cached) != 1 {
		t.Fatalf("ActiveSessions() = %+v", cached)
	}

	up.listErr = errors.New("boom")
	if _, err := m.RefreshActiveSessions(context.Background()); err == nil {
		t.Fatalf("RefreshActiveSessions() expected error")
	}
	if cached := m.ActiveSessions(); len(cached) != 1 {
		t.Fatalf("failed refresh should keep the cached list: %+v", cached)
	}
}

func TestShutdownStopsActiveSession(t *testing.T) {
	m, src, up, _ := newTestManager(t, true)
	if err := m.StartSharing("A"); err != nil {
		t.Fatalf("StartSharing() error = %v", err)
	}
	src.emit(location.Sample{Latitude: 1, Longitude: 1})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if m.IsActive() {
		t.Fatalf("manager still active after shutdown")
	}
	if len(up.sends()) != 1 {
		t.Fatalf("in-flight send not drained")
	}
	if len(up.stops) != 1 || up.stops[0] != "A" {
		t.Fatalf("backend stops = %v, want [A]", up.stops)
	}
}
