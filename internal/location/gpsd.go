package location

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/antoniostano/fieldshare/internal/reliability"
)

const gpsdWatchCommand = `?WATCH={"enable":true,"json":true};` + "\n"

// GPSDConfig configures a gpsd-backed source.
type GPSDConfig struct {
	Addr        string
	DialTimeout time.Duration
	RetryBase   time.Duration
	RetryMax    time.Duration

	// CheckTimeout bounds the reachability dial behind Supported; CheckTTL
	// is how long its answer is reused.
	CheckTimeout time.Duration
	CheckTTL     time.Duration
	Logger       *logrus.Entry
}

// GPSD reads fixes from a gpsd daemon. Each watch holds its own connection so
// canceling one never disturbs another.
type GPSD struct {
	addr      string
	dialer    func(ctx context.Context, network, addr string) (net.Conn, error)
	retryBase time.Duration
	retryMax  time.Duration
	log       *logrus.Entry
	reg       *registry

	mu     sync.Mutex
	last   Sample
	lastAt time.Time

	checkTimeout time.Duration
	checkTTL     time.Duration
	checkMu      sync.Mutex
	checkedAt    time.Time
	reachable    bool
}

func NewGPSD(cfg GPSDConfig) *GPSD {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 30 * time.Second
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 500 * time.Millisecond
	}
	if cfg.CheckTTL <= 0 {
		cfg.CheckTTL = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	d := &net.Dialer{Timeout: cfg.DialTimeout}
	return &GPSD{
		addr:         strings.TrimSpace(cfg.Addr),
		dialer:       d.DialContext,
		retryBase:    cfg.RetryBase,
		retryMax:     cfg.RetryMax,
		log:          cfg.Logger.WithField("source", "gpsd"),
		reg:          newRegistry(),
		checkTimeout: cfg.CheckTimeout,
		checkTTL:     cfg.CheckTTL,
	}
}

// Supported reports whether gpsd accepts connections at the configured
// address. The answer is cached for CheckTTL.
func (g *GPSD) Supported() bool {
	if g.addr == "" {
		return false
	}
	g.checkMu.Lock()
	defer g.checkMu.Unlock()
	if !g.checkedAt.IsZero() && time.Since(g.checkedAt) < g.checkTTL {
		return g.reachable
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.checkTimeout)
	defer cancel()
	conn, err := g.dialer(ctx, "tcp", g.addr)
	if err != nil {
		g.log.WithError(err).Debug("gpsd unreachable")
		g.reachable = false
	} else {
		_ = conn.Close()
		g.reachable = true
	}
	g.checkedAt = time.Now()
	return g.reachable
}

func (g *GPSD) markReachable() {
	g.checkMu.Lock()
	g.reachable = true
	g.checkedAt = time.Now()
	g.checkMu.Unlock()
}

func (g *GPSD) Watch(onSample func(Sample), onError func(*FixError), opts Options) Handle {
	h, w, ctx := g.reg.add(onSample, onError, opts)
	g.log.WithFields(logrus.Fields{"handle": h, "addr": g.addr}).Debug("gpsd watch started")
	go g.run(ctx, w)
	return h
}

func (g *GPSD) Cancel(h Handle) {
	g.reg.remove(h)
}

func (g *GPSD) run(ctx context.Context, w *watch) {
	if cached, ok := g.cached(w.opts.MaximumAge); ok {
		w.sample(cached)
	}

	attempt := 0
	for ctx.Err() == nil {
		delivered, err := g.stream(ctx, w)
		if ctx.Err() != nil {
			return
		}
		if delivered > 0 {
			attempt = 0
		}
		if err != nil {
			g.log.WithError(err).Warn("gpsd stream interrupted")
			w.fail(classifyStreamError(err), err.Error())
		}

		delay := reliability.ExponentialBackoff(attempt, g.retryBase, g.retryMax)
		attempt++
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// stream holds one gpsd connection until it fails or the watch is canceled.
func (g *GPSD) stream(ctx context.Context, w *watch) (int, error) {
	conn, err := g.dialer(ctx, "tcp", g.addr)
	if err != nil {
		return 0, fmt.Errorf("dial gpsd %s: %w", g.addr, err)
	}
	g.markReachable()
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if _, err := io.WriteString(conn, gpsdWatchCommand); err != nil {
		return 0, fmt.Errorf("enable gpsd watch: %w", err)
	}

	timeout := w.opts.Timeout
	reader := bufio.NewReader(conn)
	var pending []byte
	delivered := 0
	lastFix := time.Now()

	for {
		if timeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(timeout))
		}
		chunk, err := reader.ReadBytes('\n')
		pending = append(pending, chunk...)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() && ctx.Err() == nil {
				w.fail(Timeout, fmt.Sprintf("no fix within %s", timeout))
				lastFix = time.Now()
				continue
			}
			if errors.Is(err, io.EOF) {
				return delivered, errors.New("gpsd closed the connection")
			}
			return delivered, fmt.Errorf("read gpsd: %w", err)
		}

		line := pending
		pending = nil

		sample, ok, fixErr := parseGPSDReport(line, w.opts.HighAccuracy)
		switch {
		case fixErr != nil:
			w.fail(fixErr.Code, fixErr.Message)
		case ok:
			g.remember(sample)
			if w.sample(sample) {
				delivered++
			}
			lastFix = time.Now()
		case timeout > 0 && time.Since(lastFix) > timeout:
			// gpsd keeps talking (SKY, DEVICE) without producing a usable fix.
			w.fail(Timeout, fmt.Sprintf("no fix within %s", timeout))
			lastFix = time.Now()
		}
	}
}

func (g *GPSD) remember(s Sample) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.last = s
	g.lastAt = time.Now()
}

func (g *GPSD) cached(maxAge time.Duration) (Sample, bool) {
	if maxAge <= 0 {
		return Sample{}, false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.lastAt.IsZero() || time.Since(g.lastAt) > maxAge {
		return Sample{}, false
	}
	return g.last, true
}

type gpsdReport struct {
	Class   string   `json:"class"`
	Mode    int      `json:"mode"`
	Time    string   `json:"time"`
	Lat     *float64 `json:"lat"`
	Lon     *float64 `json:"lon"`
	Track   *float64 `json:"track"`
	Speed   *float64 `json:"speed"`
	EPH     *float64 `json:"eph"`
	EPX     *float64 `json:"epx"`
	EPY     *float64 `json:"epy"`
	Message string   `json:"message"`
}

// parseGPSDReport converts one gpsd JSON line. ok is false for reports that
// carry no usable fix; fixErr is set only for gpsd ERROR reports.
func parseGPSDReport(line []byte, highAccuracy bool) (Sample, bool, *FixError) {
	var r gpsdReport
	if err := json.Unmarshal(line, &r); err != nil {
		return Sample{}, false, nil
	}

	switch r.Class {
	case "ERROR":
		msg := strings.TrimSpace(r.Message)
		if msg == "" {
			msg = "gpsd reported an error"
		}
		return Sample{}, false, &FixError{Code: PositionUnavailable, Message: msg}
	case "TPV":
	default:
		return Sample{}, false, nil
	}

	minMode := 2
	if highAccuracy {
		minMode = 3
	}
	if r.Mode < minMode || r.Lat == nil || r.Lon == nil {
		return Sample{}, false, nil
	}

	s := Sample{
		Latitude:  *r.Lat,
		Longitude: *r.Lon,
		Heading:   r.Track,
		Speed:     r.Speed,
		Timestamp: time.Now().UTC(),
	}
	if ts, err := time.Parse(time.RFC3339Nano, r.Time); err == nil {
		s.Timestamp = ts
	}
	switch {
	case r.EPH != nil:
		s.Accuracy = floatPtr(*r.EPH)
	case r.EPX != nil && r.EPY != nil:
		s.Accuracy = floatPtr(math.Max(*r.EPX, *r.EPY))
	}
	return s, true, nil
}

func classifyStreamError(err error) ErrorCode {
	if errors.Is(err, os.ErrPermission) {
		return PermissionDenied
	}
	return PositionUnavailable
}
