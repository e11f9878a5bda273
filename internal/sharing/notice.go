package sharing

import (
	"sync"

	"github.com/sirupsen/logrus"
)

type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notice codes surfaced to the operator.
const (
	CodeSharingStarted        = "sharing_started"
	CodeSharingStopped        = "sharing_stopped"
	CodeCapabilityUnavailable = "capability_unavailable"
	CodeFixError              = "fix_error"
	CodeStopAckFailed         = "stop_ack_failed"
)

// Notice is a user-facing notification. Delivery is up to the Notifier.
type Notice struct {
	Level     Level  `json:"level"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	BookingID string `json:"booking_id,omitempty"`
}

type Notifier interface {
	Notify(n Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notice)

func (f NotifierFunc) Notify(n Notice) { f(n) }

// Notifiers fans a notice out to every member.
type Notifiers []Notifier

func (ns Notifiers) Notify(n Notice) {
	for _, x := range ns {
		if x != nil {
			x.Notify(n)
		}
	}
}

// LogNotifier writes notices to the log at a matching level.
type LogNotifier struct {
	Log *logrus.Entry
}

func (l LogNotifier) Notify(n Notice) {
	entry := l.Log
	if entry == nil {
		entry = logrus.NewEntry(logrus.StandardLogger())
	}
	entry = entry.WithFields(logrus.Fields{"code": n.Code, "booking_id": n.BookingID})
	switch n.Level {
	case LevelError:
		entry.Error(n.Message)
	case LevelWarning:
		entry.Warn(n.Message)
	default:
		entry.Info(n.Message)
	}
}

// NoticeLog keeps every notice it receives. Useful where notices are polled
// rather than pushed.
type NoticeLog struct {
	mu      sync.Mutex
	notices []Notice
}

func (l *NoticeLog) Notify(n Notice) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.notices = append(l.notices, n)
}

func (l *NoticeLog) All() []Notice {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Notice, len(l.notices))
	copy(out, l.notices)
	return out
}
