package feed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"liquidation-relay/internal/event"
)

// Status is the lifecycle state of a feed connection.
type Status int32

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusSubscribing
	StatusLive
	StatusDegraded
)

var statusNames = [...]string{"disconnected", "connecting", "subscribing", "live", "degraded"}

func (s Status) String() string {
	if int(s) < 0 || int(s) >= len(statusNames) {
		return "unknown"
	}
	return statusNames[s]
}

// MarshalText renders the status name in JSON and logs.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a status name.
func (s *Status) UnmarshalText(text []byte) error {
	for i, name := range statusNames {
		if name == string(text) {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("feed: unknown status %q", text)
}

// FrameKind classifies a decoded inbound frame.
type FrameKind int

const (
	// FrameIgnored is a well-formed frame that carries nothing of interest.
	FrameIgnored FrameKind = iota
	// FrameData carries zero or more liquidation events.
	FrameData
	// FrameAck acknowledges the subscription handshake.
	FrameAck
	// FramePong answers a liveness probe.
	FramePong
)

// Frame is the adapter's interpretation of one inbound message.
type Frame struct {
	Kind    FrameKind
	Events  []event.Liquidation
	Dropped int
}

// Conn is a live transport owned by a single Connection.
type Conn interface {
	// Read blocks until the next inbound message or a transport error.
	Read() ([]byte, error)
	Close() error
}

// Adapter implements the source-specific parts of a feed: how to connect, subscribe, parse and probe.
type Adapter interface {
	Source() event.Source
	// Connect dials the transport. touch must be called whenever the transport observes a control-level
	// liveness signal (pong, ping, successful poll) that does not surface through Read.
	Connect(ctx context.Context, touch func()) (Conn, error)
	// Subscribe issues the subscription handshake and reports whether an acknowledgement frame must be
	// awaited before the feed counts as live.
	Subscribe(ctx context.Context, conn Conn) (ackRequired bool, err error)
	// Parse decodes one inbound message. Errors other than ErrSubscriptionRejected mark the frame malformed.
	Parse(frame []byte) (Frame, error)
	Ping(ctx context.Context, conn Conn) error
}

// Handler receives every normalized event in arrival order.
type Handler func(ctx context.Context, ev event.Liquidation)

var (
	// ErrReconnectBudgetExhausted is returned by Run once all reconnect attempts have failed.
	ErrReconnectBudgetExhausted = errors.New("feed: reconnect attempts exhausted")
	// ErrSubscriptionRejected is returned by adapters when the upstream refuses the subscription.
	ErrSubscriptionRejected = errors.New("feed: subscription rejected")
	// ErrUnexpectedConn is returned when an adapter receives a Conn it did not create.
	ErrUnexpectedConn = errors.New("feed: unexpected connection type")

	errStale  = errors.New("feed: liveness signal stale")
	errForced = errors.New("feed: reconnect forced")
)

// Options tune liveness and reconnect behaviour.
type Options struct {
	ProbeInterval  time.Duration
	StaleAfter     time.Duration
	ReconnectDelay time.Duration
	MaxAttempts    int
}

// DefaultOptions mirrors the production cadence: probe every 30s, stale after 120s, 5s fixed backoff,
// 10 reconnect attempts.
func DefaultOptions() Options {
	return Options{
		ProbeInterval:  30 * time.Second,
		StaleAfter:     120 * time.Second,
		ReconnectDelay: 5 * time.Second,
		MaxAttempts:    10,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.ProbeInterval <= 0 {
		o.ProbeInterval = def.ProbeInterval
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = def.StaleAfter
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = def.ReconnectDelay
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = def.MaxAttempts
	}
	return o
}

// Snapshot is a point-in-time view of a connection, safe to read from other goroutines.
type Snapshot struct {
	Source      event.Source `json:"source"`
	Status      Status       `json:"status"`
	Attempts    int          `json:"reconnect_attempts"`
	MaxAttempts int          `json:"max_attempts"`
	LastSignal  time.Time    `json:"last_signal"`
	Session     string       `json:"session,omitempty"`
	Exhausted   bool         `json:"exhausted"`
	Healthy     bool         `json:"healthy"`
}
