// Package publisher serializes frames and hands them to the streaming
// transport without ever waiting on a consumer.
package publisher

import (
	"sync/atomic"

	"github.com/rjboer/leostream/internal/baseband"
	"github.com/rjboer/leostream/internal/logging"
	"github.com/rjboer/leostream/internal/wire"
)

// Outcome reports what happened to a published frame.
type Outcome int

const (
	// Dropped means no subscriber could take the frame right now.
	Dropped Outcome = iota
	// Sent means at least one subscriber accepted the frame.
	Sent
)

func (o Outcome) String() string {
	switch o {
	case Sent:
		return "sent"
	case Dropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Transport accepts an encoded envelope without blocking and returns how many
// subscribers took it.
type Transport interface {
	Offer(msg []byte) int
}

// Stats is a snapshot of publisher counters.
type Stats struct {
	Sent         uint64 `json:"sent"`
	Dropped      uint64 `json:"dropped"`
	EncodeErrors uint64 `json:"encodeErrors"`
	BytesSent    uint64 `json:"bytesSent"`
}

// Publisher encodes frames and offers them to a Transport.
type Publisher struct {
	transport Transport
	logger    logging.Logger

	sent         atomic.Uint64
	dropped      atomic.Uint64
	encodeErrors atomic.Uint64
	bytesSent    atomic.Uint64
}

// New builds a publisher over t.
func New(t Transport, logger logging.Logger) *Publisher {
	if logger == nil {
		logger = logging.Default()
	}
	return &Publisher{transport: t, logger: logger.With(logging.Component("publisher"))}
}

// Publish serializes f and offers it once. The frame is never retained: when
// nobody can accept it, it is dropped.
func (p *Publisher) Publish(f baseband.Frame) Outcome {
	msg, err := wire.Encode(f)
	if err != nil {
		p.encodeErrors.Add(1)
		p.dropped.Add(1)
		p.logger.Error("frame encode failed", logging.Uint64("frame_id", f.ID), logging.Err(err))
		return Dropped
	}
	if p.transport.Offer(msg) == 0 {
		p.dropped.Add(1)
		return Dropped
	}
	p.sent.Add(1)
	p.bytesSent.Add(uint64(len(msg)))
	return Sent
}

// Stats returns the current counters. Safe for concurrent use.
func (p *Publisher) Stats() Stats {
	return Stats{
		Sent:         p.sent.Load(),
		Dropped:      p.dropped.Load(),
		EncodeErrors: p.encodeErrors.Load(),
		BytesSent:    p.bytesSent.Load(),
	}
}
