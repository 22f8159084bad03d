package session

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"symphony/internal/wire"
)

// ErrSlowConsumer is returned from Send (and surfaces as the session close
// reason) when a session's outbound queue is full: the session is closed
// with reason slow-consumer rather than blocking the caller.
var ErrSlowConsumer = errors.New("session: slow consumer")

const (
	defaultOutboxSize = 256
	defaultInboxSize  = 256
)

// Session owns one node's bidirectional stream. It implements
// registry.Sender so the reconciler can push commands without depending
// on grpc types directly.
type Session struct {
	nodeID string
	stream wire.NodeService_ConnectServer
	log    *zap.Logger

	outbox chan *wire.Envelope
	inbox  chan *wire.Envelope

	closeOnce   sync.Once
	done        chan struct{}
	closeReason string
}

func newSession(nodeID string, stream wire.NodeService_ConnectServer, log *zap.Logger) *Session {
	return &Session{
		nodeID: nodeID,
		stream: stream,
		log:    log,
		outbox: make(chan *wire.Envelope, defaultOutboxSize),
		inbox:  make(chan *wire.Envelope, defaultInboxSize),
		done:   make(chan struct{}),
	}
}

// Send enqueues a command for delivery; it never blocks. A full outbox
// closes the session with ErrSlowConsumer rather than backing up the
// reconciler or scheduler.
func (s *Session) Send(env *wire.Envelope) error {
	select {
	case <-s.done:
		return errors.New("session: closed")
	default:
	}
	select {
	case s.outbox <- env:
		return nil
	default:
		s.Close(ErrSlowConsumer.Error())
		return ErrSlowConsumer
	}
}

// Close is idempotent; it stops the writer goroutine and the inbound
// dispatch loop, and records the reason for logging.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.closeReason = reason
		close(s.done)
	})
}

// runWriter drains outbox to the grpc stream until the session closes.
// There is exactly one writer task per node session; it suspends on
// queue receive or stream write, never on anything the reconciler or
// scheduler hold a lock on.
func (s *Session) runWriter() {
	for {
		select {
		case <-s.done:
			return
		case env := <-s.outbox:
			if err := s.stream.Send(env); err != nil {
				s.log.Warn("session: write failed", zap.String("node_id", s.nodeID), zap.Error(err))
				s.Close("write-error")
				return
			}
		}
	}
}

// enqueueInbound is called by the reader loop; it never blocks on a full
// inbox, closing the session with ErrSlowConsumer instead (mirrors Send).
func (s *Session) enqueueInbound(env *wire.Envelope) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.inbox <- env:
		return true
	default:
		s.Close(ErrSlowConsumer.Error())
		return false
	}
}
