package session

import (
	"time"

	"go.uber.org/zap"

	"symphony/internal/conductor/capacity"
	"symphony/internal/conductor/eventbus"
	"symphony/internal/conductor/reconciler"
	"symphony/internal/conductor/registry"
	"symphony/internal/wire"
)

// Handler implements wire.NodeServiceServer. One Connect call runs for the
// whole lifetime of one node's stream.
type Handler struct {
	registry   *registry.Registry
	ledger     *capacity.Ledger
	reconciler *reconciler.Reconciler
	logs       *eventbus.Bus
	log        *zap.Logger
	nowMs      func() int64
}

// New wires a Handler to the conductor's shared registry, ledger,
// reconciler, and log event bus.
func New(reg *registry.Registry, ledger *capacity.Ledger, rec *reconciler.Reconciler, logs *eventbus.Bus, log *zap.Logger, nowMs func() int64) *Handler {
	return &Handler{registry: reg, ledger: ledger, reconciler: rec, logs: logs, log: log, nowMs: nowMs}
}

var _ wire.NodeServiceServer = (*Handler)(nil)

// Connect implements the AwaitingHello -> Connected -> steady-state
// machine. It blocks until the stream ends, at which point the node
// is deregistered and its session closed.
func (h *Handler) Connect(stream wire.NodeService_ConnectServer) error {
	first, err := h.recvFirst(stream)
	if err != nil {
		return err
	}
	if first.Kind != wire.KindNodeHello {
		return &errRejected{reason: "first-frame-not-hello"}
	}
	var hello wire.NodeHello
	if err := first.Decode(&hello); err != nil {
		return err
	}
	if err := validateHello(&hello); err != nil {
		h.log.Warn("session: handshake rejected", zap.String("node_id", hello.NodeID), zap.Error(err))
		return err
	}

	node := buildNode(&hello, h.nowMs())
	sess := newSession(hello.NodeID, stream, h.log)

	if err := h.registry.Register(node, sess); err != nil {
		h.log.Warn("session: register rejected", zap.String("node_id", hello.NodeID), zap.Error(err))
		return err
	}
	h.ledger.SetTotal(hello.NodeID, hello.CapacitiesTotal)

	go sess.runWriter()
	go h.processInbound(sess)

	defer func() {
		sess.Close("stream-closed")
		h.registry.Deregister(hello.NodeID, "stream-closed")
	}()

	return h.readLoop(stream, sess, hello.NodeID)
}

// recvFirst waits for the mandatory NodeHello, giving up after
// handshakeTimeout so a node that dials without ever sending one doesn't
// hold a stream open forever.
func (h *Handler) recvFirst(stream wire.NodeService_ConnectServer) (*wire.Envelope, error) {
	type result struct {
		env *wire.Envelope
		err error
	}
	ch := make(chan result, 1)
	go func() {
		env, err := stream.Recv()
		ch <- result{env, err}
	}()
	select {
	case r := <-ch:
		return r.env, r.err
	case <-time.After(handshakeTimeout):
		return nil, errHandshakeTimeout
	}
}

// readLoop is the session's reader: it blocks on stream.Recv and never on
// anything downstream — a full inbox closes the session rather than
// backing up the transport.
func (h *Handler) readLoop(stream wire.NodeService_ConnectServer, sess *Session, nodeID string) error {
	for {
		env, err := stream.Recv()
		if err != nil {
			return err
		}
		if !sess.enqueueInbound(env) {
			h.log.Warn("session: closed on slow consumer", zap.String("node_id", nodeID))
			return ErrSlowConsumer
		}
	}
}

// processInbound drains a session's inbox and routes each frame to the
// registry/reconciler, running independently of the reader so neither the
// reconciler nor the registry lock can ever stall stream reads.
func (h *Handler) processInbound(sess *Session) {
	for {
		select {
		case <-sess.done:
			return
		case env := <-sess.inbox:
			h.dispatch(sess.nodeID, env)
		}
	}
}

func (h *Handler) dispatch(nodeID string, env *wire.Envelope) {
	switch env.Kind {
	case wire.KindHeartbeat:
		var hb wire.Heartbeat
		if err := env.Decode(&hb); err != nil {
			h.log.Warn("session: malformed heartbeat", zap.String("node_id", nodeID), zap.Error(err))
			return
		}
		h.registry.UpdateHeartbeat(nodeID, h.nowMs(), hb.Resources)
		for _, st := range hb.DeploymentStatus {
			h.reportStatus(nodeID, st)
		}

	case wire.KindDeploymentStatusList:
		var list wire.DeploymentStatusList
		if err := env.Decode(&list); err != nil {
			h.log.Warn("session: malformed status list", zap.String("node_id", nodeID), zap.Error(err))
			return
		}
		for _, st := range list.Statuses {
			h.reportStatus(nodeID, st)
		}

	case wire.KindLogBatch:
		var batch wire.LogBatch
		if err := env.Decode(&batch); err != nil {
			h.log.Warn("session: malformed log batch", zap.String("node_id", nodeID), zap.Error(err))
			return
		}
		h.logs.Publish(batch.DeploymentID, batch.Entries)

	case wire.KindPong:
		// Liveness only; heartbeat cadence already drives staleness.

	default:
		h.log.Warn("session: unhandled frame kind", zap.String("node_id", nodeID), zap.String("kind", string(env.Kind)))
	}
}

func (h *Handler) reportStatus(nodeID string, st wire.DeploymentHeartbeatStatus) {
	h.reconciler.ReportStatus(reconciler.StatusReport{
		NodeID:        nodeID,
		DeploymentID:  st.DeploymentID,
		CurrentState:  st.CurrentState,
		ExitCode:      st.ExitCode,
		RevisionAcked: st.RevisionAcked,
	})
}
