// Package agent is the node-side counterpart to internal/conductor/session:
// it owns the single grpc stream to the conductor, generalizing the
// heartbeat-ticker/watch-loop shape of internal/worker/agent.go's
// startHeartbeat/watchJobs from a polling etcd-watch model into the
// push-driven NodeHello/Heartbeat/DeploymentReq protocol.
package agent

import (
	"context"
	"reflect"
	"sync"
	"time"

	"go.uber.org/zap"

	"symphony/internal/node/resources"
	"symphony/internal/node/supervisor"
	"symphony/internal/wire"
	"symphony/pkg/model"
)

// Config describes the static facts a node declares once at handshake
// time, in its NodeHello fields.
type Config struct {
	NodeID             string
	Groups             []string
	CapacitiesTotal    model.Capacity
	HeartbeatInterval  time.Duration
	StaticResources    wire.StaticResources
	StatusPollInterval time.Duration
}

// Agent drives one long-lived Connect stream against the conductor.
type Agent struct {
	cfg  Config
	sup  *supervisor.Manager
	res  *resources.Collector
	log  *zap.Logger

	mu           sync.Mutex
	lastReported map[string]wire.DeploymentHeartbeatStatus
	acked        map[string]int64
	logSubs      map[string]context.CancelFunc
}

const outboxSize = 256

// New constructs an Agent bound to a node's supervisor and resource
// collector.
func New(cfg Config, sup *supervisor.Manager, res *resources.Collector, log *zap.Logger) *Agent {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 3 * time.Second
	}
	if cfg.StatusPollInterval <= 0 {
		cfg.StatusPollInterval = 500 * time.Millisecond
	}
	return &Agent{
		cfg:          cfg,
		sup:          sup,
		res:          res,
		log:          log,
		lastReported: make(map[string]wire.DeploymentHeartbeatStatus),
		acked:        make(map[string]int64),
		logSubs:      make(map[string]context.CancelFunc),
	}
}

// Run dials nothing itself — it drives an already-established stream
// until ctx is cancelled or the stream errors, then returns so the caller
// can reconnect with backoff. The node is responsible for reconnecting
// after any transport failure.
func (a *Agent) Run(ctx context.Context, stream wire.NodeService_ConnectClient) error {
	hello, err := wire.NewEnvelope(wire.KindNodeHello, wire.NodeHello{
		NodeID:              a.cfg.NodeID,
		Groups:              a.cfg.Groups,
		CapacitiesTotal:     a.cfg.CapacitiesTotal,
		HeartbeatIntervalMs: a.cfg.HeartbeatInterval.Milliseconds(),
		StaticResources:     a.cfg.StaticResources,
	})
	if err != nil {
		return err
	}
	if err := stream.Send(hello); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// A single writer goroutine serializes every Send on this stream —
	// grpc-go streams only tolerate one concurrent SendMsg caller, and
	// the heartbeat, status-poll, and log-forward loops below all
	// produce frames independently.
	outbox := make(chan *wire.Envelope, outboxSize)
	errCh := make(chan error, 4)
	go a.writerLoop(runCtx, stream, outbox, errCh)
	go a.heartbeatLoop(runCtx, outbox)
	go a.statusPollLoop(runCtx, outbox)
	go a.recvLoop(runCtx, stream, outbox, errCh)

	err = <-errCh
	cancel()
	return err
}

func (a *Agent) writerLoop(ctx context.Context, stream wire.NodeService_ConnectClient, outbox chan *wire.Envelope, errCh chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-outbox:
			if err := stream.Send(env); err != nil {
				errCh <- err
				return
			}
		}
	}
}

func (a *Agent) enqueue(ctx context.Context, outbox chan *wire.Envelope, env *wire.Envelope) {
	select {
	case outbox <- env:
	case <-ctx.Done():
	default:
		a.log.Warn("agent: outbox full, dropping frame", zap.String("kind", string(env.Kind)))
	}
}

func (a *Agent) heartbeatLoop(ctx context.Context, outbox chan *wire.Envelope) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hb := wire.Heartbeat{
				NodeID:           a.cfg.NodeID,
				SentAtUnixMs:     time.Now().UnixMilli(),
				Resources:        a.res.Snapshot(ctx),
				DeploymentStatus: a.allStatuses(),
			}
			env, err := wire.NewEnvelope(wire.KindHeartbeat, hb)
			if err != nil {
				continue
			}
			a.enqueue(ctx, outbox, env)
		}
	}
}

// statusPollLoop checks the supervisor every StatusPollInterval and pushes
// a DeploymentStatusList of the deployments whose observed state changed
// since they were last reported, independent of the heartbeat cadence; a
// transition is reported on the next poll tick.
func (a *Agent) statusPollLoop(ctx context.Context, outbox chan *wire.Envelope) {
	ticker := time.NewTicker(a.cfg.StatusPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			changed := a.changedStatuses()
			if len(changed) == 0 {
				continue
			}
			env, err := wire.NewEnvelope(wire.KindDeploymentStatusList, wire.DeploymentStatusList{
				NodeID:   a.cfg.NodeID,
				Statuses: changed,
			})
			if err != nil {
				continue
			}
			a.enqueue(ctx, outbox, env)
		}
	}
}

func (a *Agent) recvLoop(ctx context.Context, stream wire.NodeService_ConnectClient, outbox chan *wire.Envelope, errCh chan error) {
	for {
		env, err := stream.Recv()
		if err != nil {
			errCh <- err
			return
		}
		a.dispatch(ctx, outbox, env)
	}
}

func (a *Agent) dispatch(ctx context.Context, outbox chan *wire.Envelope, env *wire.Envelope) {
	switch env.Kind {
	case wire.KindDeploymentReq:
		var req wire.DeploymentReq
		if err := env.Decode(&req); err != nil {
			a.log.Warn("agent: malformed deployment request", zap.Error(err))
			return
		}
		a.handleReq(req)

	case wire.KindDeploymentCancel:
		var cancel wire.DeploymentCancel
		if err := env.Decode(&cancel); err != nil {
			a.log.Warn("agent: malformed cancel", zap.Error(err))
			return
		}
		a.sup.Stop(cancel.DeploymentID, 0)

	case wire.KindLogSubscribe:
		var sub wire.LogSubscribe
		if err := env.Decode(&sub); err != nil {
			a.log.Warn("agent: malformed log subscribe", zap.Error(err))
			return
		}
		a.startLogForward(ctx, outbox, sub)

	case wire.KindLogUnsubscribe:
		var unsub wire.LogUnsubscribe
		if err := env.Decode(&unsub); err != nil {
			a.log.Warn("agent: malformed log unsubscribe", zap.Error(err))
			return
		}
		a.stopLogForward(unsub.DeploymentID)

	default:
		a.log.Warn("agent: unhandled frame kind", zap.String("kind", string(env.Kind)))
	}
}

// startLogForward attaches to a deployment's in-memory log ring and
// streams new lines (plus a Tail backfill) as LogBatch frames until
// unsubscribed or the deployment's subscription is replaced.
func (a *Agent) startLogForward(ctx context.Context, outbox chan *wire.Envelope, sub wire.LogSubscribe) {
	a.stopLogForward(sub.DeploymentID)

	ch := make(chan model.LogEntry, 256)
	unsubscribe, ok := a.sup.Subscribe(sub.DeploymentID, ch)
	if !ok {
		return
	}

	forwardCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.logSubs[sub.DeploymentID] = cancel
	a.mu.Unlock()

	go func() {
		defer unsubscribe()
		if sub.Tail > 0 {
			a.sendLogBatch(ctx, outbox, sub.DeploymentID, a.sup.Tail(sub.DeploymentID, sub.Tail))
		}
		var buf []model.LogEntry
		flush := time.NewTicker(200 * time.Millisecond)
		defer flush.Stop()
		for {
			select {
			case <-forwardCtx.Done():
				return
			case entry := <-ch:
				buf = append(buf, entry)
			case <-flush.C:
				if len(buf) == 0 {
					continue
				}
				a.sendLogBatch(ctx, outbox, sub.DeploymentID, buf)
				buf = nil
			}
		}
	}()
}

func (a *Agent) stopLogForward(deploymentID string) {
	a.mu.Lock()
	cancel, ok := a.logSubs[deploymentID]
	delete(a.logSubs, deploymentID)
	a.mu.Unlock()
	if ok {
		cancel()
	}
}

func (a *Agent) sendLogBatch(ctx context.Context, outbox chan *wire.Envelope, deploymentID string, entries []model.LogEntry) {
	if len(entries) == 0 {
		return
	}
	env, err := wire.NewEnvelope(wire.KindLogBatch, wire.LogBatch{DeploymentID: deploymentID, Entries: entries})
	if err != nil {
		return
	}
	a.enqueue(ctx, outbox, env)
}

// handleReq applies an idempotence rule: a command whose revision is
// <= the last-acked revision for this deployment is ignored, except
// STOP which always applies.
func (a *Agent) handleReq(req wire.DeploymentReq) {
	if req.Op != wire.OpStop {
		a.mu.Lock()
		last := a.acked[req.DeploymentID]
		a.mu.Unlock()
		if req.SpecRevision <= last {
			return
		}
	}

	switch req.Op {
	case wire.OpStart, wire.OpUpdate:
		a.sup.Start(req.DeploymentID, req.Kind, req.Specification)
		a.mu.Lock()
		a.acked[req.DeploymentID] = req.SpecRevision
		a.mu.Unlock()
	case wire.OpStop:
		a.sup.Stop(req.DeploymentID, req.StopGraceMs)
	}
}

func (a *Agent) allStatuses() []wire.DeploymentHeartbeatStatus {
	snap := a.sup.Snapshot()
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]wire.DeploymentHeartbeatStatus, 0, len(snap))
	for id, st := range snap {
		hbSt := wire.DeploymentHeartbeatStatus{
			DeploymentID:  id,
			CurrentState:  st.CurrentState,
			ExitCode:      st.ExitCode,
			RevisionAcked: a.acked[id],
		}
		out = append(out, hbSt)
		a.lastReported[id] = hbSt
	}
	return out
}

func (a *Agent) changedStatuses() []wire.DeploymentHeartbeatStatus {
	snap := a.sup.Snapshot()
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []wire.DeploymentHeartbeatStatus
	for id, st := range snap {
		hbSt := wire.DeploymentHeartbeatStatus{
			DeploymentID:  id,
			CurrentState:  st.CurrentState,
			ExitCode:      st.ExitCode,
			RevisionAcked: a.acked[id],
		}
		if prev, ok := a.lastReported[id]; !ok || !reflect.DeepEqual(prev, hbSt) {
			out = append(out, hbSt)
			a.lastReported[id] = hbSt
		}
	}
	return out
}
