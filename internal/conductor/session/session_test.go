package session

import (
	"testing"

	"symphony/internal/wire"
	"symphony/pkg/model"
)

func TestValidateHello_RejectsNonPositiveCapacity(t *testing.T) {
	hello := &wire.NodeHello{
		NodeID:          "node-1",
		CapacitiesTotal: model.Capacity{"cpu": 0},
	}
	if err := validateHello(hello); err == nil {
		t.Fatalf("expected rejection for zero capacity, got nil")
	}
}

func TestValidateHello_RejectsMissingNodeID(t *testing.T) {
	hello := &wire.NodeHello{CapacitiesTotal: model.Capacity{"cpu": 4}}
	if err := validateHello(hello); err == nil {
		t.Fatalf("expected rejection for missing node_id, got nil")
	}
}

func TestValidateHello_AcceptsPositiveCapacities(t *testing.T) {
	hello := &wire.NodeHello{
		NodeID:          "node-1",
		CapacitiesTotal: model.Capacity{"cpu": 4, "mem_mb": 8192},
	}
	if err := validateHello(hello); err != nil {
		t.Fatalf("unexpected rejection: %v", err)
	}
}

func TestClampHeartbeatInterval(t *testing.T) {
	cases := []struct {
		declared int64
		want     int64
	}{
		{0, defaultHeartbeatMs},
		{-5, defaultHeartbeatMs},
		{500, minHeartbeatIntervalMs},
		{5000, 5000},
		{60000, maxHeartbeatIntervalMs},
	}
	for _, c := range cases {
		if got := clampHeartbeatInterval(c.declared); got != c.want {
			t.Errorf("clampHeartbeatInterval(%d) = %d, want %d", c.declared, got, c.want)
		}
	}
}

func TestSession_SendClosesOnFullOutbox(t *testing.T) {
	s := &Session{
		nodeID: "node-1",
		outbox: make(chan *wire.Envelope, 1),
		inbox:  make(chan *wire.Envelope, 1),
		done:   make(chan struct{}),
	}
	env, _ := wire.NewEnvelope(wire.KindPong, wire.Pong{})

	if err := s.Send(env); err != nil {
		t.Fatalf("first send should succeed: %v", err)
	}
	if err := s.Send(env); err != ErrSlowConsumer {
		t.Fatalf("second send should report slow consumer, got %v", err)
	}
	select {
	case <-s.done:
	default:
		t.Fatalf("session should be closed after slow-consumer send")
	}
}

func TestSession_EnqueueInboundClosesOnFull(t *testing.T) {
	s := &Session{
		nodeID: "node-1",
		outbox: make(chan *wire.Envelope, 1),
		inbox:  make(chan *wire.Envelope, 1),
		done:   make(chan struct{}),
	}
	env, _ := wire.NewEnvelope(wire.KindPong, wire.Pong{})

	if !s.enqueueInbound(env) {
		t.Fatalf("first enqueue should succeed")
	}
	if s.enqueueInbound(env) {
		t.Fatalf("second enqueue should fail once inbox is full")
	}
	select {
	case <-s.done:
	default:
		t.Fatalf("session should be closed after slow-consumer enqueue")
	}
}
