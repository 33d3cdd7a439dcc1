package exchange_test

import (
	"context"
	"io"
	"testing"

	"github.com/luno/jettison/jtest"
	"github.com/stretchr/testify/require"

	"github.com/fluxline/exchange"
	"github.com/fluxline/exchange/adapters/memstore"
)

type stubReceiver struct {
	events []exchange.Event
	acked  int
}

func (r *stubReceiver) Recv(ctx context.Context) (*exchange.Event, exchange.Ack, error) {
	if len(r.events) == 0 {
		return nil, nil, io.EOF
	}
	e := r.events[0]
	r.events = r.events[1:]
	return &e, func() error {
		r.acked++
		return nil
	}, nil
}

func (r *stubReceiver) Close() error {
	return nil
}

func TestProjectorMaterialisesTransitions(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()

	st := exchange.StateTransition{
		TransitionID: "tr-1",
		TenantID:     "t1",
		PipelineID:   "p1",
		FromState:    exchange.StateProcessing,
		ToState:      exchange.StateCompleted,
	}
	b, err := exchange.Marshal(&st)
	jtest.RequireNil(t, err)

	receiver := &stubReceiver{events: []exchange.Event{
		{ID: "1", Key: "e1", Value: b},
		{ID: "2", Key: "e1", Value: []byte("not json")},
		{ID: "3", Key: "e1", Value: b},
	}}

	err = exchange.NewProjector(store, nil).Run(ctx, receiver)
	jtest.Require(t, io.EOF, err)

	// All three events acked, the malformed one skipped, the replay deduped.
	require.Equal(t, 3, receiver.acked)
	transitions, err := store.ListTransitions(ctx, "t1", "p1")
	jtest.RequireNil(t, err)
	require.Len(t, transitions, 1)
	require.Equal(t, "tr-1", transitions[0].TransitionID)
}
