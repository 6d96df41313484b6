package materialize

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	pf "github.com/estuary/flow-materialize/go/protocols/flow"
)

// stubTransactor is a minimal Transactor used to exercise RunTransactions
// end-to-end over the in-process adapter, without a real SQL backend.
type stubTransactor struct {
	loadResponses map[int][]json.RawMessage
	stored        []json.RawMessage
	committed     int
}

func (t *stubTransactor) Load(it *LoadIterator, _ <-chan struct{}, loaded func(int, json.RawMessage) error) error {
	for it.Next() {
		for _, doc := range t.loadResponses[it.Binding()] {
			if err := loaded(it.Binding(), doc); err != nil {
				return err
			}
		}
	}
	return it.Err()
}

func (t *stubTransactor) Prepare(_ *Request_Prepare) (*Response_Prepared, error) { return nil, nil }

func (t *stubTransactor) Store(it *StoreIterator) error {
	for it.Next() {
		t.stored = append(t.stored, it.Document())
	}
	return it.Err()
}

func (t *stubTransactor) Commit() error { t.committed++; return nil }

func (t *stubTransactor) Destroy() {}

// stubServer implements ConnectorServer directly over RunTransactions,
// skipping Spec/Validate/Apply since this test only drives the transact loop.
type stubServer struct {
	transactor Transactor
}

func (s *stubServer) Materialize(stream Connector_MaterializeServer) error {
	var open, err = stream.Recv()
	if err != nil {
		return err
	}
	return RunTransactions(stream, *open.Open, Response_Opened{}, s.transactor)
}

func TestRunTransactionsRoundTrip(t *testing.T) {
	var transactor = &stubTransactor{
		loadResponses: map[int][]json.RawMessage{0: {json.RawMessage(`{"id":1}`)}},
	}
	var client, err = AdaptServerToClient(&stubServer{transactor: transactor}).Materialize(context.Background())
	require.NoError(t, err)

	require.NoError(t, client.Send(&Request{Open: &Request_Open{
		Materialization: &pf.MaterializationSpec{Name: "acmeCo/test"},
	}}))

	opened, err := client.Recv()
	require.NoError(t, err)
	require.NotNil(t, opened.Opened)

	require.NoError(t, client.Send(&Request{Load: &Request_Load{
		Binding: 0, KeyJson: json.RawMessage(`[1]`),
	}}))
	require.NoError(t, client.Send(&Request{Prepare: &Request_Prepare{}}))

	loaded, err := client.Recv()
	require.NoError(t, err)
	require.NotNil(t, loaded.Loaded)
	require.Equal(t, json.RawMessage(`{"id":1}`), loaded.Loaded.DocJson)

	prepared, err := client.Recv()
	require.NoError(t, err)
	require.NotNil(t, prepared.Prepared)

	require.NoError(t, client.Send(&Request{Store: &Request_Store{
		Binding: 0, KeyJson: json.RawMessage(`[1]`), DocJson: json.RawMessage(`{"id":1}`),
	}}))
	require.NoError(t, client.Send(&Request{Commit: &Request_Commit{}}))

	committed, err := client.Recv()
	require.NoError(t, err)
	require.NotNil(t, committed.Committed)

	require.NoError(t, client.CloseSend())

	require.Equal(t, 1, transactor.committed)
	require.Len(t, transactor.stored, 1)
}

// pipelineTransactor is a Transactor whose first Commit blocks until
// released by the test, used to prove that RunTransactions starts a later
// round's Load without waiting for an earlier round's Commit to finish.
type pipelineTransactor struct {
	commitCount    int32
	loadCount      int32
	releaseCommit  chan struct{}
	round2LoadSeen chan struct{}
}

func (t *pipelineTransactor) Load(it *LoadIterator, _ <-chan struct{}, _ func(int, json.RawMessage) error) error {
	if atomic.AddInt32(&t.loadCount, 1) == 2 {
		close(t.round2LoadSeen)
	}
	for it.Next() {
	}
	return it.Err()
}

func (t *pipelineTransactor) Prepare(_ *Request_Prepare) (*Response_Prepared, error) { return nil, nil }

func (t *pipelineTransactor) Store(it *StoreIterator) error {
	for it.Next() {
	}
	return it.Err()
}

func (t *pipelineTransactor) Commit() error {
	if atomic.AddInt32(&t.commitCount, 1) == 1 {
		<-t.releaseCommit
	}
	return nil
}

func (t *pipelineTransactor) Destroy() {}

// TestRunTransactionsPipelinesLoadWithPriorCommit is the regression test for
// the property that a single-round test can't catch: round T+1's Load must
// be free to run while round T's Commit is still in flight, joining only at
// round T+1's Prepare.
func TestRunTransactionsPipelinesLoadWithPriorCommit(t *testing.T) {
	var transactor = &pipelineTransactor{
		releaseCommit:  make(chan struct{}),
		round2LoadSeen: make(chan struct{}),
	}
	var client, err = AdaptServerToClient(&stubServer{transactor: transactor}).Materialize(context.Background())
	require.NoError(t, err)

	require.NoError(t, client.Send(&Request{Open: &Request_Open{
		Materialization: &pf.MaterializationSpec{Name: "acmeCo/test"},
	}}))
	_, err = client.Recv() // Opened.
	require.NoError(t, err)

	// Round 1: drive it all the way through Commit, which blocks.
	require.NoError(t, client.Send(&Request{Load: &Request_Load{
		Binding: 0, KeyJson: json.RawMessage(`[1]`),
	}}))
	require.NoError(t, client.Send(&Request{Prepare: &Request_Prepare{}}))

	prepared1, err := client.Recv()
	require.NoError(t, err)
	require.NotNil(t, prepared1.Prepared)

	require.NoError(t, client.Send(&Request{Store: &Request_Store{
		Binding: 0, KeyJson: json.RawMessage(`[1]`), DocJson: json.RawMessage(`{"id":1}`),
	}}))
	require.NoError(t, client.Send(&Request{Commit: &Request_Commit{}}))

	// Round 2: sent immediately, without waiting for round 1's Committed.
	require.NoError(t, client.Send(&Request{Load: &Request_Load{
		Binding: 0, KeyJson: json.RawMessage(`[2]`),
	}}))
	require.NoError(t, client.Send(&Request{Prepare: &Request_Prepare{}}))

	select {
	case <-transactor.round2LoadSeen:
	case <-time.After(5 * time.Second):
		t.Fatal("round 2's Load was never invoked while round 1's Commit was still pending")
	}

	close(transactor.releaseCommit)

	committed1, err := client.Recv() // Round 1's Committed, sent first.
	require.NoError(t, err)
	require.NotNil(t, committed1.Committed)

	prepared2, err := client.Recv() // Round 2's Prepared, gated on round 1's commit.
	require.NoError(t, err)
	require.NotNil(t, prepared2.Prepared)

	require.NoError(t, client.Send(&Request{Store: &Request_Store{
		Binding: 0, KeyJson: json.RawMessage(`[2]`), DocJson: json.RawMessage(`{"id":2}`),
	}}))
	require.NoError(t, client.Send(&Request{Commit: &Request_Commit{}}))

	committed2, err := client.Recv()
	require.NoError(t, err)
	require.NotNil(t, committed2.Committed)

	require.NoError(t, client.CloseSend())
}
