package materialize

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// arenaSize and sliceSize bound how many bytes (resp. how many documents)
// of Loaded responses the runner buffers before flushing them onto the
// wire. A flush still sends each buffered document as its own Response;
// documents are not packed together into one message. Correctness does
// not depend on these values; they are tuning knobs.
const (
	arenaSize = 16 * 1024
	sliceSize = 32
)

// Transactor is implemented by a materialization adapter (a relational
// database, a warehouse, or similar) to drive one transaction round at a
// time on behalf of one binding set of one shard.
type Transactor interface {
	// Load streams keys to fetch via the iterator, invoking loaded for
	// each document found. Load may begin staging work immediately, but
	// must not observe the effects of the prior transaction's Commit
	// until commitBarrier closes (the read-committed contract).
	Load(it *LoadIterator, commitBarrier <-chan struct{}, loaded func(binding int, doc json.RawMessage) error) error
	// Prepare is called once Load (if any) has completed, and returns an
	// optional driver checkpoint to be surfaced to the runtime.
	Prepare(*Request_Prepare) (*Response_Prepared, error)
	// Store streams documents to persist via the iterator.
	Store(it *StoreIterator) error
	// Commit durably applies all staged Store calls, atomically with the
	// fence's checkpoint update.
	Commit() error
	// Destroy releases all resources held by the Transactor.
	Destroy()
}

// LoadIterator adapts a stream of Request_Load messages into a pull-based
// iterator usable by a Transactor's Load implementation.
type LoadIterator struct {
	stream   Connector_MaterializeServer
	req      *Request_Load
	total    int
	err      error
	eof      bool
	prepared *Request_Prepare
}

// NewLoadIterator returns a LoadIterator reading from stream, seeded by the
// first Request_Load already received (which triggered Load to start).
func NewLoadIterator(stream Connector_MaterializeServer, first *Request_Load) *LoadIterator {
	return &LoadIterator{stream: stream, req: first}
}

// Next advances the iterator, returning false on EOF (a Prepare arrived)
// or error.
func (it *LoadIterator) Next() bool {
	if it.eof || it.err != nil {
		return false
	}
	if it.total == 0 {
		it.total++
		return it.req != nil
	}
	var m, err = it.stream.Recv()
	if err == io.EOF {
		it.eof = true
		return false
	} else if err != nil {
		it.err = err
		return false
	}
	switch {
	case m.Load != nil:
		it.req = m.Load
		it.total++
		return true
	case m.Prepare != nil:
		it.eof = true
		it.prepared = m.Prepare
		return false
	default:
		it.err = fmt.Errorf("protocol error: expected Load or Prepare, got %#v", m)
		return false
	}
}

// Binding returns the binding index of the current Load request.
func (it *LoadIterator) Binding() int { return it.req.Binding }

// Key returns the packed and JSON key of the current Load request.
func (it *LoadIterator) Key() ([]byte, json.RawMessage) { return it.req.KeyPacked, it.req.KeyJson }

// Err returns the terminal error of the iterator, if any.
func (it *LoadIterator) Err() error { return it.err }

// Prepared returns the Request_Prepare that ended iteration, if Next
// returned false because of a Prepare rather than an error.
func (it *LoadIterator) Prepared() *Request_Prepare { return it.prepared }

// StoreIterator adapts a stream of Request_Store messages into a pull-based
// iterator usable by a Transactor's Store implementation.
type StoreIterator struct {
	stream Connector_MaterializeServer
	req    *Request_Store
	total  int
	err    error
	eof    bool
}

// NewStoreIterator returns a StoreIterator reading from stream, seeded by
// the first Request_Store already received.
func NewStoreIterator(stream Connector_MaterializeServer, first *Request_Store) *StoreIterator {
	return &StoreIterator{stream: stream, req: first}
}

// Next advances the iterator, returning false on EOF (a Commit arrived) or
// error.
func (it *StoreIterator) Next() bool {
	if it.eof || it.err != nil {
		return false
	}
	if it.total == 0 {
		it.total++
		return it.req != nil
	}
	var m, err = it.stream.Recv()
	if err == io.EOF {
		it.eof = true
		return false
	} else if err != nil {
		it.err = err
		return false
	}
	switch {
	case m.Store != nil:
		it.req = m.Store
		it.total++
		return true
	case m.Commit != nil:
		it.eof = true
		return false
	default:
		it.err = fmt.Errorf("protocol error: expected Store or Commit, got %#v", m)
		return false
	}
}

// Binding returns the binding index of the current Store request.
func (it *StoreIterator) Binding() int { return it.req.Binding }

// Key returns the packed and JSON key of the current Store request.
func (it *StoreIterator) Key() ([]byte, json.RawMessage) { return it.req.KeyPacked, it.req.KeyJson }

// Values returns the packed and JSON non-key values of the current request.
func (it *StoreIterator) Values() ([]byte, json.RawMessage) {
	return it.req.ValuesPacked, it.req.ValuesJson
}

// Document returns the full document JSON of the current request.
func (it *StoreIterator) Document() json.RawMessage { return it.req.DocJson }

// Exists returns true if the runtime observed this key in a prior Load of
// this same transaction.
func (it *StoreIterator) Exists() bool { return it.req.Exists }

// Err returns the terminal error of the iterator, if any.
func (it *StoreIterator) Err() error { return it.err }

// RunTransactions drives transactor through repeated transaction rounds
// over stream, having already completed Spec/Validate/Apply/Open. It
// pipelines Load of round T+1 with Commit of round T: Commit runs in its
// own goroutine and the runner moves on to read and stage T+1's Load
// without waiting for it, joining the two only where the read-committed
// contract demands it (T+1's Prepare must not be sent until T's Commit,
// and whatever T+1's Load staged against commitDone, has both landed).
func RunTransactions(
	stream Connector_MaterializeServer,
	open Request_Open,
	opened Response_Opened,
	transactor Transactor,
) (err error) {
	var log = log.WithField("materialization", string(open.Materialization.Name))
	defer transactor.Destroy()

	// sendMu serializes Response sends across the main loop (Prepared) and
	// the background Load/Commit goroutines (Loaded, Committed): the
	// underlying stream does not tolerate concurrent Send calls.
	var sendMu sync.Mutex
	var send = func(r *Response) error {
		sendMu.Lock()
		defer sendMu.Unlock()
		return stream.Send(r)
	}

	if err := send(&Response{Opened: &opened}); err != nil {
		return errors.Wrap(err, "sending Opened")
	}

	var taskName = string(open.Materialization.Name)

	// commitDone of round 0 is pre-closed: there is no prior commit to wait
	// on. commitErr is set by a round's commit goroutine before it closes
	// commitDone, and is only ever read after that close is observed, so
	// the close itself establishes the happens-before relationship.
	var commitDone = closedChan()
	var commitErr error

	for round := 0; ; round++ {
		var m, err = stream.Recv()
		if err == io.EOF {
			<-commitDone // Let the last round's commit finish before Destroy.
			return commitErr
		} else if err != nil {
			return errors.Wrap(err, "reading transaction round")
		}
		roundsStartedCounter.WithLabelValues(taskName).Inc()

		var loadErr error
		var prepared *Request_Prepare
		var loadDone = make(chan struct{})

		// Run this round's Load concurrently with awaiting the prior
		// round's still-in-flight Commit. The Transactor contract requires
		// Load to gate any read of the target against commitDone itself,
		// so it's safe to let it begin staging work immediately.
		var commitBarrier = commitDone
		go func() {
			defer close(loadDone)
			switch {
			case m.Load != nil:
				var it = NewLoadIterator(stream, m.Load)
				var arena jsonArena

				loadErr = transactor.Load(it, commitBarrier, func(binding int, doc json.RawMessage) error {
					arena.add(binding, doc)
					documentsLoadedCounter.WithLabelValues(taskName).Inc()
					if arena.full() {
						return arena.flush(send)
					}
					return nil
				})
				if loadErr == nil {
					loadErr = it.Err()
				}
				if loadErr == nil {
					loadErr = arena.flush(send)
				}
				prepared = it.Prepared()
			case m.Prepare != nil:
				prepared = m.Prepare // No Load requests were sent this round.
			default:
				loadErr = fmt.Errorf("protocol error: expected Load or Prepare to start round, got %#v", m)
			}
		}()

		// Join over this round's Load and the prior round's Commit: both
		// must finish before Prepare, but neither is awaited before the
		// other starts. A failed prior Commit is fatal for the stream, so
		// we return immediately rather than waiting out the current Load.
		for commitDone != nil || loadDone != nil {
			select {
			case <-commitDone:
				if commitErr != nil {
					return commitErr
				}
				commitDone = nil
			case <-loadDone:
				loadDone = nil
			}
		}

		if loadErr != nil {
			roundsFailedCounter.WithLabelValues(taskName, "load").Inc()
			return errors.Wrap(loadErr, "Transactor.Load")
		}

		preparedResp, err := transactor.Prepare(prepared)
		if err != nil {
			roundsFailedCounter.WithLabelValues(taskName, "prepare").Inc()
			return errors.Wrap(err, "Transactor.Prepare")
		}
		if preparedResp == nil {
			preparedResp = new(Response_Prepared)
		}
		if err := send(&Response{Prepared: preparedResp}); err != nil {
			return errors.Wrap(err, "sending Prepared")
		}

		m, err = stream.Recv()
		if err != nil {
			return errors.Wrap(err, "reading Store")
		}
		var storeIt *StoreIterator
		switch {
		case m.Store != nil:
			storeIt = NewStoreIterator(stream, m.Store)
		case m.Commit != nil:
			storeIt = NewStoreIterator(stream, nil)
		default:
			return fmt.Errorf("protocol error: expected Store or Commit, got %#v", m)
		}
		if err := transactor.Store(storeIt); err != nil {
			roundsFailedCounter.WithLabelValues(taskName, "store").Inc()
			return errors.Wrap(err, "Transactor.Store")
		}
		if err := storeIt.Err(); err != nil {
			roundsFailedCounter.WithLabelValues(taskName, "store").Inc()
			return errors.Wrap(err, "reading Store")
		}

		// Begin Commit in the background and immediately loop around to
		// the next round's Recv/Load: the next round's commitDone join
		// (above) is what actually waits for this to finish, not this loop
		// iteration.
		var roundDone = make(chan struct{})
		commitDone, commitErr = roundDone, nil

		var thisRound = round
		go func() {
			defer close(roundDone)
			log.WithField("round", thisRound).Debug("committing transaction")
			if err := transactor.Commit(); err != nil {
				commitErr = errors.Wrap(err, "Transactor.Commit")
				roundsFailedCounter.WithLabelValues(taskName, "commit").Inc()
				return
			}
			if err := send(&Response{Committed: new(Response_Committed)}); err != nil {
				commitErr = errors.Wrap(err, "sending Committed")
				roundsFailedCounter.WithLabelValues(taskName, "commit").Inc()
				return
			}
			roundsCommittedCounter.WithLabelValues(taskName).Inc()
		}()
	}
}

func closedChan() chan struct{} {
	var ch = make(chan struct{})
	close(ch)
	return ch
}

// jsonArena buffers Loaded documents until arenaSize bytes or sliceSize
// documents are held, then flush sends one Loaded Response per buffered
// document. It does not use flow.Arena framing.
type jsonArena struct {
	docs  []json.RawMessage
	bind  []int
	bytes int
}

func (a *jsonArena) add(binding int, doc json.RawMessage) {
	a.docs = append(a.docs, doc)
	a.bind = append(a.bind, binding)
	a.bytes += len(doc)
}

func (a *jsonArena) full() bool {
	return a.bytes >= arenaSize || len(a.docs) >= sliceSize
}

func (a *jsonArena) flush(send func(*Response) error) error {
	for i, doc := range a.docs {
		if err := send(&Response{Loaded: &Response_Loaded{Binding: a.bind[i], DocJson: doc}}); err != nil {
			return err
		}
	}
	a.docs, a.bind, a.bytes = nil, nil, 0
	return nil
}
