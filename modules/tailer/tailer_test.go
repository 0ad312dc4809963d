package tailer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/bpwatch/bpwatchdb"
	"github.com/grafana/bpwatch/modules/aggregator"
	"github.com/grafana/bpwatch/pkg/chain"
	"github.com/grafana/bpwatch/pkg/pool"
	"github.com/grafana/bpwatch/pkg/summary"
)

// fakeNode serves get_info and get_block for a fixed span of half-second
// blocks, every slot filled, all produced under schedule version 0.
type fakeNode struct {
	mu           sync.Mutex
	irreversible uint64
	baseSlot     int64

	// badBlock, when set, is served with an impostor producer so the apply
	// step fails
	badBlock uint64
}

func (n *fakeNode) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/chain/get_info", func(w http.ResponseWriter, r *http.Request) {
		n.mu.Lock()
		defer n.mu.Unlock()
		fmt.Fprintf(w, `{"head_block_num": %d, "last_irreversible_block_num": %d}`, n.irreversible+3, n.irreversible)
	})

	mux.HandleFunc("/v1/chain/get_block", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			BlockNumOrID uint64 `json:"block_num_or_id"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		n.mu.Lock()
		producer := "eosio"
		if n.badBlock != 0 && req.BlockNumOrID == n.badBlock {
			producer = "impostorbpbp"
		}
		n.mu.Unlock()

		// block n sits on slot baseSlot + n
		ts := summary.TimeForSlot(n.baseSlot + int64(req.BlockNumOrID))
		fmt.Fprintf(w, `{
			"timestamp": %q,
			"producer": %q,
			"block_num": %d,
			"schedule_version": 0,
			"new_producers": null,
			"transactions": [
				{"status": "executed", "cpu_usage_us": 500, "trx": {"transaction": {"actions": [{"account": "eosio.token", "name": "transfer", "data": {}}]}}}
			]
		}`, ts.Format("2006-01-02T15:04:05.000"), producer, req.BlockNumOrID)
	})

	mux.HandleFunc("/v1/chain/get_block_header_state", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "block header state not found", http.StatusInternalServerError)
	})

	return mux
}

func testTailer(t *testing.T, node *fakeNode) (*Tailer, *bpwatchdb.Store) {
	t.Helper()

	srv := httptest.NewServer(node.handler(t))
	t.Cleanup(srv.Close)

	store, err := bpwatchdb.New(&bpwatchdb.Config{Path: filepath.Join(t.TempDir(), "db")}, log.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	client := chain.New(&chain.Config{Endpoint: srv.URL, Timeout: time.Second}, log.NewNopLogger())
	agg := aggregator.New(&aggregator.Config{}, store, log.NewNopLogger())

	cfg := &Config{
		PollInterval:   10 * time.Millisecond,
		FailureBackoff: 10 * time.Millisecond,
		MaxBatch:       1000,
		StartingBlock:  1,
		Pool: pool.Config{
			MaxWorkers: 4,
			QueueDepth: 2000,
		},
	}

	return New(cfg, client, agg, log.NewNopLogger()), store
}

func TestTailerIngestsToFrontier(t *testing.T) {
	node := &fakeNode{
		irreversible: 50,
		// align block 0 on a snapshot boundary so the run crosses none
		baseSlot: int64(summary.SnapshotIntervalSlots) * 10,
	}

	tailer, _ := testTailer(t, node)

	require.NoError(t, services.StartAndAwaitRunning(context.Background(), tailer))

	require.Eventually(t, func() bool {
		return tailer.agg.LastBlockNum() == 50
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, services.StopAndAwaitTerminated(context.Background(), tailer))

	// block 1 seeded the summary, blocks 2..50 were applied; every slot hit
	bp := tailer.agg.Summary().Producers["eosio"]
	require.NotNil(t, bp)
	assert.Equal(t, int64(49), bp.BlocksProducedTotal())
	assert.Equal(t, int64(49), bp.SlotsPassedTotal())
	assert.Equal(t, int64(49), bp.TxData["eosio.token:transfer"].Count)
}

func TestTailerPicksUpFrontierAdvance(t *testing.T) {
	node := &fakeNode{
		irreversible: 10,
		baseSlot:     int64(summary.SnapshotIntervalSlots) * 10,
	}

	tailer, _ := testTailer(t, node)

	require.NoError(t, services.StartAndAwaitRunning(context.Background(), tailer))
	defer func() {
		require.NoError(t, services.StopAndAwaitTerminated(context.Background(), tailer))
	}()

	require.Eventually(t, func() bool {
		return tailer.agg.LastBlockNum() == 10
	}, 5*time.Second, 10*time.Millisecond)

	node.mu.Lock()
	node.irreversible = 20
	node.mu.Unlock()

	require.Eventually(t, func() bool {
		return tailer.agg.LastBlockNum() == 20
	}, 5*time.Second, 10*time.Millisecond)
}

func TestTailerRecoversFromBadBatch(t *testing.T) {
	node := &fakeNode{
		irreversible: 20,
		baseSlot:     int64(summary.SnapshotIntervalSlots) * 10,
		badBlock:     10,
	}

	tailer, _ := testTailer(t, node)

	require.NoError(t, services.StartAndAwaitRunning(context.Background(), tailer))
	defer func() {
		require.NoError(t, services.StopAndAwaitTerminated(context.Background(), tailer))
	}()

	// the batch dies on block 10; the tailer rewinds to the seed snapshot
	// and retries until the node behaves
	time.Sleep(100 * time.Millisecond)
	assert.Less(t, tailer.agg.LastBlockNum(), uint64(10))

	node.mu.Lock()
	node.badBlock = 0
	node.mu.Unlock()

	require.Eventually(t, func() bool {
		return tailer.agg.LastBlockNum() == 20
	}, 5*time.Second, 10*time.Millisecond)
}

func TestTailerResumesFromSnapshot(t *testing.T) {
	node := &fakeNode{
		irreversible: 30,
		baseSlot:     int64(summary.SnapshotIntervalSlots) * 10,
	}

	tailer, store := testTailer(t, node)
	require.NoError(t, services.StartAndAwaitRunning(context.Background(), tailer))
	require.Eventually(t, func() bool {
		return tailer.agg.LastBlockNum() == 30
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, services.StopAndAwaitTerminated(context.Background(), tailer))

	// a second tailer over the same store resumes from the persisted
	// snapshot instead of refetching from the starting block
	srv := httptest.NewServer(node.handler(t))
	t.Cleanup(srv.Close)
	client := chain.New(&chain.Config{Endpoint: srv.URL, Timeout: time.Second}, log.NewNopLogger())
	agg := aggregator.New(&aggregator.Config{}, store, log.NewNopLogger())
	second := New(&Config{
		PollInterval:   10 * time.Millisecond,
		FailureBackoff: 10 * time.Millisecond,
		MaxBatch:       1000,
		StartingBlock:  1,
		Pool:           pool.Config{MaxWorkers: 2, QueueDepth: 100},
	}, client, agg, log.NewNopLogger())

	require.NoError(t, services.StartAndAwaitRunning(context.Background(), second))
	require.Eventually(t, func() bool {
		return agg.LastBlockNum() == 30
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, services.StopAndAwaitTerminated(context.Background(), second))

	// the resume point came from the seed snapshot at block 1
	assert.GreaterOrEqual(t, agg.LastBlockNum(), uint64(30))
}
