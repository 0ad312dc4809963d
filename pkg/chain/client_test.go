package chain

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBlockJSON = `{
	"timestamp": "2018-06-09T11:56:30.500",
	"producer": "eosdacserver",
	"block_num": 1000001,
	"schedule_version": 3,
	"new_producers": null,
	"transactions": [
		{
			"status": "executed",
			"cpu_usage_us": 624,
			"net_usage_words": 14,
			"trx": {
				"transaction": {
					"actions": [
						{"account": "eosio.token", "name": "transfer", "data": {"from": "a", "to": "b"}}
					]
				}
			}
		},
		{
			"status": "executed",
			"cpu_usage_us": 100,
			"net_usage_words": 0,
			"trx": "f0badeadbeef"
		},
		{
			"status": "executed",
			"cpu_usage_us": 55,
			"net_usage_words": 3,
			"trx": {
				"transaction": {
					"actions": [
						{"account": "prochaintech", "name": "click", "data": "00ff"}
					]
				}
			}
		}
	]
}`

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := New(&Config{Endpoint: srv.URL, Timeout: time.Second}, log.NewNopLogger())
	c.waits = []time.Duration{0, time.Millisecond, time.Millisecond}
	return c
}

func TestGetInfo(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chain/get_info", r.URL.Path)
		_, _ = w.Write([]byte(`{"head_block_num": 2000, "last_irreversible_block_num": 1667}`))
	}))

	info, err := c.GetInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(2000), info.HeadBlockNum)
	assert.Equal(t, uint64(1667), info.LastIrreversibleBlockNum)
}

func TestGetBlock(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chain/get_block", r.URL.Path)
		_, _ = w.Write([]byte(testBlockJSON))
	}))

	block, err := c.GetBlock(context.Background(), 1000001)
	require.NoError(t, err)

	assert.Equal(t, uint64(1000001), block.BlockNum)
	assert.Equal(t, "eosdacserver", block.Producer)
	assert.Equal(t, uint32(3), block.ScheduleVersion)
	assert.Nil(t, block.NewProducers)
	assert.Equal(t,
		time.Date(2018, 6, 9, 11, 56, 30, 500000000, time.UTC),
		block.Timestamp.Time)

	require.Len(t, block.Transactions, 3)

	structured := block.Transactions[0]
	require.NotNil(t, structured.Trx.Transaction)
	require.Len(t, structured.Trx.Transaction.Actions, 1)
	assert.Equal(t, "eosio.token", structured.Trx.Transaction.Actions[0].Account)
	assert.Equal(t, "transfer", structured.Trx.Transaction.Actions[0].Name)
	assert.Equal(t, "a", structured.Trx.Transaction.Actions[0].Data["from"])

	packed := block.Transactions[1]
	assert.Nil(t, packed.Trx.Transaction)
	assert.Equal(t, "f0badeadbeef", packed.Trx.PackedID)

	// undecoded action data comes back as a hex string and is dropped
	undecoded := block.Transactions[2]
	require.NotNil(t, undecoded.Trx.Transaction)
	assert.Nil(t, undecoded.Trx.Transaction.Actions[0].Data)
}

func TestRetrySucceedsAfterTransientFailure(t *testing.T) {
	attempts := 0
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			http.Error(w, "upstream unavailable", http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"head_block_num": 10, "last_irreversible_block_num": 5}`))
	}))

	info, err := c.GetInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(5), info.LastIrreversibleBlockNum)
	assert.Equal(t, 3, attempts)
}

func TestRetryExhausted(t *testing.T) {
	attempts := 0
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		http.Error(w, "nope", http.StatusInternalServerError)
	}))

	_, err := c.GetInfo(context.Background())
	require.Error(t, err)
	assert.Equal(t, len(c.waits), attempts)
}

func TestRetryHonorsCancellation(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	c.waits = []time.Duration{0, time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.GetInfo(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestParseGarbageBody(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"truncated`))
	}))

	_, err := c.GetInfo(context.Background())
	require.Error(t, err)
}
