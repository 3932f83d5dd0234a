package ledger_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/fedmesh/cotrain/ledger"
)

func TestRelayClient_GetLogs(t *testing.T) {
	req := require.New(t)

	mirror := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req.Equal("/api/v1/contracts/0.0.123/results/logs", r.URL.Path)
		req.Equal("desc", r.URL.Query().Get("order"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"logs": [
				{
					"topics": ["0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"],
					"data": "0x0102",
					"transaction_hash": "0x1111111111111111111111111111111111111111111111111111111111111111",
					"index": 0
				},
				{
					"topics": ["0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"],
					"data": "0x0304",
					"transaction_hash": "0x1111111111111111111111111111111111111111111111111111111111111111",
					"index": 1
				}
			]
		}`)
	}))
	defer mirror.Close()

	client, err := ledger.NewRelayClient("http://localhost:0", mirror.URL, "0.0.123")
	req.NoError(err)

	logs, err := client.GetLogs(context.Background())
	req.NoError(err)
	req.Len(logs, 2)

	// Every entry carries its identity, so two events from the same
	// transaction stay distinguishable.
	req.Equal(common.HexToHash("0x1111111111111111111111111111111111111111111111111111111111111111"), logs[0].TxHash)
	req.Equal(logs[0].TxHash, logs[1].TxHash)
	req.Equal(uint(0), logs[0].Index)
	req.Equal(uint(1), logs[1].Index)
	req.NotEqual(logs[0].Topics[0], logs[1].Topics[0])
	req.Equal([]byte{0x01, 0x02}, logs[0].Data)
}

func TestRelayClient_GetLogsSkipsUndecodableData(t *testing.T) {
	req := require.New(t)

	mirror := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"logs": [
				{"topics": [], "data": "not-hex", "transaction_hash": "0x01", "index": 0},
				{"topics": [], "data": "0x0506", "transaction_hash": "0x02", "index": 1}
			]
		}`)
	}))
	defer mirror.Close()

	client, err := ledger.NewRelayClient("http://localhost:0", mirror.URL, "0.0.123")
	req.NoError(err)

	logs, err := client.GetLogs(context.Background())
	req.NoError(err)
	req.Len(logs, 1)
	req.Equal([]byte{0x05, 0x06}, logs[0].Data)
}
