package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/fedmesh/cotrain/types"
)

const relayTimeout = time.Minute

// RelayClient implements Ledger against two collaborators: a local signer
// relay that holds the operator key and submits contract calls, and the
// public mirror REST API serving the contract's event log.
type RelayClient struct {
	relayBase  string
	mirrorBase string
	contractID string
	http       *http.Client
}

func NewRelayClient(relayEndpoint, mirrorEndpoint, contractID string) (*RelayClient, error) {
	for _, endpoint := range []string{relayEndpoint, mirrorEndpoint} {
		if _, err := url.Parse(endpoint); err != nil {
			return nil, fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
		}
	}
	return &RelayClient{
		relayBase:  strings.TrimRight(relayEndpoint, "/"),
		mirrorBase: strings.TrimRight(mirrorEndpoint, "/"),
		contractID: contractID,
		http:       &http.Client{Timeout: relayTimeout},
	}, nil
}

type contractRequest struct {
	Function string   `json:"function"`
	Args     []string `json:"args,omitempty"`
	Amount   string   `json:"amount,omitempty"`
}

type contractResponse struct {
	TxID   string `json:"txId,omitempty"`
	Status string `json:"status"`
	Result string `json:"result,omitempty"`
}

func (c *RelayClient) CreateTask(ctx context.Context, modelRef, datasetRef string, chunkCount uint64, amount *big.Int) (string, error) {
	resp, err := c.post(ctx, "/send", contractRequest{
		Function: "createTask",
		Args:     []string{modelRef, datasetRef, strconv.FormatUint(chunkCount, 10)},
		Amount:   amount.String(),
	})
	if err != nil {
		return "", err
	}
	switch resp.Status {
	case "SUCCESS":
		return resp.TxID, nil
	case "REJECTED":
		return "", types.ErrPaymentRejected
	case "REVERTED":
		return "", fmt.Errorf("%w: tx %s", types.ErrPaymentReverted, resp.TxID)
	default:
		return "", fmt.Errorf("unexpected relay status %q", resp.Status)
	}
}

func (c *RelayClient) GetTaskID(ctx context.Context) (uint64, error) {
	resp, err := c.post(ctx, "/call", contractRequest{Function: "getTaskId"})
	if err != nil {
		return 0, err
	}
	id, err := strconv.ParseUint(resp.Result, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing task id %q: %w", resp.Result, err)
	}
	return id, nil
}

func (c *RelayClient) TaskExists(ctx context.Context, id uint64) (bool, error) {
	resp, err := c.post(ctx, "/call", contractRequest{
		Function: "taskExists",
		Args:     []string{strconv.FormatUint(id, 10)},
	})
	if err != nil {
		return false, err
	}
	return strconv.ParseBool(resp.Result)
}

// GetLogs queries the mirror REST API for the contract's event log, most
// recent first.
func (c *RelayClient) GetLogs(ctx context.Context) ([]ethtypes.Log, error) {
	endpoint := fmt.Sprintf("%s/api/v1/contracts/%s/results/logs?order=desc&limit=100",
		c.mirrorBase, url.PathEscape(c.contractID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	httpResp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("querying mirror: %w", err)
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("mirror returned status %d", httpResp.StatusCode)
	}

	var payload struct {
		Logs []struct {
			Topics          []string `json:"topics"`
			Data            string   `json:"data"`
			TransactionHash string   `json:"transaction_hash"`
			Index           uint     `json:"index"`
		} `json:"logs"`
	}
	if err := json.NewDecoder(httpResp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decoding mirror response: %w", err)
	}

	logs := make([]ethtypes.Log, 0, len(payload.Logs))
	for _, raw := range payload.Logs {
		// TxHash and Index identify the entry; consumers dedup on them.
		log := ethtypes.Log{
			Topics: make([]common.Hash, len(raw.Topics)),
			TxHash: common.HexToHash(raw.TransactionHash),
			Index:  raw.Index,
		}
		for i, topic := range raw.Topics {
			log.Topics[i] = common.HexToHash(topic)
		}
		if raw.Data != "" {
			data, err := hexutil.Decode(raw.Data)
			if err != nil {
				// Skip undecodable entries; they belong to other tooling.
				continue
			}
			log.Data = data
		}
		logs = append(logs, log)
	}
	return logs, nil
}

func (c *RelayClient) post(ctx context.Context, path string, reqBody contractRequest) (*contractResponse, error) {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}
	endpoint := fmt.Sprintf("%s/v1/contracts/%s%s", c.relayBase, url.PathEscape(c.contractID), path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling signer relay: %w", err)
	}
	defer httpResp.Body.Close()
	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading relay response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("relay returned status %d: %s", httpResp.StatusCode, strings.TrimSpace(string(data)))
	}
	resp := &contractResponse{}
	if err := json.Unmarshal(data, resp); err != nil {
		return nil, fmt.Errorf("decoding relay response: %w", err)
	}
	return resp, nil
}
