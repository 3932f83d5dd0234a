// Package mesh talks to the p2p network gateway that compute nodes join. The
// gateway exposes a single JSON command endpoint; this package wraps the
// three commands the round lifecycle needs and the assembly polling built on
// top of them.
package mesh

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fedmesh/cotrain/types"
)

const clientTimeout = 30 * time.Second

type Client struct {
	base string
	http *http.Client
}

func NewClient(endpoint string) (*Client, error) {
	if _, err := url.Parse(endpoint); err != nil {
		return nil, fmt.Errorf("invalid gateway endpoint %q: %w", endpoint, err)
	}
	return &Client{
		base: strings.TrimRight(endpoint, "/"),
		http: &http.Client{Timeout: clientTimeout},
	}, nil
}

type commandRequest struct {
	Cmd  string   `json:"cmd"`
	Args []string `json:"args,omitempty"`
}

type trainerNodeJSON struct {
	PeerID   string `json:"peer_id"`
	PubMaddr string `json:"pub_maddr"`
	Maddr    string `json:"maddr"`
	Role     string `json:"role"`
}

type commandResponse struct {
	Status   string                       `json:"status"`
	Bootmesh map[string][]trainerNodeJSON `json:"bootmesh,omitempty"`
}

// Advertize announces a new round to the network so nodes can join it.
func (c *Client) Advertize(ctx context.Context, roundID string) (bool, error) {
	resp, err := c.command(ctx, commandRequest{Cmd: "advertize", Args: []string{roundID}})
	if err != nil {
		return false, err
	}
	return resp.Status == "ok", nil
}

// Bootmesh returns the current network state: for every advertized round, the
// set of nodes that joined it.
func (c *Client) Bootmesh(ctx context.Context) (map[string][]types.TrainerNode, error) {
	resp, err := c.command(ctx, commandRequest{Cmd: "bootmesh"})
	if err != nil {
		return nil, err
	}
	if resp.Status != "ok" {
		return nil, fmt.Errorf("gateway returned status %q", resp.Status)
	}
	state := make(map[string][]types.TrainerNode, len(resp.Bootmesh))
	for roundID, peers := range resp.Bootmesh {
		nodes := make([]types.TrainerNode, len(peers))
		for i, p := range peers {
			nodes[i] = types.TrainerNode{
				PeerID:     p.PeerID,
				PublicAddr: p.PubMaddr,
				Addr:       p.Maddr,
				Role:       types.Role(p.Role),
			}
		}
		state[roundID] = nodes
	}
	return state, nil
}

// Train sends the begin-training command. The bundle is the space-joined
// dataset reference, model reference and public key transport string.
func (c *Client) Train(ctx context.Context, roundID, bundle string) (bool, error) {
	resp, err := c.command(ctx, commandRequest{Cmd: "train", Args: []string{roundID, bundle}})
	if err != nil {
		return false, err
	}
	return resp.Status == "ok", nil
}

func (c *Client) command(ctx context.Context, cmd commandRequest) (*commandResponse, error) {
	body, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/command", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("command %q: %w", cmd.Cmd, err)
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("command %q: gateway status %d", cmd.Cmd, httpResp.StatusCode)
	}
	resp := &commandResponse{}
	if err := json.NewDecoder(httpResp.Body).Decode(resp); err != nil {
		return nil, fmt.Errorf("command %q: decoding response: %w", cmd.Cmd, err)
	}
	return resp, nil
}
