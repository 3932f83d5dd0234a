// Package o3 is a thin client for an S3-compatible bucket gateway exposing a
// JSON/HTTP surface. It is the only binding between the coordinator and the
// object store; everything above it speaks storage.ObjectStore.
package o3

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fedmesh/cotrain/storage"
)

const defaultTimeout = 2 * time.Minute

type Client struct {
	base string
	http *http.Client
}

func New(endpoint string) (*Client, error) {
	if _, err := url.Parse(endpoint); err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	return &Client{
		base: strings.TrimRight(endpoint, "/"),
		http: &http.Client{Timeout: defaultTimeout},
	}, nil
}

func (c *Client) CreateBucket(ctx context.Context, name string) error {
	status, _, err := c.do(ctx, http.MethodPut, fmt.Sprintf("/v1/buckets/%s", url.PathEscape(name)), nil)
	if err != nil {
		return err
	}
	// An existing bucket we own is success.
	if status == http.StatusConflict {
		return nil
	}
	return checkStatus(status)
}

func (c *Client) PutObject(ctx context.Context, bucket, key string, body []byte) error {
	status, _, err := c.do(ctx, http.MethodPut, objectPath(bucket, key), bytes.NewReader(body))
	if err != nil {
		return err
	}
	return checkStatus(status)
}

func (c *Client) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	status, body, err := c.do(ctx, http.MethodGet, objectPath(bucket, key), nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, storage.ErrNotFound
	}
	if err := checkStatus(status); err != nil {
		return nil, err
	}
	return body, nil
}

func (c *Client) ListObjects(ctx context.Context, bucket string) ([]storage.Object, error) {
	status, body, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/buckets/%s/objects", url.PathEscape(bucket)), nil)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(status); err != nil {
		return nil, err
	}
	var resp struct {
		Contents []struct {
			Key  string `json:"key"`
			Size int64  `json:"size"`
		} `json:"contents"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding listing: %w", err)
	}
	objects := make([]storage.Object, len(resp.Contents))
	for i, o := range resp.Contents {
		objects[i] = storage.Object{Key: o.Key, Size: o.Size}
	}
	return objects, nil
}

func (c *Client) PresignedGetURL(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	path := objectPath(bucket, key) + "/presign?expires=" + strconv.Itoa(int(ttl.Seconds()))
	status, body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return "", err
	}
	if err := checkStatus(status); err != nil {
		return "", err
	}
	var resp struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decoding presign response: %w", err)
	}
	return strings.TrimSpace(resp.URL), nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp.StatusCode, data, nil
}

func objectPath(bucket, key string) string {
	return fmt.Sprintf("/v1/buckets/%s/objects/%s", url.PathEscape(bucket), url.PathEscape(key))
}

func checkStatus(status int) error {
	if status >= 200 && status < 300 {
		return nil
	}
	return fmt.Errorf("object store returned status %d", status)
}
