package ipfs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultGateway serves proof uploads made through Pinata.
const DefaultGateway = "https://gateway.pinata.cloud"

// maxMetadataBytes caps how much of a gateway response is read when looking for metadata.
const maxMetadataBytes = 1 << 20

// Client reads content through a public IPFS HTTP gateway.
type Client struct {
	gatewayURL string
	client     *http.Client
}

// NewClient returns a gateway client. An empty gatewayURL means DefaultGateway.
func NewClient(gatewayURL string, timeout time.Duration) *Client {
	if gatewayURL == "" {
		gatewayURL = DefaultGateway
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		gatewayURL: strings.TrimRight(gatewayURL, "/"),
		client:     &http.Client{Timeout: timeout},
	}
}

// GatewayURL is the public URL of cid on the configured gateway.
func (c *Client) GatewayURL(cid string) string {
	return c.gatewayURL + "/ipfs/" + url.PathEscape(strings.TrimSpace(cid))
}

// Cat fetches up to limit bytes of cid.
func (c *Client) Cat(ctx context.Context, cid string, limit int64) ([]byte, error) {
	if strings.TrimSpace(cid) == "" {
		return nil, fmt.Errorf("ipfs cat missing cid")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.GatewayURL(cid), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if len(body) == 0 {
			return nil, fmt.Errorf("ipfs cat failed: %s", resp.Status)
		}
		return nil, fmt.Errorf("ipfs cat failed: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return io.ReadAll(io.LimitReader(resp.Body, limit))
}

// proofMetadata is the JSON document the frontend pins next to an uploaded proof file.
type proofMetadata struct {
	FileURL string `json:"fileUrl"`
}

// ResolveProofURL returns the file a proof CID points at. When cid names a metadata document with a
// fileUrl, that URL wins; otherwise the gateway URL of cid itself is returned. The returned URL is
// always usable; err only explains why the metadata lookup fell back.
func (c *Client) ResolveProofURL(ctx context.Context, cid string) (string, error) {
	fallback := c.GatewayURL(cid)
	body, err := c.Cat(ctx, cid, maxMetadataBytes)
	if err != nil {
		return fallback, err
	}
	var meta proofMetadata
	if err := json.Unmarshal(body, &meta); err != nil {
		return fallback, nil
	}
	fileURL := strings.TrimSpace(meta.FileURL)
	if fileURL == "" {
		return fallback, nil
	}
	u, err := url.Parse(fileURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fallback, fmt.Errorf("ignoring metadata fileUrl %q", fileURL)
	}
	return fileURL, nil
}
