package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/medrex/dlt-keyx/pkg/logger"
	"github.com/sirupsen/logrus"
)

// HTTPOptions configures an HTTPGateway
type HTTPOptions struct {
	Endpoint       string
	RequestTimeout time.Duration
	Logger         *logger.Logger
}

// HTTPGateway stores blobs as raw blocks through an IPFS-style HTTP API
type HTTPGateway struct {
	client *resty.Client
	log    *logrus.Entry
}

type blockPutResponse struct {
	Key  string `json:"Key"`
	Size int    `json:"Size"`
}

type apiError struct {
	Message string `json:"Message"`
	Code    int    `json:"Code"`
	Type    string `json:"Type"`
}

// NewHTTPGateway creates the client
func NewHTTPGateway(opts HTTPOptions) (*HTTPGateway, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("storage gateway endpoint is required")
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}

	cl := resty.New().SetBaseURL(strings.TrimRight(opts.Endpoint, "/")).SetTimeout(opts.RequestTimeout)
	cl.SetHeader("User-Agent", "medrex-keyx/2")

	return &HTTPGateway{client: cl, log: log.WithComponent("storage-gateway")}, nil
}

func handleError(op string, resp *resty.Response) error {
	if !resp.IsError() {
		return nil
	}
	var apiErr apiError
	msg := strings.TrimSpace(string(resp.Body()))
	if json.Unmarshal(resp.Body(), &apiErr) == nil && apiErr.Message != "" {
		msg = apiErr.Message
	}
	if resp.StatusCode() == http.StatusNotFound || strings.Contains(msg, "not found") {
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	}
	return fmt.Errorf("storage gateway %s returned %d: %s", op, resp.StatusCode(), msg)
}

// Upload puts data as a raw block and checks the address the gateway reports
func (g *HTTPGateway) Upload(ctx context.Context, data []byte) (ContentAddress, error) {
	addr, err := Address(data)
	if err != nil {
		return "", err
	}

	var out blockPutResponse
	resp, err := g.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"cid-codec": "raw",
			"mhtype":    "sha2-256",
			"pin":       "true",
		}).
		SetFileReader("data", "blob", bytes.NewReader(data)).
		SetResult(&out).
		ExpectContentType("application/json").
		Post("/api/v0/block/put")
	if err != nil {
		return "", fmt.Errorf("storage gateway upload: %w", err)
	}
	if err := handleError("upload", resp); err != nil {
		return "", err
	}
	if out.Key != string(addr) {
		return "", fmt.Errorf("%w: gateway stored %q, expected %q", ErrCorrupt, out.Key, addr)
	}

	g.log.WithFields(logrus.Fields{
		"address": addr,
		"size":    len(data),
	}).Debug("Blob uploaded")
	return addr, nil
}

// Fetch retrieves a block and verifies it against addr
func (g *HTTPGateway) Fetch(ctx context.Context, addr ContentAddress) ([]byte, error) {
	if _, err := ParseAddress(addr); err != nil {
		return nil, err
	}

	resp, err := g.client.R().
		SetContext(ctx).
		SetQueryParam("arg", string(addr)).
		Post("/api/v0/block/get")
	if err != nil {
		return nil, fmt.Errorf("storage gateway fetch: %w", err)
	}
	if err := handleError("fetch", resp); err != nil {
		return nil, err
	}

	data := resp.Body()
	if err := Verify(addr, data); err != nil {
		g.log.WithField("address", addr).Warn("Gateway returned content that does not match its address")
		return nil, err
	}
	return data, nil
}

// Ping calls the gateway's version endpoint
func (g *HTTPGateway) Ping(ctx context.Context) error {
	resp, err := g.client.R().SetContext(ctx).Post("/api/v0/version")
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("storage gateway version returned %d", resp.StatusCode())
	}
	return nil
}
