package api

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/blinksync/syncbrain/internal/httpclient"
	"github.com/blinksync/syncbrain/internal/retention"
	"github.com/blinksync/syncbrain/internal/status"
)

// Client talks to the API of a running node
type Client struct {
	http *httpclient.Client
}

// NewClient creates a client for the node listening on listen, which may be
// a bare ":8090" listen address or a full URL.
func NewClient(listen string, timeout time.Duration) *Client {
	cfg := httpclient.DefaultConfig()
	cfg.BaseURL = BaseURL(listen)
	if timeout > 0 {
		cfg.DefaultTimeout = timeout
	}
	return &Client{http: httpclient.New(&cfg)}
}

// BaseURL turns a listen address into the URL a local client should use
func BaseURL(listen string) string {
	if strings.HasPrefix(listen, "http://") || strings.HasPrefix(listen, "https://") {
		return strings.TrimSuffix(listen, "/")
	}
	if strings.HasPrefix(listen, ":") {
		listen = "127.0.0.1" + listen
	}
	return "http://" + listen
}

// Close releases idle connections
func (c *Client) Close() {
	c.http.Close()
}

// Status fetches the status snapshot
func (c *Client) Status(ctx context.Context) (*status.Snapshot, error) {
	var snap status.Snapshot
	if err := c.http.JSON(ctx, http.MethodGet, BasePath+"/status", nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// SwitchMode requests a drive mode switch and waits for its outcome
func (c *Client) SwitchMode(ctx context.Context, mode string) (*TransitionView, error) {
	var t TransitionView
	if err := c.http.JSON(ctx, http.MethodPost, BasePath+"/mode", ModeRequest{Mode: mode}, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Reconcile runs retention now
func (c *Client) Reconcile(ctx context.Context) (*retention.Report, error) {
	var r retention.Report
	if err := c.http.JSON(ctx, http.MethodPost, BasePath+"/retention/reconcile", nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Reprocess re-queues a clip
func (c *Client) Reprocess(ctx context.Context, clipID string) error {
	return c.http.JSON(ctx, http.MethodPost, BasePath+"/clips/"+url.PathEscape(clipID)+"/reprocess", nil, nil)
}

// Clip fetches a clip with its results
func (c *Client) Clip(ctx context.Context, clipID string) (*ClipDetail, error) {
	var d ClipDetail
	if err := c.http.JSON(ctx, http.MethodGet, BasePath+"/clips/"+url.PathEscape(clipID), nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Transfers reports the transfer agent's running pulls
func (c *Client) Transfers(ctx context.Context) (*TransferActivityView, error) {
	var v TransferActivityView
	if err := c.http.JSON(ctx, http.MethodGet, BasePath+"/transfers", nil, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// CancelTransfers cancels the transfer agent's running pulls
func (c *Client) CancelTransfers(ctx context.Context) error {
	return c.http.JSON(ctx, http.MethodPost, BasePath+"/transfers/cancel", nil, nil)
}
