package api

import (
	"context"
	"time"

	"github.com/blinksync/syncbrain/internal/logger"
)

const (
	defaultPeerPollInterval = 500 * time.Millisecond
	peerCancelTimeout       = 10 * time.Second
)

// RemoteQuiescer lets a storage node wait for the SFTP pulls of the
// processing node before taking the drive back. It satisfies drive.Quiescer.
//
// A peer that cannot be asked counts as idle: the camera getting its drive
// back matters more than a copy the peer will verify and retry anyway.
type RemoteQuiescer struct {
	client *Client
	poll   time.Duration
	log    logger.Logger
}

// NewRemoteQuiescer creates a quiescer for the node at peerURL
func NewRemoteQuiescer(peerURL string, requestTimeout time.Duration) *RemoteQuiescer {
	return &RemoteQuiescer{
		client: NewClient(peerURL, requestTimeout),
		poll:   defaultPeerPollInterval,
		log:    GetLogger().Module("peer").With(logger.String("peer", BaseURL(peerURL))),
	}
}

// WaitQuiescent polls the peer until it reports no running scan or copy
func (q *RemoteQuiescer) WaitQuiescent(ctx context.Context) error {
	t := time.NewTicker(q.poll)
	defer t.Stop()
	for {
		v, err := q.client.Transfers(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			q.log.Warn("peer transfer state unavailable, treating as idle", logger.Error(err))
			return nil
		case v.Idle:
			return nil
		}
		q.log.Debug("waiting for peer transfers",
			logger.Int("operations", v.Operations),
			logger.Int("in_flight", v.InFlight))

		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// CancelInFlight asks the peer to cancel its pulls
func (q *RemoteQuiescer) CancelInFlight() {
	ctx, cancel := context.WithTimeout(context.Background(), peerCancelTimeout)
	defer cancel()
	if err := q.client.CancelTransfers(ctx); err != nil {
		q.log.Warn("failed to cancel peer transfers", logger.Error(err))
	}
}

// Close releases idle connections to the peer
func (q *RemoteQuiescer) Close() {
	q.client.Close()
}
