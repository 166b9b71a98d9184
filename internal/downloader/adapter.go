// Copyright (c) 2025, the ptctl authors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package downloader defines the uniform capability set the rest of the system drives
// torrent clients through, and a factory that picks a concrete implementation by
// client flavor. No shared base state beyond connection parameters is assumed.
package downloader

import (
	"context"
	"fmt"

	"github.com/ptctl/fleet/internal/domain"
	"github.com/ptctl/fleet/internal/downloader/deluge"
	"github.com/ptctl/fleet/internal/downloader/qbittorrent"
	"github.com/ptctl/fleet/internal/downloader/transmission"
)

// Adapter is the capability set every torrent client flavor must expose.
// Every operation is cancellable via ctx and fails with a categorized error.
type Adapter interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	GetTorrents(ctx context.Context, opts domain.GetOpts) ([]domain.TorrentDescriptor, error)
	GetStats(ctx context.Context) (domain.Stats, error)

	// Add returns the resulting infohash. Callers do not verify it: the
	// qBittorrent adapter computes the hash from the payload and confirms the
	// client lists it, while the Transmission and Deluge adapters return the
	// hash the client reports.
	Add(ctx context.Context, payload []byte, isMagnet bool, opts domain.AddOpts) (hash string, err error)
	Remove(ctx context.Context, hash string, deleteFiles bool) error
	Pause(ctx context.Context, hash string) error
	Resume(ctx context.Context, hash string) error
	Reannounce(ctx context.Context, hash string) error

	SetTorrentUploadLimit(ctx context.Context, hash string, bytesPerSec int64) error
	SetTorrentDownloadLimit(ctx context.Context, hash string, bytesPerSec int64) error
	SetGlobalUploadLimit(ctx context.Context, bytesPerSec int64) error
	SetGlobalDownloadLimit(ctx context.Context, bytesPerSec int64) error

	PauseAll(ctx context.Context) error
	ResumeAll(ctx context.Context) error

	GetFreeSpace(ctx context.Context, path string) (int64, error)
}

// Factory constructs an Adapter for a configured downloader, isolated so tests and the
// scheduler never need a type switch on flavor themselves.
func Factory(d domain.Downloader) (Adapter, error) {
	switch d.Flavor {
	case domain.FlavorQBittorrent:
		return qbittorrent.New(d), nil
	case domain.FlavorTransmission:
		return transmission.New(d), nil
	case domain.FlavorDeluge:
		return deluge.New(d), nil
	default:
		return nil, fmt.Errorf("downloader: unknown client flavor %q: %w", d.Flavor, domain.ErrUnsupportedOp)
	}
}

// WithSession opens an adapter, runs fn, and always disconnects — the scoped
// acquisition primitive the rest of the system relies on to forbid concurrent use of
// the same session.
func WithSession(ctx context.Context, a Adapter, fn func(ctx context.Context) error) (err error) {
	if err = a.Connect(ctx); err != nil {
		return fmt.Errorf("downloader: connect: %w", err)
	}
	defer func() {
		if dErr := a.Disconnect(ctx); dErr != nil && err == nil {
			err = fmt.Errorf("downloader: disconnect: %w", dErr)
		}
	}()
	return fn(ctx)
}
