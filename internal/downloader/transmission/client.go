// Copyright (c) 2025, the ptctl authors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package transmission adapts the Transmission RPC protocol
// (https://github.com/transmission/transmission/blob/main/docs/rpc-spec.md) to the
// downloader.Adapter capability set, speaking the wire protocol directly over
// net/http.
package transmission

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ptctl/fleet/internal/domain"
	"github.com/ptctl/fleet/internal/downloader/backoff"
)

// Adapter speaks Transmission RPC's session-ID/409 handshake: the server returns 409
// with an X-Transmission-Session-Id header on the first request of a session (or
// whenever the ID rotates), and every subsequent request must echo it back.
type Adapter struct {
	cfg       domain.Downloader
	http      *http.Client
	sessionID string
	mu        sync.Mutex
}

func New(d domain.Downloader) *Adapter {
	return &Adapter{cfg: d, http: &http.Client{Timeout: 30 * time.Second}}
}

func (a *Adapter) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	// A session-get round trip both verifies credentials and primes the session ID.
	_, err := a.rpcCall(ctx, "session-get", nil)
	return err
}

func (a *Adapter) Disconnect(context.Context) error {
	a.mu.Lock()
	a.sessionID = ""
	a.mu.Unlock()
	return nil
}

type rpcRequest struct {
	Method    string `json:"method"`
	Arguments any    `json:"arguments,omitempty"`
	Tag       int    `json:"tag,omitempty"`
}

type rpcResponse struct {
	Result    string          `json:"result"`
	Arguments json.RawMessage `json:"arguments"`
}

// query is rpcCall wrapped in the shared backoff policy, for the idempotent
// query methods only; mutations go straight through rpcCall.
func (a *Adapter) query(ctx context.Context, method string, args any) (json.RawMessage, error) {
	var raw json.RawMessage
	err := backoff.Retry(ctx, func(ctx context.Context) error {
		var callErr error
		raw, callErr = a.rpcCall(ctx, method, args)
		if callErr != nil && !errors.Is(callErr, domain.ErrTransient) {
			return backoff.Permanent(callErr)
		}
		return callErr
	})
	return raw, err
}

// rpcCall performs one RPC round trip, transparently retrying once on a 409 to pick up
// a rotated session ID.
func (a *Adapter) rpcCall(ctx context.Context, method string, args any) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{Method: method, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("%w: marshal rpc request: %v", domain.ErrPermanent, err)
	}

	resp, sessionRotated, err := a.do(ctx, body)
	if err != nil {
		return nil, err
	}
	if sessionRotated {
		resp, _, err = a.do(ctx, body)
		if err != nil {
			return nil, err
		}
	}

	var parsed rpcResponse
	if err := json.Unmarshal(resp, &parsed); err != nil {
		return nil, fmt.Errorf("%w: decode rpc response: %v", domain.ErrTransient, err)
	}
	if parsed.Result != "success" {
		return nil, fmt.Errorf("%w: transmission rpc %s: %s", domain.ErrPermanent, method, parsed.Result)
	}
	return parsed.Arguments, nil
}

func (a *Adapter) do(ctx context.Context, body []byte) (respBody []byte, sessionRotated bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("%w: build request: %v", domain.ErrPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.cfg.Username != "" {
		req.SetBasicAuth(a.cfg.Username, a.cfg.Password)
	}

	a.mu.Lock()
	sid := a.sessionID
	a.mu.Unlock()
	if sid != "" {
		req.Header.Set("X-Transmission-Session-Id", sid)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("%w: transmission request: %v", domain.ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		newSID := resp.Header.Get("X-Transmission-Session-Id")
		a.mu.Lock()
		a.sessionID = newSID
		a.mu.Unlock()
		return nil, true, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("%w: transmission http %d", domain.ErrPermanent, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, fmt.Errorf("%w: read response: %v", domain.ErrTransient, err)
	}
	return data, false, nil
}

type rpcTorrent struct {
	ID               int64   `json:"id"`
	HashString       string  `json:"hashString"`
	Name             string  `json:"name"`
	TotalSize        int64   `json:"totalSize"`
	PercentDone      float64 `json:"percentDone"`
	Status           int     `json:"status"`
	UploadedEver     int64   `json:"uploadedEver"`
	DownloadedEver   int64   `json:"downloadedEver"`
	UploadRatio      float64 `json:"uploadRatio"`
	RateUpload       int64   `json:"rateUpload"`
	RateDownload     int64   `json:"rateDownload"`
	PeersGettingFrom int     `json:"peersGettingFromUs"`
	PeersSendingTo   int     `json:"peersSendingToUs"`
	DownloadDir      string  `json:"downloadDir"`
	AddedDate        int64   `json:"addedDate"`
	SecondsSeeding   int64   `json:"secondsSeeding"`
	Labels           []string `json:"labels"`
	Trackers         []struct {
		Announce string `json:"announce"`
	} `json:"trackers"`
}

// Transmission status codes.
const (
	statusStopped      = 0
	statusCheckWait    = 1
	statusCheck        = 2
	statusDownloadWait = 3
	statusDownload     = 4
	statusSeedWait     = 5
	statusSeed         = 6
)

func mapStatus(s int) domain.TorrentStatus {
	switch s {
	case statusStopped:
		return domain.StatusPaused
	case statusCheckWait, statusCheck:
		return domain.StatusChecking
	case statusDownloadWait, statusDownload:
		return domain.StatusDownloading
	case statusSeedWait, statusSeed:
		return domain.StatusSeeding
	default:
		return domain.StatusQueued
	}
}

func (a *Adapter) GetTorrents(ctx context.Context, opts domain.GetOpts) ([]domain.TorrentDescriptor, error) {
	fields := []string{
		"id", "hashString", "name", "totalSize", "percentDone", "status",
		"uploadedEver", "downloadedEver", "uploadRatio", "rateUpload", "rateDownload",
		"peersGettingFromUs", "peersSendingToUs", "downloadDir", "addedDate",
		"secondsSeeding", "labels", "trackers",
	}
	args := map[string]any{"fields": fields}
	if len(opts.Hashes) > 0 {
		args["ids"] = opts.Hashes
	}

	raw, err := a.query(ctx, "torrent-get", args)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Torrents []rpcTorrent `json:"torrents"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("%w: decode torrent-get: %v", domain.ErrTransient, err)
	}

	out := make([]domain.TorrentDescriptor, 0, len(parsed.Torrents))
	for _, t := range parsed.Torrents {
		trackerURL := ""
		if len(t.Trackers) > 0 {
			trackerURL = t.Trackers[0].Announce
		}
		out = append(out, domain.TorrentDescriptor{
			Hash:            strings.ToLower(t.HashString),
			Name:            t.Name,
			Size:            t.TotalSize,
			Progress:        t.PercentDone,
			Status:          mapStatus(t.Status),
			Uploaded:        t.UploadedEver,
			Downloaded:      t.DownloadedEver,
			Ratio:           t.UploadRatio,
			UpSpeed:         t.RateUpload,
			DlSpeed:         t.RateDownload,
			Seeders:         0,
			Leechers:        t.PeersGettingFrom + t.PeersSendingTo,
			TrackerURL:      trackerURL,
			Tags:            t.Labels,
			SavePath:        t.DownloadDir,
			AddedTime:       time.Unix(t.AddedDate, 0),
			SeedingTimeSecs: t.SecondsSeeding,
		})
	}

	// Transmission's torrent-get never exposes an announce countdown; next-announce
	// reliability for this flavor falls back entirely to the cycle estimator's
	// publish_time/seeding_time/added_time ladder.
	_ = opts.WithReannounce
	return out, nil
}

func (a *Adapter) GetStats(ctx context.Context) (domain.Stats, error) {
	raw, err := a.query(ctx, "session-stats", nil)
	if err != nil {
		return domain.Stats{}, err
	}
	var parsed struct {
		UploadSpeed       int64 `json:"uploadSpeed"`
		DownloadSpeed     int64 `json:"downloadSpeed"`
		CumulativeStats   struct {
			UploadedBytes   int64 `json:"uploadedBytes"`
			DownloadedBytes int64 `json:"downloadedBytes"`
		} `json:"cumulative-stats"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return domain.Stats{}, fmt.Errorf("%w: decode session-stats: %v", domain.ErrTransient, err)
	}
	return domain.Stats{
		UpSpeed:         parsed.UploadSpeed,
		DlSpeed:         parsed.DownloadSpeed,
		TotalUploaded:   parsed.CumulativeStats.UploadedBytes,
		TotalDownloaded: parsed.CumulativeStats.DownloadedBytes,
	}, nil
}

func (a *Adapter) Add(ctx context.Context, payload []byte, isMagnet bool, opts domain.AddOpts) (string, error) {
	args := map[string]any{
		"download-dir": opts.SavePath,
		"paused":       opts.Paused,
	}
	if isMagnet {
		args["filename"] = string(payload)
	} else {
		args["metainfo"] = base64.StdEncoding.EncodeToString(payload)
	}

	raw, err := a.rpcCall(ctx, "torrent-add", args)
	if err != nil {
		return "", fmt.Errorf("%w: torrent-add: %v", domain.ErrTransient, err)
	}
	var parsed struct {
		TorrentAdded    *struct{ HashString string `json:"hashString"` } `json:"torrent-added"`
		TorrentDuplicate *struct{ HashString string `json:"hashString"` } `json:"torrent-duplicate"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("%w: decode torrent-add: %v", domain.ErrTransient, err)
	}
	switch {
	case parsed.TorrentAdded != nil:
		return strings.ToLower(parsed.TorrentAdded.HashString), nil
	case parsed.TorrentDuplicate != nil:
		return strings.ToLower(parsed.TorrentDuplicate.HashString), nil
	default:
		return "", fmt.Errorf("%w: torrent-add returned neither added nor duplicate", domain.ErrPermanent)
	}
}

func (a *Adapter) idsFor(hash string) map[string]any {
	return map[string]any{"ids": []string{hash}}
}

func (a *Adapter) Remove(ctx context.Context, hash string, deleteFiles bool) error {
	args := a.idsFor(hash)
	args["delete-local-data"] = deleteFiles
	_, err := a.rpcCall(ctx, "torrent-remove", args)
	return err
}

func (a *Adapter) Pause(ctx context.Context, hash string) error {
	_, err := a.rpcCall(ctx, "torrent-stop", a.idsFor(hash))
	return err
}

func (a *Adapter) Resume(ctx context.Context, hash string) error {
	_, err := a.rpcCall(ctx, "torrent-start", a.idsFor(hash))
	return err
}

func (a *Adapter) Reannounce(ctx context.Context, hash string) error {
	_, err := a.rpcCall(ctx, "torrent-reannounce", a.idsFor(hash))
	return err
}

func (a *Adapter) SetTorrentUploadLimit(ctx context.Context, hash string, bps int64) error {
	args := a.idsFor(hash)
	args["uploadLimit"] = bps / 1024
	args["uploadLimited"] = bps > 0
	_, err := a.rpcCall(ctx, "torrent-set", args)
	return err
}

func (a *Adapter) SetTorrentDownloadLimit(ctx context.Context, hash string, bps int64) error {
	args := a.idsFor(hash)
	args["downloadLimit"] = bps / 1024
	args["downloadLimited"] = bps > 0
	_, err := a.rpcCall(ctx, "torrent-set", args)
	return err
}

func (a *Adapter) SetGlobalUploadLimit(ctx context.Context, bps int64) error {
	_, err := a.rpcCall(ctx, "session-set", map[string]any{
		"speed-limit-up":      bps / 1024,
		"speed-limit-up-enabled": bps > 0,
	})
	return err
}

func (a *Adapter) SetGlobalDownloadLimit(ctx context.Context, bps int64) error {
	_, err := a.rpcCall(ctx, "session-set", map[string]any{
		"speed-limit-down":         bps / 1024,
		"speed-limit-down-enabled": bps > 0,
	})
	return err
}

func (a *Adapter) PauseAll(ctx context.Context) error {
	_, err := a.rpcCall(ctx, "torrent-stop", nil)
	return err
}

func (a *Adapter) ResumeAll(ctx context.Context) error {
	_, err := a.rpcCall(ctx, "torrent-start", nil)
	return err
}

func (a *Adapter) GetFreeSpace(ctx context.Context, path string) (int64, error) {
	raw, err := a.query(ctx, "free-space", map[string]any{"path": path})
	if err != nil {
		return 0, err
	}
	var parsed struct {
		SizeBytes int64 `json:"size-bytes"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return 0, fmt.Errorf("%w: decode free-space: %v", domain.ErrTransient, err)
	}
	return parsed.SizeBytes, nil
}

