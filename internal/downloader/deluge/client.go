// Copyright (c) 2025, the ptctl authors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package deluge adapts Deluge's WebUI JSON-RPC dialect (auth.login followed by
// core.* method calls over a cookie-bearing HTTP session) to the downloader.Adapter
// capability set, speaking JSON-RPC directly over net/http like the transmission
// package.
package deluge

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
	"sync/atomic"
	"time"

	"github.com/ptctl/fleet/internal/domain"
	"github.com/ptctl/fleet/internal/downloader/backoff"
)

// Adapter drives the Deluge WebUI JSON-RPC endpoint. Deluge's WebUI assigns a cookie
// on auth.login and expects every subsequent call to carry it; there is no separate
// CSRF handshake as with Transmission.
type Adapter struct {
	cfg       domain.Downloader
	http      *http.Client
	requestID atomic.Int64
	mu        sync.Mutex
	cookie    string
}

func New(d domain.Downloader) *Adapter {
	return &Adapter{cfg: d, http: &http.Client{Timeout: 30 * time.Second}}
}

type rpcRequest struct {
	Method string `json:"method"`
	Params []any  `json:"params"`
	ID     int64  `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error"`
	ID int64 `json:"id"`
}

func (a *Adapter) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	raw, err := a.call(ctx, "auth.login", []any{a.cfg.Password})
	if err != nil {
		return fmt.Errorf("deluge: auth.login: %w", err)
	}
	var ok bool
	if err := json.Unmarshal(raw, &ok); err != nil {
		return fmt.Errorf("%w: decode auth.login result: %v", domain.ErrTransient, err)
	}
	if !ok {
		return fmt.Errorf("%w: deluge auth.login rejected", domain.ErrAuthExpired)
	}

	// core.get_free_space and friends require a "connected" WebUI session in addition
	// to auth. Only web.connected is queried here, and its result and error are
	// ignored; web.connect is never called, so a WebUI that is not already connected
	// to a daemon stays unconnected.
	if _, err := a.call(ctx, "web.connected", nil); err != nil {
		return nil
	}
	return nil
}

func (a *Adapter) Disconnect(context.Context) error {
	a.mu.Lock()
	a.cookie = ""
	a.mu.Unlock()
	return nil
}

func (a *Adapter) call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	id := a.requestID.Add(1)
	body, err := json.Marshal(rpcRequest{Method: method, Params: params, ID: id})
	if err != nil {
		return nil, fmt.Errorf("%w: marshal deluge request: %v", domain.ErrPermanent, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", domain.ErrPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")

	a.mu.Lock()
	cookie := a.cookie
	a.mu.Unlock()
	if cookie != "" {
		req.Header.Set("Cookie", cookie)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: deluge request: %v", domain.ErrTransient, err)
	}
	defer resp.Body.Close()

	if sc := resp.Header.Get("Set-Cookie"); sc != "" {
		a.mu.Lock()
		a.cookie = strings.SplitN(sc, ";", 2)[0]
		a.mu.Unlock()
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: deluge http %d", domain.ErrPermanent, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", domain.ErrTransient, err)
	}
	var parsed rpcResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("%w: decode deluge response: %v", domain.ErrTransient, err)
	}
	if parsed.Error != nil {
		if strings.Contains(strings.ToLower(parsed.Error.Message), "not authenticated") {
			return nil, fmt.Errorf("%w: %s", domain.ErrAuthExpired, parsed.Error.Message)
		}
		return nil, fmt.Errorf("%w: deluge %s: %s", domain.ErrPermanent, method, parsed.Error.Message)
	}
	return parsed.Result, nil
}

// withRelogin retries a call once after re-authenticating if the session expired
// mid-call, mirroring the qbittorrent adapter's relogin-on-401 pattern.
func (a *Adapter) withRelogin(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	raw, err := a.call(ctx, method, params)
	if err == nil {
		return raw, nil
	}
	if !isAuthExpired(err) {
		return nil, err
	}
	if cErr := a.Connect(ctx); cErr != nil {
		return nil, fmt.Errorf("deluge: relogin: %w", cErr)
	}
	return a.call(ctx, method, params)
}

func isAuthExpired(err error) bool {
	return err != nil && strings.Contains(err.Error(), domain.ErrAuthExpired.Error())
}

// query is withRelogin wrapped in the shared backoff policy, for the idempotent
// query methods only; mutations go straight through withRelogin.
func (a *Adapter) query(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	var raw json.RawMessage
	err := backoff.Retry(ctx, func(ctx context.Context) error {
		var callErr error
		raw, callErr = a.withRelogin(ctx, method, params)
		if callErr != nil && !errors.Is(callErr, domain.ErrTransient) {
			return backoff.Permanent(callErr)
		}
		return callErr
	})
	return raw, err
}

type torrentStatus struct {
	Hash             string   `json:"hash"`
	Name             string   `json:"name"`
	TotalSize        int64    `json:"total_size"`
	Progress         float64  `json:"progress"`
	State            string   `json:"state"`
	TotalUploaded    int64    `json:"total_uploaded"`
	TotalDone        int64    `json:"total_done"`
	Ratio            float64  `json:"ratio"`
	UploadPayloadRate int64   `json:"upload_payload_rate"`
	DownloadPayloadRate int64 `json:"download_payload_rate"`
	NumSeeds         int      `json:"num_seeds"`
	NumPeers         int      `json:"num_peers"`
	TrackerHost      string   `json:"tracker_host"`
	Label            string   `json:"label"`
	SavePath         string   `json:"save_path"`
	TimeAdded        float64  `json:"time_added"`
	SeedingTime      int64    `json:"seeding_time"`
	NextAnnounce     int64    `json:"next_announce"`
}

var statusFields = []string{
	"hash", "name", "total_size", "progress", "state", "total_uploaded", "total_done",
	"ratio", "upload_payload_rate", "download_payload_rate", "num_seeds", "num_peers",
	"tracker_host", "label", "save_path", "time_added", "seeding_time", "next_announce",
}

func mapState(s string) domain.TorrentStatus {
	switch strings.ToLower(s) {
	case "downloading":
		return domain.StatusDownloading
	case "seeding":
		return domain.StatusSeeding
	case "paused":
		return domain.StatusPaused
	case "checking":
		return domain.StatusChecking
	case "queued":
		return domain.StatusQueued
	case "error":
		return domain.StatusError
	default:
		return domain.StatusQueued
	}
}

func (a *Adapter) GetTorrents(ctx context.Context, opts domain.GetOpts) ([]domain.TorrentDescriptor, error) {
	filter := map[string]any{}
	if len(opts.Hashes) > 0 {
		// core.get_torrents_status has no native hash-list filter; the caller's
		// Hashes list is applied client-side below instead.
	}
	raw, err := a.query(ctx, "core.get_torrents_status", []any{filter, statusFields})
	if err != nil {
		return nil, err
	}
	var parsed map[string]torrentStatus
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("%w: decode get_torrents_status: %v", domain.ErrTransient, err)
	}

	want := make(map[string]bool, len(opts.Hashes))
	for _, h := range opts.Hashes {
		want[strings.ToLower(h)] = true
	}

	out := make([]domain.TorrentDescriptor, 0, len(parsed))
	for hash, t := range parsed {
		hash = strings.ToLower(hash)
		if len(want) > 0 && !want[hash] {
			continue
		}
		td := domain.TorrentDescriptor{
			Hash:            hash,
			Name:            t.Name,
			Size:            t.TotalSize,
			Progress:        t.Progress / 100,
			Status:          mapState(t.State),
			Uploaded:        t.TotalUploaded,
			Downloaded:      t.TotalDone,
			Ratio:           t.Ratio,
			UpSpeed:         t.UploadPayloadRate,
			DlSpeed:         t.DownloadPayloadRate,
			Seeders:         t.NumSeeds,
			Leechers:        t.NumPeers,
			TrackerURL:      t.TrackerHost,
			Tags:            splitLabel(t.Label),
			SavePath:        t.SavePath,
			AddedTime:       time.Unix(int64(t.TimeAdded), 0),
			SeedingTimeSecs: t.SeedingTime,
		}
		if opts.WithReannounce {
			td.NextAnnounceTime = domain.NormalizeNextAnnounce(t.NextAnnounce, time.Now().Unix())
		}
		out = append(out, td)
	}
	return out, nil
}

func splitLabel(label string) []string {
	if label == "" {
		return nil
	}
	return []string{label}
}

func (a *Adapter) GetStats(ctx context.Context) (domain.Stats, error) {
	raw, err := a.query(ctx, "core.get_session_status", []any{[]string{
		"upload_rate", "download_rate", "total_upload", "total_download",
	}})
	if err != nil {
		return domain.Stats{}, err
	}
	var parsed struct {
		UploadRate     float64 `json:"upload_rate"`
		DownloadRate   float64 `json:"download_rate"`
		TotalUpload    int64   `json:"total_upload"`
		TotalDownload  int64   `json:"total_download"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return domain.Stats{}, fmt.Errorf("%w: decode session_status: %v", domain.ErrTransient, err)
	}
	return domain.Stats{
		UpSpeed:         int64(parsed.UploadRate),
		DlSpeed:         int64(parsed.DownloadRate),
		TotalUploaded:   parsed.TotalUpload,
		TotalDownloaded: parsed.TotalDownload,
	}, nil
}

func (a *Adapter) Add(ctx context.Context, payload []byte, isMagnet bool, opts domain.AddOpts) (string, error) {
	addOpts := map[string]any{
		"download_location": opts.SavePath,
		"add_paused":        opts.Paused,
	}
	var raw json.RawMessage
	var err error
	if isMagnet {
		raw, err = a.withRelogin(ctx, "core.add_torrent_magnet", []any{string(payload), addOpts})
	} else {
		raw, err = a.withRelogin(ctx, "core.add_torrent_file", []any{"upload.torrent", base64.StdEncoding.EncodeToString(payload), addOpts})
	}
	if err != nil {
		return "", fmt.Errorf("%w: add_torrent: %v", domain.ErrTransient, err)
	}
	var hash string
	if err := json.Unmarshal(raw, &hash); err != nil {
		return "", fmt.Errorf("%w: decode add_torrent result: %v", domain.ErrTransient, err)
	}
	if hash == "" {
		return "", fmt.Errorf("%w: deluge add_torrent returned no hash (likely duplicate)", domain.ErrPermanent)
	}
	return strings.ToLower(hash), nil
}

func (a *Adapter) Remove(ctx context.Context, hash string, deleteFiles bool) error {
	_, err := a.withRelogin(ctx, "core.remove_torrent", []any{hash, deleteFiles})
	return err
}

func (a *Adapter) Pause(ctx context.Context, hash string) error {
	_, err := a.withRelogin(ctx, "core.pause_torrent", []any{[]string{hash}})
	return err
}

func (a *Adapter) Resume(ctx context.Context, hash string) error {
	_, err := a.withRelogin(ctx, "core.resume_torrent", []any{[]string{hash}})
	return err
}

func (a *Adapter) Reannounce(ctx context.Context, hash string) error {
	_, err := a.withRelogin(ctx, "core.force_reannounce", []any{[]string{hash}})
	return err
}

func (a *Adapter) SetTorrentUploadLimit(ctx context.Context, hash string, bps int64) error {
	_, err := a.withRelogin(ctx, "core.set_torrent_options", []any{[]string{hash}, map[string]any{
		"max_upload_speed": kibps(bps),
	}})
	return err
}

func (a *Adapter) SetTorrentDownloadLimit(ctx context.Context, hash string, bps int64) error {
	_, err := a.withRelogin(ctx, "core.set_torrent_options", []any{[]string{hash}, map[string]any{
		"max_download_speed": kibps(bps),
	}})
	return err
}

func (a *Adapter) SetGlobalUploadLimit(ctx context.Context, bps int64) error {
	_, err := a.withRelogin(ctx, "core.set_config", []any{map[string]any{
		"max_upload_speed": kibps(bps),
	}})
	return err
}

func (a *Adapter) SetGlobalDownloadLimit(ctx context.Context, bps int64) error {
	_, err := a.withRelogin(ctx, "core.set_config", []any{map[string]any{
		"max_download_speed": kibps(bps),
	}})
	return err
}

// kibps converts bytes/sec to Deluge's KiB/s convention; 0 is treated as "limited to
// zero" by Deluge itself, so a disabled limit must be represented as -1.
func kibps(bps int64) float64 {
	if bps <= 0 {
		return -1
	}
	return float64(bps) / 1024
}

func (a *Adapter) PauseAll(ctx context.Context) error {
	_, err := a.withRelogin(ctx, "core.pause_all_torrents", nil)
	return err
}

func (a *Adapter) ResumeAll(ctx context.Context) error {
	_, err := a.withRelogin(ctx, "core.resume_all_torrents", nil)
	return err
}

func (a *Adapter) GetFreeSpace(ctx context.Context, path string) (int64, error) {
	raw, err := a.query(ctx, "core.get_free_space", []any{path})
	if err != nil {
		return 0, err
	}
	var free int64
	if err := json.Unmarshal(raw, &free); err != nil {
		return 0, fmt.Errorf("%w: decode get_free_space: %v", domain.ErrTransient, err)
	}
	return free, nil
}

