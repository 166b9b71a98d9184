// Copyright (c) 2025, the ptctl authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	"github.com/zeebo/bencode"
)

// torrentFile models just enough of the .torrent structure to re-encode the info
// dictionary exactly as received, which is required for the SHA-1 to match the
// tracker/client's own computation.
type torrentFile struct {
	Info bencode.RawMessage `bencode:"info"`
}

// InfohashFromTorrentBytes computes the infohash of a .torrent payload by taking
// SHA-1 over the bencoded "info" subdictionary, without re-serializing it (bencode
// dictionaries must preserve their original byte-for-byte key ordering).
func InfohashFromTorrentBytes(payload []byte) (string, error) {
	var tf torrentFile
	if err := bencode.DecodeBytes(payload, &tf); err != nil {
		return "", fmt.Errorf("decode torrent file: %w", err)
	}
	if len(tf.Info) == 0 {
		return "", fmt.Errorf("torrent file has no info dictionary")
	}
	sum := sha1.Sum(tf.Info)
	return hex.EncodeToString(sum[:]), nil
}

// infohashFromMagnet extracts the infohash already embedded in a magnet URI's
// "xt=urn:btih:" parameter; magnets carry no .torrent payload to hash.
func infohashFromMagnet(magnet string) (string, error) {
	u, err := url.Parse(magnet)
	if err != nil {
		return "", fmt.Errorf("parse magnet: %w", err)
	}
	for _, xt := range u.Query()["xt"] {
		const prefix = "urn:btih:"
		if strings.HasPrefix(xt, prefix) {
			return strings.ToLower(strings.TrimPrefix(xt, prefix)), nil
		}
	}
	return "", fmt.Errorf("magnet missing btih infohash")
}
