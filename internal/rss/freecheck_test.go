// Copyright (c) 2025, the ptctl authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package rss

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerifyFree(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/free", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><span class="promo">Free Deal until tomorrow</span></body></html>`)
	})
	mux.HandleFunc("/paid", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><span>regular torrent</span></body></html>`)
	})
	mux.HandleFunc("/denied", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	ctx := context.Background()
	assert.True(t, VerifyFree(ctx, server.Client(), server.URL+"/free", "uid=1", "ua"))
	assert.False(t, VerifyFree(ctx, server.Client(), server.URL+"/paid", "uid=1", "ua"))
	// Any failure reads as not-free.
	assert.False(t, VerifyFree(ctx, server.Client(), server.URL+"/denied", "uid=1", "ua"))
	assert.False(t, VerifyFree(ctx, server.Client(), "http://127.0.0.1:1/x", "", "ua"))
}
