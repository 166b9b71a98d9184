// Copyright (c) 2025, the ptctl authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import "errors"

// Sentinel error categories per the error-handling taxonomy: transient failures are
// retried by callers, permanent ones are logged and skipped, invariant violations are
// fatal to the owning subsystem only.
var (
	ErrNotFound      = errors.New("not found")
	ErrTransient     = errors.New("transient failure")
	ErrPermanent     = errors.New("permanent failure")
	ErrAuthExpired   = errors.New("authentication expired")
	ErrInvariant     = errors.New("local invariant violation")
	ErrUnsupportedOp = errors.New("operation not supported by this downloader flavor")
)
