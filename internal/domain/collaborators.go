// Copyright (c) 2025, the ptctl authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import "context"

// EventName enumerates the event protocol emitted to out-of-scope notifier/webhook
// subsystems. Their templating and delivery are not part of this core.
type EventName string

const (
	EventRSSDownload     EventName = "rss_download"
	EventRSSBatch        EventName = "rss_batch"
	EventDelete          EventName = "delete"
	EventDeleteBatch     EventName = "delete_batch"
	EventSpeedLimit      EventName = "speed_limit"
	EventError           EventName = "error"
	EventDownloaderOff   EventName = "downloader_offline"
	EventLowDiskSpace    EventName = "low_disk_space"
)

// Event is the structured payload the core hands to out-of-scope collaborators.
type Event struct {
	Name    EventName
	Payload map[string]any
}

// Notifier is satisfied by the out-of-scope notification subsystem. The core only
// ever calls Notify; message templating lives entirely outside this repository's core.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// WebhookDispatcher is satisfied by the out-of-scope webhook subsystem.
type WebhookDispatcher interface {
	Dispatch(ctx context.Context, event Event) error
}

// NoopNotifier discards every event. It is the default collaborator wired in when no
// notification subsystem is configured, keeping the core runnable standalone.
type NoopNotifier struct{}

func (NoopNotifier) Notify(context.Context, Event) error { return nil }

// NoopWebhookDispatcher discards every event.
type NoopWebhookDispatcher struct{}

func (NoopWebhookDispatcher) Dispatch(context.Context, Event) error { return nil }
