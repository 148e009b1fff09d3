// Package notify is the change-notification channel of the document API.
//
// Observers address changes by URI, the way a host content resolver does:
//
//	content://<authority>/root                      roots changed
//	content://<authority>/document/<id>             one document changed
//	content://<authority>/document/<id>/children    a folder listing changed
//
// Every notification bumps a per-URI sequence number and is broadcast to the
// current subscribers. Sequence numbers give at-least-once, monotonically
// ordered delivery per URI to anybody polling or waiting on them; channel
// subscribers are best effort and miss changes when they fall behind.
package notify

import (
	"context"
	"sync"
	"time"
)

// DefaultAuthority is used when no authority is configured.
const DefaultAuthority = "com.dittomtp.documents"

const subscriberBuffer = 64

// Change describes one notification.
type Change struct {
	URI       string `json:"uri"`
	Seq       uint64 `json:"seq"`
	Timestamp int64  `json:"timestamp"`
}

// Resolver records and broadcasts change notifications.
type Resolver struct {
	authority string

	mu          sync.Mutex
	counts      map[string]uint64
	changed     chan struct{} // closed and replaced on every notification
	subscribers map[chan Change]struct{}
}

// NewResolver creates a resolver for authority.
func NewResolver(authority string) *Resolver {
	if authority == "" {
		authority = DefaultAuthority
	}
	return &Resolver{
		authority:   authority,
		counts:      make(map[string]uint64),
		changed:     make(chan struct{}),
		subscribers: make(map[chan Change]struct{}),
	}
}

// Authority returns the authority part of every URI.
func (r *Resolver) Authority() string {
	return r.authority
}

// RootsURI addresses the list of roots.
func (r *Resolver) RootsURI() string {
	return "content://" + r.authority + "/root"
}

// DocumentURI addresses one document.
func (r *Resolver) DocumentURI(documentID string) string {
	return "content://" + r.authority + "/document/" + documentID
}

// ChildDocumentsURI addresses the listing of a folder.
func (r *Resolver) ChildDocumentsURI(documentID string) string {
	return r.DocumentURI(documentID) + "/children"
}

// NotifyChange records a change of uri and returns its new sequence number.
func (r *Resolver) NotifyChange(uri string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.counts[uri]++
	seq := r.counts[uri]

	close(r.changed)
	r.changed = make(chan struct{})

	change := Change{URI: uri, Seq: seq, Timestamp: time.Now().UnixMilli()}
	for ch := range r.subscribers {
		select {
		case ch <- change:
		default:
			// Drop for slow consumer; the sequence number still records it.
		}
	}
	return seq
}

// ChangeCount returns how many changes uri has seen.
func (r *Resolver) ChangeCount(uri string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[uri]
}

// WaitForNotification blocks until uri has seen at least n changes or ctx is
// done.
func (r *Resolver) WaitForNotification(ctx context.Context, uri string, n uint64) error {
	for {
		r.mu.Lock()
		count := r.counts[uri]
		changed := r.changed
		r.mu.Unlock()

		if count >= n {
			return nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Subscribe adds a subscriber and returns its channel.
// The caller must call Unsubscribe when done.
func (r *Resolver) Subscribe() chan Change {
	ch := make(chan Change, subscriberBuffer)
	r.mu.Lock()
	r.subscribers[ch] = struct{}{}
	r.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (r *Resolver) Unsubscribe(ch chan Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subscribers[ch]; !ok {
		return
	}
	delete(r.subscribers, ch)
	close(ch)
}

// SubscriberCount returns the current number of subscribers.
func (r *Resolver) SubscriberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subscribers)
}
