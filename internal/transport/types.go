// Package transport defines the boundary to the component that actually
// speaks the messaging protocol: session start/teardown, text/media sends,
// and the per-session connection status stream.
package transport

import "context"

// StatusUpdate is one connection/authentication update for a session.
// QR carries a pairing payload while the session is unauthenticated;
// Connection is the transport's connection state ("connecting", "open",
// "close").
type StatusUpdate struct {
	SessionID  string `json:"session"`
	QR         string `json:"qr,omitempty"`
	Connection string `json:"connection,omitempty"`
}

// ConnectionOpen is the Connection value signalling a session became usable.
const ConnectionOpen = "open"

type SendText struct {
	SessionID string   `json:"session"`
	To        []string `json:"to"`
	Text      string   `json:"text"`
}

type SendMedia struct {
	SessionID string   `json:"session"`
	To        []string `json:"to"`
	FilePath  string   `json:"-"`
}

// Transport is the full adapter capability.
//
// StartSession is asynchronous on the provider side: a nil error means the
// start was accepted, not that the session authenticated. Authentication
// progress arrives on Updates().
type Transport interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	StartSession(ctx context.Context, id string) error
	Sessions(ctx context.Context) ([]string, error)
	SendText(ctx context.Context, msg SendText) error
	SendMedia(ctx context.Context, msg SendMedia) error

	// Updates yields status updates for all sessions. The producer never
	// blocks; when the consumer lags, the oldest update is dropped.
	Updates() <-chan StatusUpdate
}
