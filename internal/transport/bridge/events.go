package bridge

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	"chatgate/internal/transport"
	logx "chatgate/pkg/logx"
)

const eventReadLimit = 1 << 20 // QR payloads are small; anything bigger is garbage.

// readEvents holds one WebSocket to the sidecar's status stream and pumps
// decoded updates into the shared channel. It returns on any read error; the
// supervisor restart loop re-dials with backoff.
func (b *Bridge) readEvents(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, b.cfg.EventsURL, nil)
	if err != nil {
		if resp != nil {
			drainClose(resp.Body)
		}
		return err
	}
	defer conn.Close()
	conn.SetReadLimit(eventReadLimit)

	b.log.Info("status stream connected", logx.String("url", b.cfg.EventsURL))

	// Unblock the read loop on shutdown.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		var u transport.StatusUpdate
		if err := conn.ReadJSON(&u); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if u.SessionID == "" {
			continue
		}
		b.pushUpdate(u)
	}
}
