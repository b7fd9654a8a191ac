// Package bridge is the production transport adapter: an HTTP/WebSocket
// client for a wa-multi-session sidecar that owns the actual protocol
// connections.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"chatgate/internal/runtime/supervisor"
	"chatgate/internal/transport"
	logx "chatgate/pkg/logx"
)

type Config struct {
	// BaseURL is the sidecar HTTP API root, e.g. "http://127.0.0.1:3011".
	BaseURL string
	// EventsURL is the sidecar status-stream WebSocket endpoint,
	// e.g. "ws://127.0.0.1:3011/events". Empty disables the stream.
	EventsURL string
	// RatePerSec paces outbound send calls. <=0 means unlimited.
	RatePerSec int
	// RequestTimeout bounds individual HTTP calls.
	RequestTimeout time.Duration
}

var _ transport.Transport = (*Bridge)(nil)

type Bridge struct {
	cfg Config
	log logx.Logger

	http *http.Client

	mu      sync.Mutex
	limiter *rate.Limiter
	running bool

	sup     *supervisor.Supervisor
	updates chan transport.StatusUpdate
}

func New(cfg Config, log logx.Logger) (*Bridge, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("bridge: base_url is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	b := &Bridge{
		cfg:     cfg,
		log:     log,
		http:    &http.Client{Timeout: timeout},
		updates: make(chan transport.StatusUpdate, 256),
	}
	b.limiter = newLimiter(cfg.RatePerSec)
	return b, nil
}

func newLimiter(rps int) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(rps), rps)
}

// ApplyRate swaps the outbound send pacing at runtime.
func (b *Bridge) ApplyRate(rps int) {
	b.mu.Lock()
	b.limiter = newLimiter(rps)
	b.mu.Unlock()
}

func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = true
	b.sup = supervisor.New(ctx, supervisor.WithLogger(b.log))
	sup := b.sup
	b.mu.Unlock()

	if strings.TrimSpace(b.cfg.EventsURL) != "" {
		sup.GoRestart("bridge.events", b.readEvents,
			supervisor.WithRestartBackoff(500*time.Millisecond, 15*time.Second))
	}
	b.log.Info("transport bridge started", logx.String("base_url", b.cfg.BaseURL))
	return nil
}

func (b *Bridge) Stop(ctx context.Context) error {
	b.mu.Lock()
	sup := b.sup
	b.sup = nil
	b.running = false
	b.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Stop(ctx)
}

func (b *Bridge) Updates() <-chan transport.StatusUpdate { return b.updates }

// pushUpdate delivers an update without ever blocking the event reader.
// When the consumer lags, the oldest queued update is discarded.
func (b *Bridge) pushUpdate(u transport.StatusUpdate) {
	for {
		select {
		case b.updates <- u:
			return
		default:
			select {
			case <-b.updates:
				b.log.Debug("status update dropped (consumer slow)",
					logx.String("session", u.SessionID))
			default:
			}
		}
	}
}

func (b *Bridge) StartSession(ctx context.Context, id string) error {
	body := map[string]string{"session": id}
	if err := b.postJSON(ctx, "/session/start", body, nil); err != nil {
		return fmt.Errorf("start session %q: %w", id, err)
	}
	return nil
}

func (b *Bridge) Sessions(ctx context.Context) ([]string, error) {
	var out struct {
		Sessions []string `json:"sessions"`
	}
	if err := b.getJSON(ctx, "/sessions", &out); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out.Sessions, nil
}

func (b *Bridge) SendText(ctx context.Context, msg transport.SendText) error {
	if err := b.waitSend(ctx); err != nil {
		return err
	}
	if err := b.postJSON(ctx, "/message/send-text", msg, nil); err != nil {
		return fmt.Errorf("send text (session %q): %w", msg.SessionID, err)
	}
	return nil
}

func (b *Bridge) SendMedia(ctx context.Context, msg transport.SendMedia) error {
	if err := b.waitSend(ctx); err != nil {
		return err
	}

	f, err := os.Open(msg.FilePath)
	if err != nil {
		return fmt.Errorf("send media (session %q): %w", msg.SessionID, err)
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("session", msg.SessionID)
	for _, to := range msg.To {
		_ = mw.WriteField("to", to)
	}
	fw, err := mw.CreateFormFile("file", filepath.Base(msg.FilePath))
	if err != nil {
		return err
	}
	if _, err := io.Copy(fw, f); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.BaseURL+"/message/send-media", &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := b.http.Do(req)
	if err != nil {
		return fmt.Errorf("send media (session %q): %w", msg.SessionID, err)
	}
	defer drainClose(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("send media (session %q): sidecar returned %s", msg.SessionID, resp.Status)
	}
	return nil
}

func (b *Bridge) waitSend(ctx context.Context) error {
	b.mu.Lock()
	lim := b.limiter
	b.mu.Unlock()
	return lim.Wait(ctx)
}

func (b *Bridge) postJSON(ctx context.Context, path string, in any, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return b.doJSON(req, out)
}

func (b *Bridge) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.cfg.BaseURL+path, nil)
	if err != nil {
		return err
	}
	return b.doJSON(req, out)
}

func (b *Bridge) doJSON(req *http.Request, out any) error {
	resp, err := b.http.Do(req)
	if err != nil {
		return err
	}
	defer drainClose(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("sidecar returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func drainClose(rc io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, 4096))
	_ = rc.Close()
}
