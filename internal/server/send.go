package server

import (
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"chatgate/internal/dispatch"
	logx "chatgate/pkg/logx"
)

const maxUploadBytes = 32 << 20

var validate = validator.New()

// sendRequest is the parsed shape of POST /api/send-message.
// Recipients arrive as a JSON-encoded array in a multipart field.
type sendRequest struct {
	Message    string   `validate:"required"`
	Recipients []string `validate:"required,min=1,dive,required"`
	Schedule   string   `validate:"omitempty"`
	Username   string   `validate:"required"`
}

// handleSendMessage accepts a dispatch request: validates shape, stages the
// optional attachment, ensures the session exists, and schedules the send.
// A 200 means "scheduled", not "delivered"; downstream send failures are
// observable via logs and the ledger only.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", "*")

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}

	req := sendRequest{
		Message:  r.FormValue("message"),
		Schedule: r.FormValue("schedule"),
		Username: strings.TrimSpace(r.FormValue("username")),
	}

	rawRecipients := r.FormValue("recipients")
	if err := json.Unmarshal([]byte(rawRecipients), &req.Recipients); err != nil {
		writeError(w, http.StatusBadRequest, "recipients must be a JSON array of identifiers")
		return
	}
	// Order-preserving dedupe; duplicate recipients would double-send.
	req.Recipients = lo.Uniq(req.Recipients)

	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	firesAt, err := s.sched.ParseScheduleTime(req.Schedule)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Idempotency: a repeated key within the window acks without scheduling
	// a second dispatch.
	idemKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if idemKey != "" && s.store != nil {
		if _, ok, err := s.store.GetIdempotency(r.Context(), idemKey); err == nil && ok {
			writeJSON(w, http.StatusOK, map[string]any{
				"success": true,
				"message": "message already scheduled",
			})
			return
		}
	}

	attachment, err := s.stageUpload(r)
	if err != nil {
		s.log.Error("attachment staging failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "failed to store attachment")
		return
	}

	if _, err := s.sessions.EnsureStarted(r.Context(), req.Username); err != nil {
		removeStaged(attachment)
		writeError(w, http.StatusInternalServerError, "failed to ensure session")
		return
	}

	id, err := s.sched.Schedule(dispatch.Dispatch{
		SessionID:  req.Username,
		Message:    req.Message,
		Recipients: req.Recipients,
		Attachment: attachment,
		FiresAt:    firesAt,
	})
	if err != nil {
		removeStaged(attachment)
		s.log.Error("schedule failed", logx.String("session", req.Username), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "failed to schedule message")
		return
	}

	if idemKey != "" && s.store != nil {
		if err := s.store.PutIdempotency(r.Context(), idemKey, time.Now().Add(s.cfg.IdempotencyWindow)); err != nil {
			s.log.Warn("idempotency put failed", logx.Err(err))
		}
	}

	s.log.Info("dispatch accepted",
		logx.String("dispatch", id),
		logx.String("session", req.Username),
		logx.Int("recipients", len(req.Recipients)),
		logx.Time("fires_at", firesAt))

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "message scheduled",
	})
}

// stageUpload copies an optional "file" part into the uploads dir and
// returns its path ("" when no file was sent). The file is consumed (and
// removed) by the scheduler once the dispatch finalizes.
func (s *Server) stageUpload(r *http.Request) (string, error) {
	f, hdr, err := r.FormFile("file")
	if err != nil {
		if err == http.ErrMissingFile {
			return "", nil
		}
		return "", err
	}
	defer f.Close()

	if err := os.MkdirAll(s.cfg.UploadsDir, 0o755); err != nil {
		return "", err
	}

	// Never trust the client filename; keep only its extension.
	name := uuid.NewString() + filepath.Ext(filepath.Base(hdr.Filename))
	path := filepath.Join(s.cfg.UploadsDir, name)

	dst, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, f); err != nil {
		_ = dst.Close()
		_ = os.Remove(path)
		return "", err
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return path, nil
}

func removeStaged(path string) {
	if path == "" {
		return
	}
	_ = os.Remove(path)
}
