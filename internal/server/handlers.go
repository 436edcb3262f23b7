package server

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"

	"tripwire/internal/detect"
	"tripwire/internal/push"
	"tripwire/internal/realtime"
	"tripwire/internal/schemavalidation"
)

// Explicit message the client shows when push is unconfigured.
const msgNoVAPIDKey = "The server hasn't set up a VAPID app server key"

const maxBodyBytes = 64 << 10

type bootstrapResponse struct {
	PubKeyPEM       string         `json:"pubkey_pem"`
	PubKeySSH       string         `json:"pubkey_ssh,omitempty"`
	PubKeyHash      string         `json:"pubkey_hash,omitempty"`
	ServerStartTime float64        `json:"server_start_time"`
	ClientConfig    map[string]any `json:"client_config"`
	State           string         `json:"state"`
}

type armResponse struct {
	SessionID  string `json:"session_id"`
	ArmedAt    int64  `json:"armed_at"`
	PIR        *int64 `json:"pir"`
	Cam        *int64 `json:"cam"`
	PubKeyPEM  string `json:"pubkey_pem"`
	PubKeyHash string `json:"pubkey_hash"`
}

type pushRegistration struct {
	OldSub *push.Subscription `json:"old_sub"`
	NewSub push.Subscription  `json:"new_sub"`
}

type regetRequest struct {
	Timestamps []int64 `json:"timestamps"`
}

func (s *Server) handleBootstrap(w http.ResponseWriter, r *http.Request) {
	resp := bootstrapResponse{
		ServerStartTime: float64(s.cfg.StartTime.UnixNano()) / 1e9,
		ClientConfig:    s.cfg.ClientConfig(),
		State:           s.cfg.Controller.State().String(),
	}
	if sess := s.cfg.Controller.Session(); sess != nil {
		kp := sess.Keypair()
		if pem, err := kp.PublicKeyPEM(); err == nil {
			resp.PubKeyPEM = string(pem)
		}
		if ssh, err := kp.AuthorizedKey(); err == nil {
			resp.PubKeySSH = string(ssh)
		}
		resp.PubKeyHash = kp.PubKeyHash()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleArm(w http.ResponseWriter, r *http.Request) {
	sess, err := s.cfg.Controller.Arm(r.Context())
	switch {
	case errors.Is(err, detect.ErrAlreadyArmed):
		http.Error(w, "already armed", http.StatusConflict)
		return
	case err != nil:
		s.internalError(w, "arm failed", err)
		return
	}
	s.writeSession(w, sess)
}

func (s *Server) handleReArm(w http.ResponseWriter, r *http.Request) {
	sess, err := s.cfg.Controller.ReArm(r.Context())
	if err != nil {
		s.internalError(w, "re-arm failed", err)
		return
	}
	s.writeSession(w, sess)
}

func (s *Server) writeSession(w http.ResponseWriter, sess *detect.Session) {
	pem, err := sess.Keypair().PublicKeyPEM()
	if err != nil {
		s.internalError(w, "encode public key", err)
		return
	}
	secrets := sess.Secrets()
	writeJSON(w, http.StatusOK, armResponse{
		SessionID:  sess.ID(),
		ArmedAt:    sess.ArmedAt().Unix(),
		PIR:        secrets.PIR,
		Cam:        secrets.Cam,
		PubKeyPEM:  string(pem),
		PubKeyHash: secrets.PubKeyHash,
	})
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	if lim := s.cfg.PreviewLimiter; lim != nil && !lim.Allow() {
		wait := int(math.Ceil(lim.RetryAfter().Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(max(wait, 1)))
		http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		return
	}
	frame, err := s.cfg.Controller.Preview(r.Context())
	if err != nil {
		s.internalError(w, "preview failed", err)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(frame)))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(frame)
}

func (s *Server) handleVAPIDKey(w http.ResponseWriter, r *http.Request) {
	key := s.cfg.VAPIDPublicKey()
	if key == "" {
		s.logger.Error("vapid key requested but not configured")
		http.Error(w, msgNoVAPIDKey, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, key)
}

func (s *Server) handleRegisterPush(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	var req pushRegistration
	if err := schemavalidation.Decode(schemavalidation.PushRegistration, body, &req); err != nil {
		s.logger.Warn("invalid push registration", "error", err)
		http.Error(w, "invalid subscription", http.StatusBadRequest)
		return
	}

	s.cfg.Subscriptions.Upsert(req.OldSub, req.NewSub)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "Received")
}

// handleReget answers an observer's "reget photos" request. The payload
// is either the request object or a JSON string holding it.
func (s *Server) handleReget(c *realtime.Client, data json.RawMessage) {
	payload := []byte(data)
	var wrapped string
	if err := json.Unmarshal(data, &wrapped); err == nil {
		payload = []byte(wrapped)
	}

	var req regetRequest
	if err := schemavalidation.Decode(schemavalidation.RegetPhotos, payload, &req); err != nil {
		s.logger.Warn("invalid reget request", "client_id", c.ID(), "error", err)
		return
	}
	if len(req.Timestamps) == 0 {
		return
	}
	missing := s.cfg.Replayer.Replay(req.Timestamps)
	s.logger.Debug("reget served",
		"client_id", c.ID(),
		"requested", len(req.Timestamps),
		"missing", len(missing))
}

func (s *Server) internalError(w http.ResponseWriter, msg string, err error) {
	s.logger.Error(msg, "error", err)
	s.cfg.Metrics.RecordError()
	http.Error(w, msg+": "+err.Error(), http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
