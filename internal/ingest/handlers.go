package ingest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"morilens/internal/transport"
	logx "morilens/pkg/logx"
)

var errInvalidImage = errors.New("invalid image")

type shootRequest struct {
	Image string `json:"image"`
	Mode  string `json:"mode"`
}

type shootResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(msg))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status": "ok",
		"queue":  s.queue.Stats(),
	}
	if fn := s.workers.Load(); fn != nil {
		body["workers"] = (*fn)()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleShort(w http.ResponseWriter, r *http.Request) {
	long, ok := s.lenses.ResolveShort(chi.URLParam(r, "short"))
	if !ok {
		writeText(w, http.StatusNotFound, "Unknown short link")
		return
	}
	http.Redirect(w, r, long, http.StatusFound)
}

func (s *Server) handleShoot(w http.ResponseWriter, r *http.Request) {
	meta := metaFrom(r.Context())
	code := chi.URLParam(r, "code")

	l, ok := s.lenses.GetLens(code)
	if !ok || !l.Connected() {
		writeText(w, http.StatusBadRequest, "Lens not connected")
		return
	}
	if l.ExpiredAt(s.lenses.Now()) {
		writeText(w, http.StatusGone, "Lens expired")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.BodyLimit)
	var req shootRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeText(w, http.StatusRequestEntityTooLarge, "Image too large")
			return
		}
		writeText(w, http.StatusBadRequest, "Invalid image")
		return
	}
	if !strings.HasPrefix(req.Image, "data:image") {
		writeText(w, http.StatusBadRequest, "Invalid image")
		return
	}

	lim := s.currentLimits()
	if !s.limit.Allow("lens:"+code, lim.LensRate, lim.LensBurst) ||
		!s.limit.Allow("ip:"+meta.ClientIP, lim.IPRate, lim.IPBurst) {
		writeText(w, http.StatusTooManyRequests, "Too many requests")
		return
	}

	data, mime, err := decodeDataURL(req.Image)
	if err != nil {
		writeText(w, http.StatusBadRequest, "Invalid image")
		return
	}
	img := transport.Image{
		Data:     data,
		MIME:     mime,
		Name:     "lens-" + l.Code + "." + extFor(mime),
		Document: req.Mode != "photo",
	}

	dest := l.DestinationID
	err = s.queue.Send(r.Context(), dest, func(ctx context.Context) error {
		_, err := s.sender.SendImage(ctx, transport.ChatTarget{ChatID: dest}, img)
		return err
	})
	if err != nil {
		log := meta.Log
		if log.IsZero() {
			log = s.log
		}
		log.Error("relay lens frame failed", logx.String("code", l.Code), logx.Int64("dest", dest), logx.Err(err))
		writeJSON(w, http.StatusBadGateway, shootResponse{OK: false, Error: "send failed"})
		return
	}
	writeJSON(w, http.StatusOK, shootResponse{OK: true})
}

// decodeDataURL parses "data:image/<type>;base64,<payload>".
func decodeDataURL(s string) ([]byte, string, error) {
	header, payload, ok := strings.Cut(s, ",")
	if !ok || !strings.HasPrefix(header, "data:image/") {
		return nil, "", errInvalidImage
	}
	mime, params, _ := strings.Cut(strings.TrimPrefix(header, "data:"), ";")
	if !strings.Contains(params, "base64") {
		return nil, "", errInvalidImage
	}
	payload = strings.TrimSpace(payload)
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
	}
	if err != nil || len(data) == 0 {
		return nil, "", errInvalidImage
	}
	return data, mime, nil
}

func extFor(mime string) string {
	switch strings.ToLower(mime) {
	case "image/png":
		return "png"
	case "image/webp":
		return "webp"
	case "image/gif":
		return "gif"
	default:
		return "jpg"
	}
}
