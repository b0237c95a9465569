package httpserver

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/skip2/go-qrcode"

	"pastebin/internal/expiry"
	"pastebin/internal/paste"
	"pastebin/internal/storage"
)

const usage = `pastebin

  create:  curl --data-binary @file %[1]s/[file-name][?expires=<unix-seconds>|never]
  read:    curl %[1]s/<id>
  delete:  curl -X DELETE %[1]s/<id>
  qr code: %[1]s/qr/<id>
`

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	base := s.canonicalURL(r, "")
	_, _ = fmt.Fprintf(w, usage, base)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	limit := s.pastes.MaxPayloadBytes()
	if r.ContentLength > limit {
		s.writeError(w, r, paste.ErrPayloadTooLarge)
		return
	}

	expReq, err := expiry.ParseRequest(r.URL.Query().Get("expires"))
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %w", paste.ErrInvalidExpiry, err))
		return
	}

	// One byte past the limit is enough for the store to reject it.
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		http.Error(w, "unable to read body", http.StatusBadRequest)
		return
	}

	pasteID, err := s.pastes.Create(r.Context(), paste.CreateRequest{
		Payload:     body,
		ContentType: r.Header.Get("Content-Type"),
		FileName:    chi.URLParam(r, "name"),
		Expiry:      expReq,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	location := s.canonicalURL(r, "/"+pasteID)
	w.Header().Set("Location", location)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusCreated)
	_, _ = io.WriteString(w, location+"\n")
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	pasteID := chi.URLParam(r, "id")
	rec, err := s.pastes.Read(r.Context(), pasteID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if rec.HasFileName() {
		target := s.canonicalURL(r, "/"+pasteID+"/"+rec.FileName)
		http.Redirect(w, r, target, http.StatusMovedPermanently)
		return
	}
	s.serveRecord(w, r, rec)
}

func (s *Server) handleRaw(w http.ResponseWriter, r *http.Request) {
	rec, err := s.pastes.Read(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.serveRecord(w, r, rec)
}

func (s *Server) serveRecord(w http.ResponseWriter, r *http.Request, rec *storage.Record) {
	etag := etagFor(rec.Payload)
	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	h := w.Header()
	h.Set("Content-Type", rec.ContentType)
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Cache-Control", "private, max-age=60")
	h.Set("ETag", etag)
	if at, ok := rec.ExpiresAt.Time(); ok {
		h.Set("Expires", at.Format(http.TimeFormat))
	}
	if rec.HasFileName() {
		if disposition := mime.FormatMediaType("inline", map[string]string{"filename": rec.FileName}); disposition != "" {
			h.Set("Content-Disposition", disposition)
		}
	}
	_, _ = w.Write(rec.Payload)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.pastes.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "deleted\n")
}

func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	pasteID := chi.URLParam(r, "id")
	if _, err := s.pastes.Read(r.Context(), pasteID); err != nil {
		s.writeError(w, r, err)
		return
	}

	png, err := qrcode.Encode(s.canonicalURL(r, "/"+pasteID), qrcode.Medium, 256)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(png)
}

// writeError maps paste error kinds to status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, paste.ErrNotFound):
		http.Error(w, "not found or expired", http.StatusNotFound)
	case errors.Is(err, paste.ErrPayloadTooLarge):
		http.Error(w, fmt.Sprintf("payload exceeds %d bytes", s.pastes.MaxPayloadBytes()), http.StatusRequestEntityTooLarge)
	case errors.Is(err, paste.ErrInvalidExpiry):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		s.serverError(w, r, err)
	}
}

func (s *Server) serverError(w http.ResponseWriter, r *http.Request, err error) {
	if s.logger != nil {
		s.logger.Error("internal error", "error", err, "method", r.Method, "path", r.URL.Path)
	}
	http.Error(w, "internal server error", http.StatusInternalServerError)
}

func etagFor(payload []byte) string {
	sum := sha256.Sum256(payload)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}
