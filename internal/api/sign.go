package api

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"os"
	"strconv"

	"github.com/majorcontext/handtoken/internal/signing"
)

// handleSign accepts the raw file as the request body. The filename comes
// from the Content-Disposition header, or the filename query parameter.
func (s *Server) handleSign(w http.ResponseWriter, r *http.Request) {
	client := clientFrom(r.Context())
	logger := requestLogger(r)

	name := uploadName(r)
	if name == "" {
		writeMessage(w, http.StatusBadRequest,
			"Missing filename. Request should include a Content-Disposition header with a filename parameter.")
		return
	}

	q := r.URL.Query()
	out, err := s.signer.Sign(r.Context(), signing.Submission{
		ClientID:    client.ID,
		ClientName:  client.Name,
		IP:          s.clientIP(r),
		UserAgent:   r.UserAgent(),
		Profile:     q.Get("signing-profile"),
		Description: q.Get("description"),
		URL:         q.Get("url"),
		FileName:    name,
		Body:        r.Body,
	})

	var se *signing.Error
	switch {
	case errors.As(err, &se):
		writeMessage(w, http.StatusBadRequest, se.Message)
		return
	case errors.Is(err, signing.ErrProfileNotFound):
		writeMessage(w, http.StatusNotFound, "Not found.")
		return
	case err != nil:
		logger.Error("signing request failed", "error", err)
		writeMessage(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	f, err := os.Open(out.Path)
	if err != nil {
		logger.Error("opening signed file", "path", out.Path, "error", err)
		writeMessage(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	defer f.Close()

	h := w.Header()
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": out.FileName}))
	h.Set("Content-Length", strconv.FormatInt(out.Size, 10))
	h.Set("X-Signing-Log", strconv.FormatInt(out.LogID, 10))
	h.Set("X-Content-SHA256", out.SHA256)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, f); err != nil {
		logger.Warn("streaming signed file", "error", err)
	}
}

func uploadName(r *http.Request) string {
	if cd := r.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil && params["filename"] != "" {
			return params["filename"]
		}
	}
	return r.URL.Query().Get("filename")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}
