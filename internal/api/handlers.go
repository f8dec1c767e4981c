package api

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/toricodesthings/vn-ocr-service/internal/checkpoint"
	"github.com/toricodesthings/vn-ocr-service/internal/correction"
	"github.com/toricodesthings/vn-ocr-service/internal/intake"
	"github.com/toricodesthings/vn-ocr-service/internal/report"
	"github.com/toricodesthings/vn-ocr-service/internal/session"
	"github.com/toricodesthings/vn-ocr-service/internal/stream"
)

type createSessionRequest struct {
	SessionID string `json:"sessionId"`
	URL       string `json:"url"`
	FileName  string `json:"fileName"`
}

type sessionAccepted struct {
	Success   bool            `json:"success"`
	SessionID string          `json:"sessionId"`
	Document  intake.Document `json:"document,omitzero"`
	StatusURL string          `json:"statusUrl"`
	OutputURL string          `json:"outputUrl"`
}

type cleanRequest struct {
	Text string `json:"text"`
}

type cleanResponse struct {
	Success bool `json:"success"`
	correction.Result
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"activeSessions": s.sessions.ActiveCount(),
		"version":        version,
	})
}

// handleCreateSession accepts either a multipart upload with a "file" part
// or a JSON body naming a URL to download.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var (
		doc intake.Document
		err error
	)
	sessionID := strings.TrimSpace(r.URL.Query().Get("sessionId"))

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if sessionID == "" {
			sessionID = uuid.New().String()
		}
		doc, err = s.receiveUpload(w, r, sessionID)
	} else {
		req, perr := parseJSON[createSessionRequest](r, s.cfg.MaxJSONBodyBytes)
		if perr != nil {
			writeErr(w, http.StatusBadRequest, "bad_request", sanitizeError(perr))
			return
		}
		if strings.TrimSpace(req.URL) == "" {
			writeErr(w, http.StatusBadRequest, "validation_failed", "url or multipart file required")
			return
		}
		if sessionID == "" {
			sessionID = strings.TrimSpace(req.SessionID)
		}
		if sessionID == "" {
			sessionID = uuid.New().String()
		}
		if err = s.claimSession(r.Context(), sessionID); err == nil {
			doc, err = s.documents.Download(r.Context(), sessionID, req.URL, req.FileName, s.cfg.DownloadTimeout)
		}
	}
	if err != nil {
		s.writeError(w, err, intakeErrStatus)
		return
	}

	if _, err := s.sessions.Start(r.Context(), sessionID, doc.Path, s.progressLogger()); err != nil {
		s.writeError(w, err, sessionErrStatus)
		return
	}
	writeJSON(w, http.StatusAccepted, accepted(sessionID, doc))
}

// claimSession refuses ids that are running or already hold state. Storing
// a new document under such an id would replace the one its checkpoint and
// output belong to.
func (s *Server) claimSession(ctx context.Context, sessionID string) error {
	if !checkpoint.ValidSessionID(sessionID) {
		return checkpoint.ErrInvalidSessionID
	}
	if s.sessions.Active(sessionID) {
		return session.ErrActive
	}
	st, err := s.sessions.Status(ctx, sessionID)
	if err != nil {
		return err
	}
	if st.Exists {
		return errSessionExists
	}
	return nil
}

// receiveUpload streams the "file" part straight to the document store
// without buffering the whole form.
func (s *Server) receiveUpload(w http.ResponseWriter, r *http.Request, sessionID string) (intake.Document, error) {
	if err := s.claimSession(r.Context(), sessionID); err != nil {
		return intake.Document{}, err
	}
	if s.cfg.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	}
	mr, err := r.MultipartReader()
	if err != nil {
		return intake.Document{}, errBadUpload
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return intake.Document{}, errNoFilePart
		}
		if err != nil {
			return intake.Document{}, errBadUpload
		}
		if part.FormName() != "file" {
			_ = part.Close()
			continue
		}
		doc, err := s.documents.Save(sessionID, part.FileName(), part)
		_ = part.Close()
		return doc, err
	}
}

func (s *Server) handleResumeSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.sessions.Resume(r.Context(), id, s.progressLogger()); err != nil {
		s.writeError(w, err, sessionErrStatus)
		return
	}
	writeJSON(w, http.StatusAccepted, accepted(id, intake.Document{}))
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.sessions.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err, sessionErrStatus)
		return
	}
	if !st.Exists {
		writeErr(w, http.StatusNotFound, "not_found", session.ErrNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleSessionOutput(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !checkpoint.ValidSessionID(id) {
		writeErr(w, http.StatusBadRequest, "validation_failed", checkpoint.ErrInvalidSessionID.Error())
		return
	}
	rc, err := s.sessions.Output(r.Context(), id)
	if err != nil {
		s.writeError(w, err, sessionErrStatus)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Warn("output stream interrupted", "sessionId", id, "error", err)
	}
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rm, err := s.sessions.Remove(r.Context(), id)
	if err != nil {
		s.writeError(w, err, sessionErrStatus)
		return
	}
	if !rm.Any() {
		writeErr(w, http.StatusNotFound, "not_found", session.ErrNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "sessionId": id, "removed": rm})
}

// handleClean runs the correction engine over a JSON body. With
// ?format=xlsx the metadata comes back as a workbook instead.
func (s *Server) handleClean(w http.ResponseWriter, r *http.Request) {
	req, err := parseJSON[cleanRequest](r, s.cfg.MaxJSONBodyBytes)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "bad_request", sanitizeError(err))
		return
	}

	res := s.corrector.Clean(req.Text)
	for cat, st := range res.Metadata.Corrections {
		s.metrics.Corrections(string(cat), st.Count)
	}

	if strings.EqualFold(r.URL.Query().Get("format"), "xlsx") {
		w.Header().Set("Content-Type", report.ContentType)
		w.Header().Set("Content-Disposition", `attachment; filename="corrections.xlsx"`)
		if err := report.Write(w, res); err != nil {
			s.logger.Error("write correction report", "error", err)
		}
		return
	}
	writeJSON(w, http.StatusOK, cleanResponse{Success: true, Result: res})
}

func (s *Server) progressLogger() func(stream.Progress) {
	return func(p stream.Progress) {
		s.logger.Debug("progress",
			"sessionId", p.SessionID,
			"page", p.Page,
			"totalPages", p.TotalPages,
			"percentage", p.Percentage,
			"eta", p.ETA)
	}
}

func accepted(id string, doc intake.Document) sessionAccepted {
	return sessionAccepted{
		Success:   true,
		SessionID: id,
		Document:  doc,
		StatusURL: "/sessions/" + id,
		OutputURL: "/sessions/" + id + "/output",
	}
}

var (
	errBadUpload     = errors.New("malformed multipart upload")
	errNoFilePart    = errors.New("multipart form has no file part")
	errSessionExists = errors.New("session already exists; delete it or resume it")
)

// writeError maps err to a status with classify. Anything unclassified is
// logged and answered with a generic 500 so internal detail stays out of
// the response.
func (s *Server) writeError(w http.ResponseWriter, err error, classify func(error) (int, string)) {
	status, code := classify(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
		writeErr(w, status, code, "Internal server error")
		return
	}
	writeErr(w, status, code, sanitizeError(err))
}

func intakeErrStatus(err error) (int, string) {
	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr), errors.Is(err, intake.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, "too_large"
	case errors.Is(err, intake.ErrNotPDF):
		return http.StatusUnsupportedMediaType, "unsupported_type"
	case errors.Is(err, errBadUpload), errors.Is(err, errNoFilePart):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, intake.ErrURLNotAllowed):
		return http.StatusBadRequest, "url_not_allowed"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, intake.ErrDownload):
		return http.StatusBadGateway, "download_failed"
	}
	return sessionErrStatus(err)
}

func sessionErrStatus(err error) (int, string) {
	switch {
	case errors.Is(err, checkpoint.ErrInvalidSessionID):
		return http.StatusBadRequest, "validation_failed"
	case errors.Is(err, session.ErrActive):
		return http.StatusConflict, "session_active"
	case errors.Is(err, errSessionExists):
		return http.StatusConflict, "session_exists"
	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrNoDocument):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, session.ErrShutdown):
		return http.StatusServiceUnavailable, "shutting_down"
	}
	return http.StatusInternalServerError, "internal_error"
}
