// Package api provides the HTTP server and handlers for the GP portal.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/gpportal/gpportal/internal/logging"
	"github.com/gpportal/gpportal/internal/metrics"
	"github.com/gpportal/gpportal/internal/portal"
	"github.com/gpportal/gpportal/internal/records"
)

// uploadFileField is the multipart form field carrying the payload.
const uploadFileField = "files"

// Server is the GP portal HTTP server.
type Server struct {
	portal        *portal.Service
	maxUploadSize int64
}

// NewServer creates a new server over the portal service.
func NewServer(svc *portal.Service, maxUploadSize int64) *Server {
	return &Server{
		portal:        svc,
		maxUploadSize: maxUploadSize,
	}
}

// Handler returns the HTTP handler with logging and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /upload", s.handleUpload)
	mux.HandleFunc("GET /records", s.handleRecords)
	mux.HandleFunc("GET /record/{id}", s.handleGetRecord)
	mux.HandleFunc("PUT /record/{id}", s.handleUpdateRecord)
	mux.HandleFunc("DELETE /record/{id}", s.handleDeleteRecord)
	mux.HandleFunc("GET /search/patients", s.handleSearchPatients)
	mux.HandleFunc("GET /media/{key...}", s.handleMedia)

	return metrics.Middleware(logging.Middleware(mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "gpportal-api",
	})
}

// handleUpload accepts multipart/form-data with a patientId field and
// a file, stores the payload, and returns the created record.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > s.maxUploadSize {
		s.sendError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("file too large: max %d bytes", s.maxUploadSize))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadSize)

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.sendError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		s.sendError(w, http.StatusBadRequest, "file missing")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile(uploadFileField)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "file missing")
		return
	}
	defer file.Close()

	rec, err := s.portal.Upload(r.Context(), portal.UploadInput{
		PatientID:   r.FormValue("patientId"),
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Body:        file,
		Size:        header.Size,
	})
	if err != nil {
		metrics.RecordUpload(0, false)
		s.respondError(w, r, err, "upload failed")
		return
	}

	metrics.RecordUpload(header.Size, true)
	s.sendJSON(w, http.StatusCreated, map[string]any{
		"message": "uploaded",
		"record":  rec,
	})
}

// handleRecords lists all records for a patient.
func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	patientID := r.URL.Query().Get("patientId")

	recs, err := s.portal.PatientRecords(r.Context(), patientID)
	if err != nil {
		s.respondError(w, r, err, "failed to fetch records")
		return
	}
	if recs == nil {
		recs = []*records.Record{}
	}

	s.sendJSON(w, http.StatusOK, map[string]any{
		"patientId": patientID,
		"count":     len(recs),
		"records":   recs,
	})
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := s.portal.Record(r.Context(), r.PathValue("id"))
	if err != nil {
		s.respondError(w, r, err, "failed to fetch record")
		return
	}
	s.sendJSON(w, http.StatusOK, rec)
}

// updateRequest mirrors the partial-update body: absent fields stay
// untouched.
type updateRequest struct {
	Status  *string   `json:"status"`
	GPNotes *string   `json:"gpNotes"`
	AITags  *[]string `json:"aiTags"`
}

func (s *Server) handleUpdateRecord(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	rec, err := s.portal.UpdateRecord(r.Context(), r.PathValue("id"), portal.UpdateInput{
		Status:  req.Status,
		GPNotes: req.GPNotes,
		AITags:  req.AITags,
	})
	if err != nil {
		s.respondError(w, r, err, "failed to update record")
		return
	}
	s.sendJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	if err := s.portal.DeleteRecord(r.Context(), r.PathValue("id")); err != nil {
		s.respondError(w, r, err, "failed to delete record")
		return
	}
	s.sendJSON(w, http.StatusOK, map[string]string{
		"message": "record and blob deleted",
	})
}

func (s *Server) handleSearchPatients(w http.ResponseWriter, r *http.Request) {
	ids, err := s.portal.SearchPatients(r.Context(), r.URL.Query().Get("query"))
	if err != nil {
		s.respondError(w, r, err, "failed to search patients")
		return
	}
	if ids == nil {
		ids = []string{}
	}

	s.sendJSON(w, http.StatusOK, map[string]any{
		"results": ids,
	})
}

// handleMedia streams a stored payload for preview. The key is the
// full blob key, e.g. P004/abc123.jpeg.
func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if key == "" {
		s.sendError(w, http.StatusBadRequest, "blob key required")
		return
	}

	body, contentType, err := s.portal.Media(r.Context(), key)
	if err != nil {
		if errors.Is(err, portal.ErrNotFound) {
			s.sendError(w, http.StatusNotFound, "blob not found")
			return
		}
		s.respondError(w, r, err, "failed to fetch blob")
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", contentType)
	io.Copy(w, body)
}

// respondError maps the portal error taxonomy onto HTTP statuses.
// Validation failures and not-found are returned verbatim; anything
// else is logged with detail and answered with the generic message.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error, internalMsg string) {
	var ve portal.ValidationError
	if errors.As(err, &ve) {
		s.sendError(w, http.StatusBadRequest, ve.Error())
		return
	}
	if errors.Is(err, portal.ErrNotFound) {
		s.sendError(w, http.StatusNotFound, "record not found")
		return
	}
	logging.WithContext(r.Context()).Error(internalMsg,
		zap.String("path", r.URL.Path),
		zap.Error(err))
	s.sendError(w, http.StatusInternalServerError, internalMsg)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	s.sendJSON(w, code, errorResponse{Error: message, Code: code})
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
