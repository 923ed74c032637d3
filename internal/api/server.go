// Package api provides the HTTP server exposing the upload storage core.
// Authentication and permission checks belong to an upstream gateway; this
// layer only translates HTTP to core operations and applies the inline
// content-type policy when serving stored files.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"

	"go.uber.org/zap"

	"github.com/quillchat/quillchat/internal/events"
	"github.com/quillchat/quillchat/internal/identity"
	"github.com/quillchat/quillchat/internal/logging"
	"github.com/quillchat/quillchat/internal/metrics"
	"github.com/quillchat/quillchat/internal/storage"
	"github.com/quillchat/quillchat/internal/upload"
)

// Server is the HTTP server.
type Server struct {
	uploader      *upload.Uploader
	broadcaster   *events.Broadcaster
	maxUploadSize int64
}

// NewServer creates a new server.
func NewServer(uploader *upload.Uploader, broadcaster *events.Broadcaster, maxUploadSize int64) *Server {
	return &Server{
		uploader:      uploader,
		broadcaster:   broadcaster,
		maxUploadSize: maxUploadSize,
	}
}

// Handler returns the routed HTTP handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/attachments", s.handleUploadAttachment)
	mux.HandleFunc("DELETE /api/v1/attachments/{path...}", s.handleDeleteAttachment)
	mux.HandleFunc("GET /api/v1/events", s.handleEvents)
	mux.HandleFunc("GET /user_uploads/files/{path...}", s.serveCategory(storage.Attachments))
	mux.HandleFunc("GET /user_uploads/avatars/{path...}", s.serveCategory(storage.Avatars))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return logging.Middleware(mux)
}

type uploadResponse struct {
	PathID string `json:"path_id"`
	URL    string `json:"url"`
}

// handleUploadAttachment accepts a multipart upload and registers it as a
// message attachment. The acting user and target realm arrive as form
// fields, resolved and authorized upstream.
func (s *Server) handleUploadAttachment(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadSize)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		httpError(w, r, http.StatusRequestEntityTooLarge, "upload too large or malformed")
		return
	}

	userID, err1 := strconv.ParseInt(r.FormValue("user_id"), 10, 64)
	userRealmID, err2 := strconv.ParseInt(r.FormValue("user_realm_id"), 10, 64)
	realmID, err3 := strconv.ParseInt(r.FormValue("realm_id"), 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		httpError(w, r, http.StatusBadRequest, "user_id, user_realm_id and realm_id are required")
		return
	}
	crossRealmBot := r.FormValue("cross_realm_bot") == "true"

	file, header, err := r.FormFile("file")
	if err != nil {
		httpError(w, r, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	uploader := &identity.UserProfile{ID: userID, RealmID: userRealmID, CrossRealmBot: crossRealmBot}
	realm := &identity.Realm{ID: realmID}

	pathID, err := s.uploader.UploadMessageAttachment(
		r.Context(), header.Filename, contentType, file, header.Size, uploader, realm)
	if err != nil {
		logging.Error("attachment upload failed",
			zap.String("file_name", header.Filename),
			zap.Error(err))
		httpError(w, r, http.StatusInternalServerError, "upload failed")
		return
	}

	writeJSON(w, r, http.StatusCreated, uploadResponse{
		PathID: pathID,
		URL:    s.uploader.AttachmentURL(pathID),
	})
}

// handleDeleteAttachment removes an attachment's bytes and metadata.
func (s *Server) handleDeleteAttachment(w http.ResponseWriter, r *http.Request) {
	pathID := r.PathValue("path")

	deleted, err := s.uploader.DeleteMessageAttachment(r.Context(), pathID)
	if err != nil {
		logging.Error("attachment delete failed",
			zap.String("path_id", pathID),
			zap.Error(err))
		httpError(w, r, http.StatusInternalServerError, "delete failed")
		return
	}

	writeJSON(w, r, http.StatusOK, map[string]bool{"deleted": deleted})
}

// serveCategory returns a handler streaming stored files for one category.
// The content-type policy decides the disposition: allow-listed types are
// rendered inline, everything else is a forced download.
func (s *Server) serveCategory(cat storage.Category) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pathID := r.PathValue("path")

		body, contentType, err := s.uploader.Backend().Retrieve(r.Context(), cat, pathID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, r, http.StatusNotFound, "not found")
				return
			}
			logging.Error("file retrieve failed",
				zap.String("path_id", pathID),
				zap.Error(err))
			httpError(w, r, http.StatusBadGateway, "storage unavailable")
			return
		}
		defer body.Close()

		disposition := upload.ContentDisposition(contentType)
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Disposition",
			mime.FormatMediaType(disposition, map[string]string{"filename": path.Base(pathID)}))
		w.Header().Set("X-Content-Type-Options", "nosniff")

		if _, err := io.Copy(w, body); err != nil {
			logging.Debug("file stream aborted",
				zap.String("path_id", pathID),
				zap.Error(err))
		}
		metrics.RecordHTTPRequest(r.Method, "/user_uploads/"+cat.Name, http.StatusOK)
	}
}

// handleEvents streams attachment change notifications over SSE.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ch := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, open := <-ch:
			if !open {
				return
			}
			data, err := events.MarshalEvent(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
	metrics.RecordHTTPRequest(r.Method, r.URL.Path, status)
}

func httpError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	http.Error(w, msg, status)
	metrics.RecordHTTPRequest(r.Method, r.URL.Path, status)
}
