// Package server exposes the file and user pipelines over HTTP with JSON
// request and response bodies.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"keepsake/internal/blob"
	"keepsake/internal/files"
	"keepsake/internal/users"
)

// Config holds the collaborators of the HTTP server.
type Config struct {
	Files *files.Service
	Users *users.Service
}

// Server dispatches HTTP requests to the file and user pipelines and
// converts pipeline errors into structured JSON error bodies. No error
// escapes a handler uncaught.
type Server struct {
	files *files.Service
	users *users.Service
}

// New returns a Server using the given pipelines.
func New(cfg Config) *Server {
	return &Server{files: cfg.Files, users: cfg.Users}
}

// writeJSON writes v as a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Encode JSON response", "err", err)
	}
}

// writeMessage writes the plain {"message": ...} envelope used by the
// upload, list, and delete endpoints.
func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}

// writeStatus writes the rename envelope {"message", "status"[, "data"]},
// with status "success" for 2xx and "error" otherwise.
func writeStatus(w http.ResponseWriter, status int, message string, data any) {
	body := map[string]any{
		"message": message,
		"status":  "error",
	}
	if status >= 200 && status < 300 {
		body["status"] = "success"
	}
	if data != nil {
		body["data"] = data
	}
	writeJSON(w, status, body)
}

// setCORS adds the permissive CORS headers carried by the files endpoints.
func setCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Allow-Methods", "POST, GET, PUT, DELETE, OPTIONS")
}

// statusForError maps pipeline errors onto the HTTP error taxonomy.
func statusForError(err error) int {
	switch {
	case errors.Is(err, files.ErrBadRequest),
		errors.Is(err, files.ErrInvalidName),
		errors.Is(err, files.ErrSameName),
		errors.Is(err, users.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, users.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, blob.ErrAccessDenied),
		errors.Is(err, users.ErrAccountDisabled):
		return http.StatusForbidden
	case errors.Is(err, files.ErrFileNotFound),
		errors.Is(err, files.ErrIndexMissing),
		errors.Is(err, files.ErrNoFiles),
		errors.Is(err, blob.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, files.ErrNameConflict),
		errors.Is(err, users.ErrUserExists):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// errorMessage hides internal detail on server errors; client errors keep
// their specific reason.
func errorMessage(err error, status int) string {
	if status >= 500 {
		return "internal server error"
	}
	return err.Error()
}

// handleOptions acknowledges CORS preflight requests.
func (s *Server) handleOptions(w http.ResponseWriter, _ *http.Request) {
	setCORS(w)
	writeJSON(w, http.StatusOK, "CORS OK")
}

// handleUpload implements POST /files for both ingestion modes, dispatched
// on the request content type.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	setCORS(w)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		slog.Error("Read upload body", "err", err)
		writeMessage(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	defer r.Body.Close()

	contentType := r.Header.Get("Content-Type")

	var record struct {
		URL      string
		Filename string
		Size     string
	}

	switch {
	case strings.Contains(contentType, "multipart/form-data"):
		rec, err := s.files.UploadMultipart(r.Context(), body, contentType)
		if err != nil {
			status := statusForError(err)
			if status >= 500 {
				slog.Error("Multipart upload", "err", err)
			}
			writeMessage(w, status, errorMessage(err, status))
			return
		}
		record.URL, record.Filename, record.Size = rec.URL, rec.UniqueName, rec.Size

	case strings.Contains(contentType, "application/json"):
		rec, err := s.files.UploadJSON(r.Context(), body)
		if err != nil {
			status := statusForError(err)
			if status >= 500 {
				slog.Error("JSON upload", "err", err)
			}
			writeMessage(w, status, errorMessage(err, status))
			return
		}
		record.URL, record.Filename, record.Size = rec.URL, rec.UniqueName, rec.Size

	default:
		writeMessage(w, http.StatusBadRequest, "unsupported content type")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"message":  "file uploaded successfully",
		"url":      record.URL,
		"filename": record.Filename,
		"size":     record.Size,
	})
}

// handleList implements GET /files?username=.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	setCORS(w)

	username := r.URL.Query().Get("username")
	if username == "" {
		writeMessage(w, http.StatusBadRequest, "missing username parameter")
		return
	}

	records, err := s.files.List(r.Context(), username)
	if err != nil {
		slog.Error("List files", "user", username, "err", err)
		writeMessage(w, http.StatusInternalServerError, "failed to get files")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"files": records,
		"count": len(records),
	})
}

// handleDelete implements DELETE /files?username=&filename=.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	setCORS(w)

	q := r.URL.Query()
	username := q.Get("username")
	filename := q.Get("filename")
	if username == "" || filename == "" {
		writeMessage(w, http.StatusBadRequest, "missing username or filename parameter")
		return
	}

	if err := s.files.Delete(r.Context(), username, filename); err != nil {
		if errors.Is(err, files.ErrFileNotFound) {
			writeMessage(w, http.StatusNotFound, "file not found")
			return
		}
		slog.Error("Delete file", "user", username, "name", filename, "err", err)
		writeMessage(w, http.StatusInternalServerError, "failed to delete file")
		return
	}

	writeMessage(w, http.StatusOK, "file deleted successfully")
}

// renameRequest is the PUT /files body.
type renameRequest struct {
	Username string `json:"username"`
	OldName  string `json:"oldName"`
	NewName  string `json:"newName"`
}

// handleRename implements PUT /files. Responses use the status envelope;
// both rollback-succeeded and rollback-failed index failures surface as the
// same server error.
func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	setCORS(w)

	defer r.Body.Close()
	var req renameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeStatus(w, http.StatusBadRequest, "invalid JSON body", nil)
		return
	}

	req.Username = strings.TrimSpace(req.Username)
	req.OldName = strings.TrimSpace(req.OldName)
	req.NewName = strings.TrimSpace(req.NewName)

	switch {
	case req.Username == "":
		writeStatus(w, http.StatusBadRequest, "missing username", nil)
		return
	case req.OldName == "":
		writeStatus(w, http.StatusBadRequest, "missing old file name", nil)
		return
	case req.NewName == "":
		writeStatus(w, http.StatusBadRequest, "missing new file name", nil)
		return
	}

	result, err := s.files.Rename(r.Context(), req.Username, req.OldName, req.NewName)
	if err != nil {
		status := statusForError(err)
		if status >= 500 {
			slog.Error("Rename file", "user", req.Username, "old", req.OldName, "new", req.NewName, "err", err)
		}
		writeStatus(w, status, errorMessage(err, status), nil)
		return
	}

	writeStatus(w, http.StatusOK, "file renamed successfully", map[string]string{
		"oldName": result.OldName,
		"newName": result.NewName,
		"newUrl":  result.NewURL,
	})
}

// registerRequest is the POST /users/register body.
type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := s.users.Register(r.Context(), req.Username, req.Email, req.Password); err != nil {
		status := statusForError(err)
		if status >= 500 {
			slog.Error("Register user", "user", req.Username, "err", err)
		}
		writeMessage(w, status, errorMessage(err, status))
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"message":  "user created successfully",
		"username": req.Username,
	})
}

// loginRequest is the POST /users/login body.
type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	result, err := s.users.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		status := statusForError(err)
		if status >= 500 {
			slog.Error("Login user", "user", req.Username, "err", err)
		}
		writeMessage(w, status, errorMessage(err, status))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message":    "login successful",
		"username":   result.Username,
		"email":      result.Email,
		"lastLogin":  result.LastLogin,
		"loginCount": result.LoginCount,
		"role":       result.Role,
		"token":      result.Token,
	})
}
