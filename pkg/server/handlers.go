package server

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/AyhanMehrzad/Secure-Chanel/pkg/logger"
	"github.com/AyhanMehrzad/Secure-Chanel/pkg/protocol"
	"github.com/AyhanMehrzad/Secure-Chanel/pkg/storage"
)

// sessionCookieName is the cookie carrying the opaque session token.
const sessionCookieName = "session"

// routes builds the public router.
func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/login", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/api/logout", s.handleLogout).Methods(http.MethodPost)
	r.HandleFunc("/api/user", s.handleUser).Methods(http.MethodGet)
	r.HandleFunc("/api/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/health", s.HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/messages", s.handleMessages).Methods(http.MethodGet)
	r.HandleFunc("/upload", s.handleUpload).Methods(http.MethodPost)
	r.HandleFunc(s.config.UploadPublicPath+"/{name}", s.handleUploadedFile).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.HandleWebSocket)
	return r
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// handleLogin handles POST /api/login. Accepts a JSON body or a classic
// form post. A blocked origin gets the exact same response as a wrong
// password, so probing the endpoint reveals nothing.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	origin := clientOrigin(r)

	var req loginRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "malformed request body")
			return
		}
	} else {
		req.Username = r.PostFormValue("username")
		req.Password = r.PostFormValue("password")
	}

	sess, err := s.sessions.Authenticate(req.Username, req.Password, origin)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sess.Token,
		Path:     "/",
		MaxAge:   int(s.config.SessionTTL.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	writeJSON(w, http.StatusOK, map[string]string{"username": sess.Username})
}

// handleLogout handles POST /api/logout. Always succeeds.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		s.sessions.Invalidate(cookie.Value)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	w.WriteHeader(http.StatusNoContent)
}

type userResponse struct {
	Username        string `json:"username,omitempty"`
	IsAuthenticated bool   `json:"is_authenticated"`
}

// handleUser handles GET /api/user. Introspection, never an error: an
// unauthenticated caller just sees is_authenticated false.
func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFromRequest(r)
	if err != nil {
		writeJSON(w, http.StatusOK, userResponse{IsAuthenticated: false})
		return
	}

	writeJSON(w, http.StatusOK, userResponse{
		Username:        sess.Username,
		IsAuthenticated: true,
	})
}

type statusResponse struct {
	User           string   `json:"user"`
	ActiveSessions int      `json:"active_sessions"`
	ConnectedUsers []string `json:"connected_users"`
	Timestamp      string   `json:"timestamp"`
}

// handleStatus handles GET /api/status for authenticated callers.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionFromRequest(r)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{
		User:           sess.Username,
		ActiveSessions: s.sessions.CountActive(),
		ConnectedUsers: s.hub.ConnectedUsers(),
		Timestamp:      time.Now().Format(time.RFC3339),
	})
}

type healthResponse struct {
	Status         string `json:"status"`
	Timestamp      string `json:"timestamp"`
	ActiveSessions int    `json:"active_sessions"`
	BlockedIPs     int    `json:"blocked_ips"`
}

// HealthHandler handles GET /api/health on the public listener and
// GET /health on the metrics listener.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:         "ok",
		Timestamp:      time.Now().Format(time.RFC3339),
		ActiveSessions: s.sessions.CountActive(),
		BlockedIPs:     s.guard.BlockedCount(),
	})
}

// handleMessages handles GET /api/messages?before_ts=&limit=. Without a
// cursor it returns the newest page, mirroring the initial WebSocket push.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if _, err := s.sessionFromRequest(r); err != nil {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	limit := s.config.InitialPageSize
	if rawLimit := r.URL.Query().Get("limit"); rawLimit != "" {
		n, err := strconv.Atoi(rawLimit)
		if err != nil || n <= 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid_cursor")
			return
		}
		limit = n
	}
	if limit > s.config.MaxPageSize {
		limit = s.config.MaxPageSize
	}

	var (
		messages []protocol.Message
		hasMore  bool
	)
	if rawBefore := r.URL.Query().Get("before_ts"); rawBefore != "" {
		beforeTS, err := strconv.ParseInt(rawBefore, 10, 64)
		if err != nil || beforeTS <= 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid_cursor")
			return
		}
		page, more := s.store.PageBefore(beforeTS, limit)
		messages, hasMore = wireMessages(page), more
	} else {
		page, more := s.store.Tail(limit)
		messages, hasMore = wireMessages(page), more
	}

	writeJSON(w, http.StatusOK, protocol.HistoryPage{
		Messages: messages,
		HasMore:  hasMore,
	})
}

// handleUpload handles POST /upload. The file is written to storage out
// of band and only the resulting URL ever reaches the message log.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if _, err := s.sessionFromRequest(r); err != nil {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes)

	if err := r.ParseMultipartForm(4 << 20); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "upload_failed")
			return
		}
		writeJSONError(w, http.StatusBadRequest, "upload_failed")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "upload_failed")
		return
	}
	defer file.Close()

	// The kind hint travels back to the client; the client puts it on the
	// chat_message that references the URL.
	kind := r.FormValue("type")
	if !protocol.ValidKind(kind) || kind == protocol.KindText {
		kind = protocol.KindFile
	}

	key := uuid.NewString() + sanitizeExt(header.Filename)
	if err := s.uploads.Write(r.Context(), key, file); err != nil {
		logger.L().Error().Err(err).Str("key", key).Msg("upload write failed")
		writeJSONError(w, http.StatusInternalServerError, "upload_failed")
		return
	}

	url, err := s.uploads.GetURL(r.Context(), key)
	if err != nil {
		logger.L().Error().Err(err).Str("key", key).Msg("upload url resolution failed")
		writeJSONError(w, http.StatusInternalServerError, "upload_failed")
		return
	}

	logger.L().Info().
		Str("key", key).
		Str("kind", kind).
		Int64("bytes", header.Size).
		Msg("upload stored")
	if s.metrics != nil {
		s.metrics.RecordUpload(header.Size)
	}

	writeJSON(w, http.StatusOK, map[string]string{"url": url, "type": kind})
}

// handleUploadedFile handles GET <public_path>/{name} for authenticated
// callers. Key validation inside storage rejects traversal.
func (s *Server) handleUploadedFile(w http.ResponseWriter, r *http.Request) {
	if _, err := s.sessionFromRequest(r); err != nil {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	name := mux.Vars(r)["name"]
	rc, err := s.uploads.Read(r.Context(), name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInvalidKey) {
			writeJSONError(w, http.StatusNotFound, "not found")
			return
		}
		logger.L().Error().Err(err).Str("key", name).Msg("upload read failed")
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	defer rc.Close()

	ctype := mime.TypeByExtension(filepath.Ext(name))
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ctype)
	io.Copy(w, rc)
}

// sessionFromRequest resolves the session cookie to a live session.
func (s *Server) sessionFromRequest(r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return nil, ErrUnauthorized
	}
	return s.sessions.Validate(cookie.Value)
}

// clientOrigin extracts the network origin used for abuse accounting.
// The first X-Forwarded-For hop wins when a proxy fronts the server.
func clientOrigin(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.Index(fwd, ","); idx >= 0 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// sanitizeExt keeps a short, harmless file extension for stored keys.
func sanitizeExt(filename string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(filename)))
	if len(ext) < 2 || len(ext) > 10 {
		return ""
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
