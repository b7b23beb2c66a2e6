package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AyhanMehrzad/Secure-Chanel/pkg/database"
	"github.com/AyhanMehrzad/Secure-Chanel/pkg/protocol"
	"github.com/AyhanMehrzad/Secure-Chanel/pkg/storage"
)

// newHandlerServer builds a server suitable for httptest-driven handler
// tests. No listeners are started and metrics stay nil so parallel test
// runs do not fight over the Prometheus default registry.
func newHandlerServer(t *testing.T) *Server {
	t.Helper()

	dir := t.TempDir()
	db, err := database.Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	store, err := database.NewMemStore(db, time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
		db.Close()
	})

	cfg := DefaultConfig()
	cfg.Users = []UserEntry{
		{Username: "sana", Password: "pw", DisplayName: "Sana"},
		{Username: "ayhan", Password: "pw"},
	}

	guard := NewGuard(cfg.MaxFailures, cfg.FailureWindow, cfg.BlockDuration, cfg.EventRate, cfg.EventBurst)
	sessions, err := NewSessionManager(cfg.Users, cfg.SessionTTL, guard)
	require.NoError(t, err)

	uploads, err := storage.NewLocal(filepath.Join(dir, "uploads"), cfg.UploadPublicPath)
	require.NoError(t, err)

	return &Server{
		config:   cfg,
		db:       db,
		store:    store,
		sessions: sessions,
		guard:    guard,
		hub:      NewHub(),
		uploads:  uploads,
		shutdown: make(chan struct{}),
	}
}

func doRequest(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(v))
}

func loginCookie(t *testing.T, s *Server, username, password string) *http.Cookie {
	t.Helper()

	body, err := json.Marshal(map[string]string{"username": username, "password": password})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	rec := doRequest(s, req)
	require.Equal(t, http.StatusOK, rec.Code)
	for _, c := range rec.Result().Cookies() {
		if c.Name == sessionCookieName {
			return c
		}
	}
	t.Fatal("login response carries no session cookie")
	return nil
}

func TestLoginAcceptsJSONAndForm(t *testing.T) {
	s := newHandlerServer(t)

	cookie := loginCookie(t, s, "sana", "pw")
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, "/", cookie.Path)
	assert.NotEmpty(t, cookie.Value)

	form := url.Values{"username": {"ayhan"}, "password": {"pw"}}
	req := httptest.NewRequest(http.MethodPost, "/api/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := doRequest(s, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	decodeBody(t, rec, &body)
	assert.Equal(t, "ayhan", body["username"])
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	s := newHandlerServer(t)

	body, _ := json.Marshal(map[string]string{"username": "sana", "password": "wrong"})
	req := httptest.NewRequest(http.MethodPost, "/api/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := doRequest(s, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	var resp map[string]string
	decodeBody(t, rec, &resp)
	assert.Equal(t, "invalid credentials", resp["error"])

	// Undecodable JSON body.
	req = httptest.NewRequest(http.MethodPost, "/api/login", strings.NewReader("{"))
	req.Header.Set("Content-Type", "application/json")
	rec = doRequest(s, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLoginBlockedOriginIndistinguishable(t *testing.T) {
	s := newHandlerServer(t)

	attempt := func(origin, password string) *httptest.ResponseRecorder {
		body, _ := json.Marshal(map[string]string{"username": "sana", "password": password})
		req := httptest.NewRequest(http.MethodPost, "/api/login", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Forwarded-For", origin)
		return doRequest(s, req)
	}

	for i := 0; i < 5; i++ {
		rec := attempt("203.0.113.9", "wrong")
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}
	require.True(t, s.guard.IsBlocked("203.0.113.9"))

	// Correct password from the blocked origin versus wrong password from
	// a clean one: the responses must be byte-identical.
	blocked := attempt("203.0.113.9", "pw")
	wrong := attempt("198.51.100.17", "nope")
	assert.Equal(t, http.StatusUnauthorized, blocked.Code)
	assert.Equal(t, wrong.Code, blocked.Code)
	assert.Equal(t, wrong.Body.String(), blocked.Body.String())
	assert.Equal(t, wrong.Header().Get("Content-Type"), blocked.Header().Get("Content-Type"))

	// A clean origin still gets in.
	rec := attempt("198.51.100.17", "pw")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLogoutInvalidatesSession(t *testing.T) {
	s := newHandlerServer(t)
	cookie := loginCookie(t, s, "sana", "pw")

	req := httptest.NewRequest(http.MethodPost, "/api/logout", nil)
	req.AddCookie(cookie)
	rec := doRequest(s, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	// The clearing cookie expires immediately.
	cleared := rec.Result().Cookies()
	require.NotEmpty(t, cleared)
	assert.Negative(t, cleared[0].MaxAge)

	req = httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.AddCookie(cookie)
	rec = doRequest(s, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Logging out again with the dead cookie still succeeds.
	req = httptest.NewRequest(http.MethodPost, "/api/logout", nil)
	req.AddCookie(cookie)
	rec = doRequest(s, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestUserIntrospection(t *testing.T) {
	s := newHandlerServer(t)

	rec := doRequest(s, httptest.NewRequest(http.MethodGet, "/api/user", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var anon userResponse
	decodeBody(t, rec, &anon)
	assert.False(t, anon.IsAuthenticated)
	assert.Empty(t, anon.Username)

	cookie := loginCookie(t, s, "sana", "pw")
	req := httptest.NewRequest(http.MethodGet, "/api/user", nil)
	req.AddCookie(cookie)
	rec = doRequest(s, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var authed userResponse
	decodeBody(t, rec, &authed)
	assert.True(t, authed.IsAuthenticated)
	assert.Equal(t, "sana", authed.Username)
}

func TestStatusEndpoint(t *testing.T) {
	s := newHandlerServer(t)

	rec := doRequest(s, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	cookie := loginCookie(t, s, "sana", "pw")
	s.hub.Admit(NewConn("conn-a", "sana", "127.0.0.1", nil))

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.AddCookie(cookie)
	rec = doRequest(s, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var status statusResponse
	decodeBody(t, rec, &status)
	assert.Equal(t, "sana", status.User)
	assert.Equal(t, 1, status.ActiveSessions)
	assert.Equal(t, []string{"sana"}, status.ConnectedUsers)
	_, err := time.Parse(time.RFC3339, status.Timestamp)
	assert.NoError(t, err)
}

func TestHealthEndpoint(t *testing.T) {
	s := newHandlerServer(t)

	rec := doRequest(s, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var health healthResponse
	decodeBody(t, rec, &health)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 0, health.ActiveSessions)
	assert.Equal(t, 0, health.BlockedIPs)
}

func TestMessagesEndpoint(t *testing.T) {
	s := newHandlerServer(t)

	rec := doRequest(s, httptest.NewRequest(http.MethodGet, "/api/messages", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	var stored []*database.Message
	for _, body := range []string{"m1", "m2", "m3"} {
		m, err := s.store.Append("sana", protocol.KindText, body, nil)
		require.NoError(t, err)
		stored = append(stored, m)
	}

	cookie := loginCookie(t, s, "sana", "pw")
	get := func(query string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/messages"+query, nil)
		req.AddCookie(cookie)
		return doRequest(s, req)
	}

	// Without a cursor: the newest page, oldest first.
	rec = get("")
	require.Equal(t, http.StatusOK, rec.Code)
	var page protocol.HistoryPage
	decodeBody(t, rec, &page)
	require.Len(t, page.Messages, 3)
	assert.Equal(t, "m1", page.Messages[0].Msg)
	assert.Equal(t, "m3", page.Messages[2].Msg)
	assert.False(t, page.HasMore)

	rec = get("?limit=2")
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &page)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "m2", page.Messages[0].Msg)
	assert.True(t, page.HasMore)

	rec = get(fmt.Sprintf("?before_ts=%d", stored[1].CreatedAt))
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &page)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "m1", page.Messages[0].Msg)
	assert.False(t, page.HasMore)

	for _, query := range []string{"?limit=abc", "?limit=0", "?limit=-3", "?before_ts=abc", "?before_ts=0", "?before_ts=-1"} {
		rec = get(query)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "query %s", query)
		var resp map[string]string
		decodeBody(t, rec, &resp)
		assert.Equal(t, "invalid_cursor", resp["error"], "query %s", query)
	}
}

func multipartUpload(t *testing.T, kind, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if kind != "" {
		require.NoError(t, mw.WriteField("type", kind))
	}
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestUploadRoundTrip(t *testing.T) {
	s := newHandlerServer(t)
	cookie := loginCookie(t, s, "sana", "pw")
	content := []byte("fake png bytes")

	body, ctype := multipartUpload(t, "image", "photo.PNG", content)
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", ctype)
	req.AddCookie(cookie)
	rec := doRequest(s, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	decodeBody(t, rec, &resp)
	assert.Equal(t, "image", resp["type"])
	require.True(t, strings.HasPrefix(resp["url"], "/uploads/"), "got url %q", resp["url"])
	assert.True(t, strings.HasSuffix(resp["url"], ".png"), "extension is lowercased, got %q", resp["url"])

	// The returned URL serves the original bytes back.
	req = httptest.NewRequest(http.MethodGet, resp["url"], nil)
	req.AddCookie(cookie)
	rec = doRequest(s, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	got, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	// Unknown keys 404 without leaking storage paths.
	req = httptest.NewRequest(http.MethodGet, "/uploads/nope.png", nil)
	req.AddCookie(cookie)
	rec = doRequest(s, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUploadDefaultsKind(t *testing.T) {
	s := newHandlerServer(t)
	cookie := loginCookie(t, s, "sana", "pw")

	// Missing and non-media kinds collapse to "file".
	for _, kind := range []string{"", "text", "trojan"} {
		body, ctype := multipartUpload(t, kind, "doc.pdf", []byte("pdf"))
		req := httptest.NewRequest(http.MethodPost, "/upload", body)
		req.Header.Set("Content-Type", ctype)
		req.AddCookie(cookie)
		rec := doRequest(s, req)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp map[string]string
		decodeBody(t, rec, &resp)
		assert.Equal(t, protocol.KindFile, resp["type"], "kind %q", kind)
	}
}

func TestUploadRequiresAuth(t *testing.T) {
	s := newHandlerServer(t)

	body, ctype := multipartUpload(t, "image", "photo.png", []byte("data"))
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", ctype)
	rec := doRequest(s, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(s, httptest.NewRequest(http.MethodGet, "/uploads/some.png", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUploadTooLarge(t *testing.T) {
	s := newHandlerServer(t)
	s.config.MaxUploadBytes = 128
	cookie := loginCookie(t, s, "sana", "pw")

	body, ctype := multipartUpload(t, "file", "big.bin", bytes.Repeat([]byte("x"), 4096))
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", ctype)
	req.AddCookie(cookie)
	rec := doRequest(s, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestUploadMissingFileField(t *testing.T) {
	s := newHandlerServer(t)
	cookie := loginCookie(t, s, "sana", "pw")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("type", "image"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.AddCookie(cookie)
	rec := doRequest(s, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestClientOrigin(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.9.8.7:4242"
	assert.Equal(t, "10.9.8.7", clientOrigin(req))

	req.Header.Set("X-Forwarded-For", "1.1.1.1, 2.2.2.2")
	assert.Equal(t, "1.1.1.1", clientOrigin(req))

	req.Header.Set("X-Forwarded-For", " 3.3.3.3 ")
	assert.Equal(t, "3.3.3.3", clientOrigin(req))
}

func TestSanitizeExt(t *testing.T) {
	cases := map[string]string{
		"photo.PNG":        ".png",
		"archive.tar.gz":   ".gz",
		"noext":            "",
		"trailingdot.":     "",
		"weird.p!g":        "",
		"../../etc/passwd": "",
		"ok.mp4":           ".mp4",
		"long.superduperextension": "",
	}
	for input, want := range cases {
		assert.Equal(t, want, sanitizeExt(input), "input %q", input)
	}
}
