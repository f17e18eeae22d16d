package api

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"accounts/internal/auth"
	"accounts/internal/blob"
	"accounts/internal/config"
	"accounts/internal/db"
	"accounts/internal/models"
	"accounts/internal/session"
)

type testServer struct {
	handler http.Handler
	repo    *db.UserRepository
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	database, err := db.OpenAndMigrate(context.Background(), db.DriverSQLite, filepath.Join(t.TempDir(), "accounts.db"))
	if err != nil {
		t.Fatalf("OpenAndMigrate() error = %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })

	cfg, err := config.Parse([]byte(`
server:
  base_url: "http://accounts.test"
auth:
  access_token_secret: "access-0123456789abcdefghijklmnopqrstuv"
  refresh_token_secret: "refresh-0123456789abcdefghijklmnopqrstu"
`))
	if err != nil {
		t.Fatalf("config.Parse() error = %v", err)
	}

	blobs, err := blob.NewLocalStore(t.TempDir(), cfg.Server.BaseURL, cfg.Storage.UploadMaxBytes)
	if err != nil {
		t.Fatalf("NewLocalStore() error = %v", err)
	}

	repo := db.NewUserRepository(database)
	tokens := auth.NewJWTService(auth.TokenConfig{
		AccessSecret:  cfg.Auth.AccessTokenSecret,
		AccessTTL:     cfg.Auth.AccessTokenTTL,
		RefreshSecret: cfg.Auth.RefreshTokenSecret,
		RefreshTTL:    cfg.Auth.RefreshTokenTTL,
	})
	manager := session.NewManager(repo, auth.NewPasswordHasher(), tokens, blobs)

	return &testServer{
		handler: NewServer(cfg, database, manager, tokens, blobs, NewMetrics()),
		repo:    repo,
	}
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	s.handler.ServeHTTP(rr, req)
	return rr
}

func testPNG(t *testing.T) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for x := 0; x < 4; x++ {
		for y := 0; y < 4; y++ {
			img.Set(x, y, color.RGBA{R: 200, G: 10, B: 10, A: 255})
		}
	}
	buf := bytes.NewBuffer(nil)
	if err := png.Encode(buf, img); err != nil {
		t.Fatalf("png.Encode() error = %v", err)
	}
	return buf.Bytes()
}

func multipartRequest(t *testing.T, method, target string, fields map[string]string, files map[string][]byte) *http.Request {
	t.Helper()

	body := bytes.NewBuffer(nil)
	mw := multipart.NewWriter(body)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("WriteField() error = %v", err)
		}
	}
	for field, data := range files {
		part, err := mw.CreateFormFile(field, field+".png")
		if err != nil {
			t.Fatalf("CreateFormFile() error = %v", err)
		}
		if _, err := part.Write(data); err != nil {
			t.Fatalf("part.Write() error = %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("multipart Close() error = %v", err)
	}

	req := httptest.NewRequest(method, target, body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func jsonRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

type envelope struct {
	StatusCode int             `json:"statusCode"`
	Success    bool            `json:"success"`
	Message    string          `json:"message"`
	Data       json.RawMessage `json:"data"`
}

func decodeEnvelope(t *testing.T, rr *httptest.ResponseRecorder) envelope {
	t.Helper()

	var env envelope
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("json.Unmarshal() error = %v, body=%q", err, rr.Body.String())
	}
	if env.StatusCode != rr.Code {
		t.Fatalf("envelope statusCode = %d, want %d", env.StatusCode, rr.Code)
	}
	if env.Success != (rr.Code < 400) {
		t.Fatalf("envelope success = %v for status %d", env.Success, rr.Code)
	}
	return env
}

func (s *testServer) register(t *testing.T, username, email, password string) {
	t.Helper()

	rr := s.do(multipartRequest(t, http.MethodPost, "/api/v1/users/register", map[string]string{
		"fullName": "Test " + username,
		"username": username,
		"email":    email,
		"password": password,
	}, map[string][]byte{"avatar": testPNG(t)}))
	if rr.Code != http.StatusCreated {
		t.Fatalf("register status = %d, want %d, body=%q", rr.Code, http.StatusCreated, rr.Body.String())
	}
}

func (s *testServer) login(t *testing.T, body string) (*httptest.ResponseRecorder, LoginResponse) {
	t.Helper()

	rr := s.do(jsonRequest(http.MethodPost, "/api/v1/users/login", body))
	env := decodeEnvelope(t, rr)
	var data LoginResponse
	if rr.Code == http.StatusOK {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			t.Fatalf("json.Unmarshal(data) error = %v", err)
		}
	}
	return rr, data
}

func cookieByName(rr *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rr.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestRegisterCreatesUserWithoutCredentials(t *testing.T) {
	s := newTestServer(t)

	rr := s.do(multipartRequest(t, http.MethodPost, "/api/v1/users/register", map[string]string{
		"fullName": "Alice Liddell",
		"username": "Alice",
		"email":    "A@X.com",
		"password": "pw1",
	}, map[string][]byte{"avatar": testPNG(t)}))

	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d, body=%q", rr.Code, http.StatusCreated, rr.Body.String())
	}
	env := decodeEnvelope(t, rr)
	if strings.Contains(string(env.Data), "password") || strings.Contains(string(env.Data), "refresh") {
		t.Fatalf("data leaks credentials: %s", env.Data)
	}

	var user map[string]any
	if err := json.Unmarshal(env.Data, &user); err != nil {
		t.Fatalf("json.Unmarshal(data) error = %v", err)
	}
	if user["username"] != "alice" || user["email"] != "a@x.com" {
		t.Fatalf("user = %v, want folded username and email", user)
	}
	avatar, _ := user["avatar"].(string)
	if !strings.HasPrefix(avatar, "http://accounts.test/media/avatar/") {
		t.Fatalf("avatar = %q, want local media URL", avatar)
	}

	media := s.do(httptest.NewRequest(http.MethodGet, strings.TrimPrefix(avatar, "http://accounts.test"), nil))
	if media.Code != http.StatusOK {
		t.Fatalf("media status = %d, want %d", media.Code, http.StatusOK)
	}
	if ct := media.Header().Get("Content-Type"); ct != "image/jpeg" {
		t.Fatalf("media Content-Type = %q, want image/jpeg", ct)
	}
}

func TestRegisterRejectsDuplicateAndMissingAvatar(t *testing.T) {
	s := newTestServer(t)
	s.register(t, "alice", "a@x.com", "pw1")

	rr := s.do(multipartRequest(t, http.MethodPost, "/api/v1/users/register", map[string]string{
		"fullName": "Other",
		"username": "ALICE",
		"email":    "b@x.com",
		"password": "pw2",
	}, map[string][]byte{"avatar": testPNG(t)}))
	if rr.Code != http.StatusConflict {
		t.Fatalf("duplicate status = %d, want %d, body=%q", rr.Code, http.StatusConflict, rr.Body.String())
	}
	decodeEnvelope(t, rr)

	rr = s.do(multipartRequest(t, http.MethodPost, "/api/v1/users/register", map[string]string{
		"fullName": "Bob",
		"username": "bob",
		"email":    "bob@x.com",
		"password": "pw",
	}, nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("missing avatar status = %d, want %d, body=%q", rr.Code, http.StatusBadRequest, rr.Body.String())
	}

	rr = s.do(multipartRequest(t, http.MethodPost, "/api/v1/users/register", map[string]string{
		"fullName": "Bob",
		"username": "bob",
		"email":    "not-an-email",
		"password": "pw",
	}, map[string][]byte{"avatar": testPNG(t)}))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad email status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestRegisterRejectsNonImageAvatar(t *testing.T) {
	s := newTestServer(t)

	rr := s.do(multipartRequest(t, http.MethodPost, "/api/v1/users/register", map[string]string{
		"fullName": "Eve",
		"username": "eve",
		"email":    "e@x.com",
		"password": "pw",
	}, map[string][]byte{"avatar": []byte("MZ\x90\x00 not an image")}))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d, body=%q", rr.Code, http.StatusBadRequest, rr.Body.String())
	}
	env := decodeEnvelope(t, rr)
	if env.Message != "Executable files are not allowed" {
		t.Fatalf("message = %q", env.Message)
	}
}

func TestRegisterRejectsAmbiguousUsernameAndLongPassword(t *testing.T) {
	s := newTestServer(t)
	s.register(t, "alice", "bob@x.com", "pw1")

	tests := []struct {
		name     string
		username string
		password string
	}{
		{name: "username_looks_like_email", username: "bob@x.com", password: "pw2"},
		{name: "password_over_72_bytes", username: "bob", password: strings.Repeat("é", 40)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := s.do(multipartRequest(t, http.MethodPost, "/api/v1/users/register", map[string]string{
				"fullName": "Bob",
				"username": tt.username,
				"email":    "c@x.com",
				"password": tt.password,
			}, map[string][]byte{"avatar": testPNG(t)}))
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want %d, body=%q", rr.Code, http.StatusBadRequest, rr.Body.String())
			}
			decodeEnvelope(t, rr)
		})
	}
}

func TestLoginSetsSecureCookiesAndReturnsTokens(t *testing.T) {
	s := newTestServer(t)
	s.register(t, "alice", "a@x.com", "pw1")

	rr, data := s.login(t, `{"email":"A@x.com","password":"pw1"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body=%q", rr.Code, http.StatusOK, rr.Body.String())
	}
	if data.AccessToken == "" || data.RefreshToken == "" {
		t.Fatalf("tokens missing from body: %+v", data)
	}
	if data.User == nil || data.User.Username != "alice" {
		t.Fatalf("user = %+v, want alice", data.User)
	}

	for name, want := range map[string]string{"accessToken": data.AccessToken, "refreshToken": data.RefreshToken} {
		c := cookieByName(rr, name)
		if c == nil {
			t.Fatalf("cookie %s not set", name)
		}
		if c.Value != want || !c.HttpOnly || !c.Secure || c.Path != "/" {
			t.Fatalf("cookie %s = %+v, want HttpOnly Secure value from body", name, c)
		}
	}
}

func TestLoginFailures(t *testing.T) {
	s := newTestServer(t)
	s.register(t, "alice", "a@x.com", "pw1")

	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "no_identifier", body: `{"password":"pw1"}`, want: http.StatusBadRequest},
		{name: "blank_identifiers", body: `{"username":"  ","email":"","password":"pw1"}`, want: http.StatusBadRequest},
		{name: "unknown_user", body: `{"username":"bob","password":"pw1"}`, want: http.StatusNotFound},
		{name: "wrong_password", body: `{"username":"alice","password":"nope"}`, want: http.StatusUnauthorized},
		{name: "malformed", body: `{"username":`, want: http.StatusBadRequest},
		{name: "unknown_field", body: `{"user":"alice","password":"pw1"}`, want: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr, _ := s.login(t, tt.body)
			if rr.Code != tt.want {
				t.Fatalf("status = %d, want %d, body=%q", rr.Code, tt.want, rr.Body.String())
			}
			if cookieByName(rr, "refreshToken") != nil {
				t.Fatal("failed login must not set cookies")
			}
		})
	}
}

func TestRefreshRotatesAndRejectsReuse(t *testing.T) {
	s := newTestServer(t)
	s.register(t, "alice", "a@x.com", "pw1")
	_, first := s.login(t, `{"username":"alice","password":"pw1"}`)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/users/refresh-token", nil)
	req.AddCookie(&http.Cookie{Name: "refreshToken", Value: first.RefreshToken})
	rr := s.do(req)
	if rr.Code != http.StatusOK {
		t.Fatalf("refresh status = %d, want %d, body=%q", rr.Code, http.StatusOK, rr.Body.String())
	}
	env := decodeEnvelope(t, rr)
	var pair TokenPairResponse
	if err := json.Unmarshal(env.Data, &pair); err != nil {
		t.Fatalf("json.Unmarshal(data) error = %v", err)
	}
	if pair.RefreshToken == "" || pair.RefreshToken == first.RefreshToken {
		t.Fatalf("refresh token not rotated: %q", pair.RefreshToken)
	}
	if c := cookieByName(rr, "refreshToken"); c == nil || c.Value != pair.RefreshToken {
		t.Fatal("refresh cookie not updated")
	}

	rr = s.do(jsonRequest(http.MethodPost, "/api/v1/users/refresh-token", `{"refreshToken":"`+first.RefreshToken+`"}`))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("reuse status = %d, want %d, body=%q", rr.Code, http.StatusForbidden, rr.Body.String())
	}

	rr = s.do(httptest.NewRequest(http.MethodPost, "/api/v1/users/refresh-token", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("missing token status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}
}

func TestRefreshPrefersBodyTokenOverStaleCookie(t *testing.T) {
	s := newTestServer(t)
	s.register(t, "alice", "a@x.com", "pw1")
	_, stale := s.login(t, `{"username":"alice","password":"pw1"}`)
	_, current := s.login(t, `{"username":"alice","password":"pw1"}`)

	req := jsonRequest(http.MethodPost, "/api/v1/users/refresh-token", `{"refreshToken":"`+current.RefreshToken+`"}`)
	req.AddCookie(&http.Cookie{Name: "refreshToken", Value: stale.RefreshToken})
	rr := s.do(req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body=%q", rr.Code, http.StatusOK, rr.Body.String())
	}
}

func TestLogoutClearsCookiesAndRevokesRefresh(t *testing.T) {
	s := newTestServer(t)
	s.register(t, "alice", "a@x.com", "pw1")
	_, sess := s.login(t, `{"username":"alice","password":"pw1"}`)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/users/logout", nil)
	req.AddCookie(&http.Cookie{Name: "accessToken", Value: sess.AccessToken})
	rr := s.do(req)
	if rr.Code != http.StatusOK {
		t.Fatalf("logout status = %d, want %d, body=%q", rr.Code, http.StatusOK, rr.Body.String())
	}
	for _, name := range []string{"accessToken", "refreshToken"} {
		c := cookieByName(rr, name)
		if c == nil || c.Value != "" || c.MaxAge >= 0 {
			t.Fatalf("cookie %s = %+v, want cleared", name, c)
		}
	}

	rr = s.do(jsonRequest(http.MethodPost, "/api/v1/users/refresh-token", `{"refreshToken":"`+sess.RefreshToken+`"}`))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("refresh after logout status = %d, want %d", rr.Code, http.StatusForbidden)
	}
}

func TestProtectedRoutesRequireAccessToken(t *testing.T) {
	s := newTestServer(t)
	s.register(t, "alice", "a@x.com", "pw1")
	_, sess := s.login(t, `{"username":"alice","password":"pw1"}`)

	rr := s.do(httptest.NewRequest(http.MethodGet, "/api/v1/users/current-user", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}
	decodeEnvelope(t, rr)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/users/current-user", nil)
	req.Header.Set("Authorization", "Bearer "+sess.RefreshToken)
	if rr := s.do(req); rr.Code != http.StatusUnauthorized {
		t.Fatalf("refresh-as-access status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/users/current-user", nil)
	req.Header.Set("Authorization", "Bearer "+sess.AccessToken)
	rr = s.do(req)
	if rr.Code != http.StatusOK {
		t.Fatalf("bearer status = %d, want %d, body=%q", rr.Code, http.StatusOK, rr.Body.String())
	}
}

func TestChangePasswordKeepsSession(t *testing.T) {
	s := newTestServer(t)
	s.register(t, "alice", "a@x.com", "pw1")
	_, sess := s.login(t, `{"username":"alice","password":"pw1"}`)

	change := func(body string) *httptest.ResponseRecorder {
		req := jsonRequest(http.MethodPost, "/api/v1/users/change-password", body)
		req.Header.Set("Authorization", "Bearer "+sess.AccessToken)
		return s.do(req)
	}

	if rr := change(`{"oldPassword":"wrong","newPassword":"pw2"}`); rr.Code != http.StatusUnauthorized {
		t.Fatalf("wrong old password status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}
	if rr := change(`{"oldPassword":"pw1"}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("missing new password status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
	if rr := change(`{"oldPassword":"pw1","newPassword":"pw2"}`); rr.Code != http.StatusOK {
		t.Fatalf("change status = %d, want %d, body=%q", rr.Code, http.StatusOK, rr.Body.String())
	}

	if rr, _ := s.login(t, `{"username":"alice","password":"pw1"}`); rr.Code != http.StatusUnauthorized {
		t.Fatalf("old password login status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}

	rr := s.do(jsonRequest(http.MethodPost, "/api/v1/users/refresh-token", `{"refreshToken":"`+sess.RefreshToken+`"}`))
	if rr.Code != http.StatusOK {
		t.Fatalf("refresh after password change status = %d, want %d", rr.Code, http.StatusOK)
	}
}

func TestUpdateAccountAndAvatar(t *testing.T) {
	s := newTestServer(t)
	s.register(t, "alice", "a@x.com", "pw1")
	s.register(t, "bob", "b@x.com", "pw1")
	_, sess := s.login(t, `{"username":"alice","password":"pw1"}`)

	req := jsonRequest(http.MethodPatch, "/api/v1/users/update-account", `{"email":"B@x.com"}`)
	req.Header.Set("Authorization", "Bearer "+sess.AccessToken)
	if rr := s.do(req); rr.Code != http.StatusConflict {
		t.Fatalf("taken email status = %d, want %d", rr.Code, http.StatusConflict)
	}

	req = jsonRequest(http.MethodPatch, "/api/v1/users/update-account", `{"fullName":"Alice L"}`)
	req.Header.Set("Authorization", "Bearer "+sess.AccessToken)
	rr := s.do(req)
	if rr.Code != http.StatusOK {
		t.Fatalf("update status = %d, want %d, body=%q", rr.Code, http.StatusOK, rr.Body.String())
	}
	if !strings.Contains(decodeEnvelope(t, rr).Message, "updated") {
		t.Fatalf("unexpected message body=%q", rr.Body.String())
	}

	req = multipartRequest(t, http.MethodPatch, "/api/v1/users/avatar", nil, map[string][]byte{"avatar": testPNG(t)})
	req.Header.Set("Authorization", "Bearer "+sess.AccessToken)
	if rr := s.do(req); rr.Code != http.StatusOK {
		t.Fatalf("avatar status = %d, want %d, body=%q", rr.Code, http.StatusOK, rr.Body.String())
	}

	req = multipartRequest(t, http.MethodPatch, "/api/v1/users/cover-image", nil, nil)
	req.Header.Set("Authorization", "Bearer "+sess.AccessToken)
	if rr := s.do(req); rr.Code != http.StatusBadRequest {
		t.Fatalf("missing cover status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestHealthMetricsAndNotFound(t *testing.T) {
	s := newTestServer(t)

	rr := s.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("health status = %d, want %d", rr.Code, http.StatusOK)
	}
	if rr.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatal("security headers missing")
	}

	s.login(t, `{"username":"ghost","password":"pw"}`)

	rr = s.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics status = %d, want %d", rr.Code, http.StatusOK)
	}
	body, _ := io.ReadAll(rr.Body)
	if !strings.Contains(string(body), `accounts_session_operations_total{operation="login",outcome="not_found"} 1`) {
		t.Fatalf("metrics missing login outcome:\n%s", body)
	}

	rr = s.do(httptest.NewRequest(http.MethodGet, "/nope", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("unknown route status = %d, want %d", rr.Code, http.StatusNotFound)
	}
	decodeEnvelope(t, rr)

	rr = s.do(httptest.NewRequest(http.MethodGet, "/media/../config.yaml", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("traversal status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestExpiredAccessTokenIsRejected(t *testing.T) {
	s := newTestServer(t)
	s.register(t, "alice", "a@x.com", "pw1")

	user, err := s.repo.FindOne(context.Background(), models.UserFilter{Username: "alice"})
	if err != nil {
		t.Fatalf("FindOne() error = %v", err)
	}

	expired := auth.NewJWTService(auth.TokenConfig{
		AccessSecret:  "access-0123456789abcdefghijklmnopqrstuv",
		AccessTTL:     -time.Minute,
		RefreshSecret: "refresh-0123456789abcdefghijklmnopqrstu",
		RefreshTTL:    time.Hour,
	})
	token, err := expired.IssueAccess(user)
	if err != nil {
		t.Fatalf("IssueAccess() error = %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/users/current-user", nil)
	req.AddCookie(&http.Cookie{Name: "accessToken", Value: token})
	if rr := s.do(req); rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}
}
