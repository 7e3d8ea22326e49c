package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"sohbet/internal/config"
	"sohbet/internal/cryptox"
	"sohbet/internal/identity"
	"sohbet/internal/models"
	"sohbet/internal/storage"
	"sohbet/internal/store"
)

var testDBSeq atomic.Int64

type fakeTitler struct {
	calls atomic.Int32
}

func (f *fakeTitler) GenerateTitle(ctx context.Context, messages []string) (string, error) {
	f.calls.Add(1)
	return "Uretilen Baslik", nil
}

type fakeQuerier struct{}

func (fakeQuerier) Ask(ctx context.Context, identityID, question string) (string, error) {
	return fmt.Sprintf("cevap: %s", question), nil
}

type recordingMailer struct {
	token string
}

func (m *recordingMailer) Send(to, subject, body string) error {
	m.token = body
	return nil
}

func newTestServer(t *testing.T) (*gin.Engine, *sql.DB, *recordingMailer) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite": {
				DSN: fmt.Sprintf("file:api_test_%d?mode=memory&cache=shared&_busy_timeout=5000", testDBSeq.Add(1)),
			},
		},
	}
	db, err := storage.Open("sqlite", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	if err := storage.Migrate(db, "sqlite"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}

	mailer := &recordingMailer{}
	identitySvc := identity.NewService(db, nil, mailer, time.Hour)
	st := store.New(db, cryptox.NewCipher(), store.NewLocalNotifier())
	handler := NewHandler(identitySvc, st, &fakeTitler{}, fakeQuerier{})

	router := gin.New()
	handler.RegisterRoutes(router)
	return router, db, mailer
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d, body: %s", rec.Code, rec.Body.String())
	}
}

func registerAndLogin(t *testing.T, router *gin.Engine) (string, map[string]string) {
	t.Helper()
	email := fmt.Sprintf("tester_%d@example.com", time.Now().UnixNano())
	password := "parola123"
	regResp := doJSONRequest(t, router, http.MethodPost, "/api/accounts/register", map[string]string{
		"email":    email,
		"password": password,
	}, nil)
	assertStatus(t, regResp, http.StatusCreated)
	var regBody struct {
		ID string `json:"id"`
	}
	decodeJSON(t, regResp.Body.Bytes(), &regBody)
	if regBody.ID == "" {
		t.Fatalf("expected account id in register response")
	}

	loginResp := doJSONRequest(t, router, http.MethodPost, "/api/accounts/login", map[string]string{
		"email":    email,
		"password": password,
	}, nil)
	assertStatus(t, loginResp, http.StatusOK)
	var loginBody struct {
		AuthToken string `json:"auth_token"`
	}
	decodeJSON(t, loginResp.Body.Bytes(), &loginBody)
	if loginBody.AuthToken == "" {
		t.Fatalf("expected auth token after login")
	}
	return regBody.ID, map[string]string{"Authorization": "Bearer " + loginBody.AuthToken}
}

func TestChatEndToEndFlow(t *testing.T) {
	router, db, _ := newTestServer(t)
	_, authHeader := registerAndLogin(t, router)

	// Activate lands the account in a fresh session.
	actResp := doJSONRequest(t, router, http.MethodPost, "/api/chat/activate", nil, authHeader)
	assertStatus(t, actResp, http.StatusOK)
	var actBody struct {
		Active struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"active_session"`
		Sessions []models.Session `json:"sessions"`
	}
	decodeJSON(t, actResp.Body.Bytes(), &actBody)
	if actBody.Active.ID == "" {
		t.Fatalf("expected active session, body: %s", actResp.Body.String())
	}
	if actBody.Active.Title != "Yeni Sohbet" {
		t.Fatalf("expected default title, got %q", actBody.Active.Title)
	}
	if len(actBody.Sessions) == 0 {
		t.Fatal("expected non-empty session list after activation")
	}

	// Send a message; the collaborator answer comes back and both turns persist.
	sendResp := doJSONRequest(t, router, http.MethodPost, "/api/chat/send",
		map[string]string{"content": "merhaba"}, authHeader)
	assertStatus(t, sendResp, http.StatusOK)
	var sendBody struct {
		User struct {
			Content string `json:"content"`
		} `json:"user_message"`
		Assistant struct {
			Content string `json:"content"`
		} `json:"assistant_message"`
	}
	decodeJSON(t, sendResp.Body.Bytes(), &sendBody)
	if sendBody.User.Content != "merhaba" {
		t.Fatalf("unexpected user message: %s", sendResp.Body.String())
	}
	if sendBody.Assistant.Content != "cevap: merhaba" {
		t.Fatalf("unexpected assistant message: %s", sendResp.Body.String())
	}

	var stored int
	if err := db.QueryRow("SELECT COUNT(1) FROM messages").Scan(&stored); err != nil {
		t.Fatalf("count messages: %v", err)
	}
	if stored != 2 {
		t.Fatalf("expected 2 stored messages, got %d", stored)
	}

	// Read them back through the API.
	msgResp := doJSONRequest(t, router, http.MethodGet,
		"/api/chat/sessions/"+actBody.Active.ID+"/messages", nil, authHeader)
	assertStatus(t, msgResp, http.StatusOK)
	var msgBody struct {
		Messages []models.Message `json:"messages"`
	}
	decodeJSON(t, msgResp.Body.Bytes(), &msgBody)
	if len(msgBody.Messages) != 2 || msgBody.Messages[0].Role != models.RoleUser {
		t.Fatalf("unexpected messages: %s", msgResp.Body.String())
	}

	// Deleting the only session still leaves the account with one.
	delResp := doJSONRequest(t, router, http.MethodDelete,
		"/api/chat/sessions/"+actBody.Active.ID, nil, authHeader)
	assertStatus(t, delResp, http.StatusOK)
	var delBody struct {
		Active string `json:"active_session_id"`
	}
	decodeJSON(t, delResp.Body.Bytes(), &delBody)
	if delBody.Active == "" || delBody.Active == actBody.Active.ID {
		t.Fatalf("expected a different active session, got %q", delBody.Active)
	}

	// Logout revokes the token.
	logoutResp := doJSONRequest(t, router, http.MethodPost, "/api/accounts/logout", nil, authHeader)
	assertStatus(t, logoutResp, http.StatusNoContent)
	failResp := doJSONRequest(t, router, http.MethodGet, "/api/chat/sessions", nil, authHeader)
	assertStatus(t, failResp, http.StatusUnauthorized)
}

func TestSendWithoutActivation(t *testing.T) {
	router, _, _ := newTestServer(t)
	_, authHeader := registerAndLogin(t, router)

	resp := doJSONRequest(t, router, http.MethodPost, "/api/chat/send",
		map[string]string{"content": "merhaba"}, authHeader)
	assertStatus(t, resp, http.StatusConflict)
}

func TestSendValidation(t *testing.T) {
	router, _, _ := newTestServer(t)
	_, authHeader := registerAndLogin(t, router)

	resp := doJSONRequest(t, router, http.MethodPost, "/api/chat/send",
		map[string]string{"content": "   "}, authHeader)
	assertStatus(t, resp, http.StatusBadRequest)
}

func TestChatRequiresAuthorization(t *testing.T) {
	router, _, _ := newTestServer(t)

	resp := doJSONRequest(t, router, http.MethodGet, "/api/chat/sessions", nil, nil)
	assertStatus(t, resp, http.StatusUnauthorized)
}

func TestEmailVerificationEndpoint(t *testing.T) {
	router, _, mailer := newTestServer(t)
	email := "verify-me@example.com"

	regResp := doJSONRequest(t, router, http.MethodPost, "/api/accounts/register", map[string]string{
		"email":    email,
		"password": "parola123",
	}, nil)
	assertStatus(t, regResp, http.StatusCreated)
	if mailer.token == "" {
		t.Fatal("expected verification token in mail")
	}

	badResp := doJSONRequest(t, router, http.MethodPost, "/api/accounts/verify",
		map[string]string{"token": "bogus"}, nil)
	assertStatus(t, badResp, http.StatusBadRequest)

	okResp := doJSONRequest(t, router, http.MethodPost, "/api/accounts/verify",
		map[string]string{"token": mailer.token}, nil)
	assertStatus(t, okResp, http.StatusNoContent)

	loginResp := doJSONRequest(t, router, http.MethodPost, "/api/accounts/login", map[string]string{
		"email":    email,
		"password": "parola123",
	}, nil)
	assertStatus(t, loginResp, http.StatusOK)
	var loginBody struct {
		EmailVerified bool `json:"emailVerified"`
	}
	decodeJSON(t, loginResp.Body.Bytes(), &loginBody)
	if !loginBody.EmailVerified {
		t.Fatal("account not reported verified after token consumption")
	}
}

func TestPasswordResetEndpoints(t *testing.T) {
	router, _, mailer := newTestServer(t)
	email := "reset-me@example.com"

	regResp := doJSONRequest(t, router, http.MethodPost, "/api/accounts/register", map[string]string{
		"email":    email,
		"password": "eski-parola",
	}, nil)
	assertStatus(t, regResp, http.StatusCreated)

	reqResp := doJSONRequest(t, router, http.MethodPost, "/api/accounts/reset-request",
		map[string]string{"email": email}, nil)
	assertStatus(t, reqResp, http.StatusNoContent)

	resetResp := doJSONRequest(t, router, http.MethodPost, "/api/accounts/reset",
		map[string]string{"token": mailer.token, "password": "yeni-parola"}, nil)
	assertStatus(t, resetResp, http.StatusNoContent)

	oldResp := doJSONRequest(t, router, http.MethodPost, "/api/accounts/login", map[string]string{
		"email":    email,
		"password": "eski-parola",
	}, nil)
	assertStatus(t, oldResp, http.StatusUnauthorized)
	newResp := doJSONRequest(t, router, http.MethodPost, "/api/accounts/login", map[string]string{
		"email":    email,
		"password": "yeni-parola",
	}, nil)
	assertStatus(t, newResp, http.StatusOK)
}

func TestCookieAuthRequiresCSRFToken(t *testing.T) {
	router, _, _ := newTestServer(t)
	email := fmt.Sprintf("csrf_%d@example.com", time.Now().UnixNano())

	regResp := doJSONRequest(t, router, http.MethodPost, "/api/accounts/register", map[string]string{
		"email":    email,
		"password": "parola123",
	}, nil)
	assertStatus(t, regResp, http.StatusCreated)
	loginResp := doJSONRequest(t, router, http.MethodPost, "/api/accounts/login", map[string]string{
		"email":    email,
		"password": "parola123",
	}, nil)
	assertStatus(t, loginResp, http.StatusOK)

	cookies := loginResp.Result().Cookies()
	var csrfValue string
	for _, ck := range cookies {
		if ck.Name == "csrf_token" {
			csrfValue = ck.Value
		}
	}
	if csrfValue == "" {
		t.Fatal("expected csrf cookie from login")
	}

	withCookies := func(headers map[string]string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/chat/activate", strings.NewReader("{}"))
		req.Header.Set("Content-Type", "application/json")
		for _, ck := range cookies {
			req.AddCookie(ck)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	// Cookie auth without the double-submit header is rejected.
	assertStatus(t, withCookies(nil), http.StatusForbidden)
	// With the header it goes through.
	assertStatus(t, withCookies(map[string]string{"X-CSRF-Token": csrfValue}), http.StatusOK)
}

func TestStreamEndpointDeliversSnapshots(t *testing.T) {
	router, _, _ := newTestServer(t)
	_, authHeader := registerAndLogin(t, router)

	actResp := doJSONRequest(t, router, http.MethodPost, "/api/chat/activate", nil, authHeader)
	assertStatus(t, actResp, http.StatusOK)
	var actBody struct {
		Active struct {
			ID string `json:"id"`
		} `json:"active_session"`
	}
	decodeJSON(t, actResp.Body.Bytes(), &actBody)

	sendResp := doJSONRequest(t, router, http.MethodPost, "/api/chat/send",
		map[string]string{"content": "ilk mesaj"}, authHeader)
	assertStatus(t, sendResp, http.StatusOK)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/chat/sessions/"+actBody.Active.ID+"/stream", nil)
	req = req.WithContext(ctx)
	for k, v := range authHeader {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		router.ServeHTTP(rec, req)
	}()
	time.Sleep(200 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream handler did not stop on client disconnect")
	}

	body := rec.Body.String()
	if !strings.Contains(body, "event: snapshot") {
		t.Fatalf("expected snapshot event, got: %q", body)
	}
	if !strings.Contains(body, "ilk mesaj") {
		t.Fatalf("snapshot missing message content: %q", body)
	}
}
