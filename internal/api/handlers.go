package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"

	"sohbet/internal/identity"
	"sohbet/internal/lifecycle"
	"sohbet/internal/models"
	"sohbet/internal/store"
)

// Handler wires HTTP routes to the identity service and the per-account
// chat controllers.
type Handler struct {
	identity *identity.Service
	store    *store.Store
	titles   lifecycle.Titler
	query    lifecycle.Querier

	mu          sync.Mutex
	controllers map[string]*lifecycle.Controller
}

// NewHandler constructs a Handler instance.
func NewHandler(identityService *identity.Service, st *store.Store, titles lifecycle.Titler, query lifecycle.Querier) *Handler {
	return &Handler{
		identity:    identityService,
		store:       st,
		titles:      titles,
		query:       query,
		controllers: make(map[string]*lifecycle.Controller),
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.POST("/accounts/register", h.register)
	api.POST("/accounts/login", h.login)
	api.POST("/accounts/verify", h.verifyEmail)
	api.POST("/accounts/reset-request", h.requestPasswordReset)
	api.POST("/accounts/reset", h.resetPassword)

	authMW := h.identity.Middleware()
	chat := api.Group("/chat")
	chat.Use(authMW, h.identity.CSRFMiddleware())
	chat.POST("/activate", h.activate)
	chat.GET("/sessions", h.listSessions)
	chat.POST("/sessions", h.newSession)
	chat.POST("/sessions/:session_id/select", h.selectSession)
	chat.PUT("/sessions/:session_id/title", h.renameSession)
	chat.DELETE("/sessions/:session_id", h.deleteSession)
	chat.GET("/sessions/:session_id/messages", h.listMessages)
	chat.GET("/sessions/:session_id/stream", h.streamMessages)
	chat.POST("/send", h.send)

	account := api.Group("/accounts")
	account.Use(authMW, h.identity.CSRFMiddleware())
	account.POST("/logout", h.logout)
	account.DELETE("", h.deleteAccount)
}

func (h *Handler) controllerFor(accountID, lang string) *lifecycle.Controller {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.controllers[accountID]; ok {
		return c
	}
	c := lifecycle.NewController(h.store, h.titles, h.query, accountID, lang)
	h.controllers[accountID] = c
	return c
}

func (h *Handler) dropController(accountID string) *lifecycle.Controller {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := h.controllers[accountID]
	delete(h.controllers, accountID)
	return c
}

func (h *Handler) authorizedAccountID(c *gin.Context) (string, bool) {
	accountID, ok := identity.AccountIDFromContext(c)
	if !ok || accountID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return "", false
	}
	return accountID, true
}

func requestLang(c *gin.Context) string {
	if lang := strings.TrimSpace(c.Query("lang")); lang != "" {
		return lang
	}
	accept := c.GetHeader("Accept-Language")
	if strings.HasPrefix(strings.ToLower(accept), "en") {
		return "en"
	}
	return "tr"
}

// presentMessages replaces unreadable content with the localized
// placeholder before messages leave the API.
func presentMessages(texts lifecycle.Texts, msgs []models.Message) []models.Message {
	for i := range msgs {
		if msgs[i].DecryptFailed {
			msgs[i].Content = texts.MessageUnreadable
		}
	}
	return msgs
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) register(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	acct, err := h.identity.SignUp(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":            acct.ID,
		"email":         acct.Email,
		"emailVerified": acct.EmailVerified,
		"createdAt":     acct.CreatedAt,
	})
}

func (h *Handler) login(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	acct, authToken, err := h.identity.SignIn(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	csrfToken, err := h.identity.NewCSRFToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	h.setAuthCookies(c, authToken, csrfToken)
	c.JSON(http.StatusOK, gin.H{
		"id":            acct.ID,
		"email":         acct.Email,
		"emailVerified": acct.EmailVerified,
		"createdAt":     acct.CreatedAt,
		"auth_token":    authToken,
	})
}

func (h *Handler) verifyEmail(c *gin.Context) {
	var req struct {
		Token string `json:"token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := h.identity.VerifyEmail(c.Request.Context(), req.Token); err != nil {
		if errors.Is(err, identity.ErrInvalidToken) || errors.Is(err, identity.ErrTokenExpired) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) requestPasswordReset(c *gin.Context) {
	var req struct {
		Email string `json:"email"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := h.identity.SendPasswordReset(c.Request.Context(), req.Email); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) resetPassword(c *gin.Context) {
	var req struct {
		Token    string `json:"token"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := h.identity.ResetPassword(c.Request.Context(), req.Token, req.Password); err != nil {
		if errors.Is(err, identity.ErrInvalidToken) || errors.Is(err, identity.ErrTokenExpired) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) activate(c *gin.Context) {
	accountID, ok := h.authorizedAccountID(c)
	if !ok {
		return
	}
	ctrl := h.controllerFor(accountID, requestLang(c))
	active, err := ctrl.Activate(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	sessions, err := ctrl.Sessions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"active_session": active,
		"sessions":       sessions,
	})
}

func (h *Handler) listSessions(c *gin.Context) {
	accountID, ok := h.authorizedAccountID(c)
	if !ok {
		return
	}
	ctrl := h.controllerFor(accountID, requestLang(c))
	sessions, err := ctrl.Sessions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if sessions == nil {
		sessions = make([]models.Session, 0)
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions":          sessions,
		"active_session_id": ctrl.ActiveSessionID(),
	})
}

func (h *Handler) newSession(c *gin.Context) {
	accountID, ok := h.authorizedAccountID(c)
	if !ok {
		return
	}
	ctrl := h.controllerFor(accountID, requestLang(c))
	sess, err := ctrl.NewSession(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (h *Handler) selectSession(c *gin.Context) {
	accountID, ok := h.authorizedAccountID(c)
	if !ok {
		return
	}
	sessionID := c.Param("session_id")
	ctrl := h.controllerFor(accountID, requestLang(c))
	if err := ctrl.Switch(c.Request.Context(), sessionID); err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"active_session_id": ctrl.ActiveSessionID()})
}

func (h *Handler) renameSession(c *gin.Context) {
	accountID, ok := h.authorizedAccountID(c)
	if !ok {
		return
	}
	var req struct {
		Title string `json:"title"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Title) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "title is required"})
		return
	}
	ctrl := h.controllerFor(accountID, requestLang(c))
	if err := ctrl.Rename(c.Request.Context(), c.Param("session_id"), strings.TrimSpace(req.Title)); err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) deleteSession(c *gin.Context) {
	accountID, ok := h.authorizedAccountID(c)
	if !ok {
		return
	}
	ctrl := h.controllerFor(accountID, requestLang(c))
	if err := ctrl.Delete(c.Request.Context(), c.Param("session_id")); err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"active_session_id": ctrl.ActiveSessionID()})
}

func (h *Handler) listMessages(c *gin.Context) {
	accountID, ok := h.authorizedAccountID(c)
	if !ok {
		return
	}
	sessionID := c.Param("session_id")
	if _, err := h.store.GetSession(c.Request.Context(), accountID, sessionID); err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	msgs, err := h.store.ListMessages(c.Request.Context(), accountID, sessionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	texts := h.controllerFor(accountID, requestLang(c)).Texts()
	if msgs == nil {
		msgs = make([]models.Message, 0)
	}
	c.JSON(http.StatusOK, gin.H{"messages": presentMessages(texts, msgs)})
}

type sendRequest struct {
	Content string `json:"content"`
}

func (h *Handler) send(c *gin.Context) {
	accountID, ok := h.authorizedAccountID(c)
	if !ok {
		return
	}
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Content) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return
	}
	ctrl := h.controllerFor(accountID, requestLang(c))
	userMsg, assistantMsg, err := ctrl.Send(c.Request.Context(), strings.TrimSpace(req.Content))
	if err != nil {
		if errors.Is(err, lifecycle.ErrNoActiveSession) {
			c.JSON(http.StatusConflict, gin.H{"error": "no active session, activate first"})
			return
		}
		if errors.Is(err, store.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user_message":      userMsg,
		"assistant_message": assistantMsg,
	})
}

// streamMessages pushes full message snapshots for one session over SSE.
// Every change to the session's messages produces a fresh snapshot event.
func (h *Handler) streamMessages(c *gin.Context) {
	accountID, ok := h.authorizedAccountID(c)
	if !ok {
		return
	}
	sessionID := c.Param("session_id")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	sub, err := h.store.SubscribeMessages(c.Request.Context(), accountID, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer sub.Cancel()

	texts := h.controllerFor(accountID, requestLang(c)).Texts()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	sendEvent := func(event string, payload interface{}) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(c.Writer, "event: %s\n", event); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case msgs, open := <-sub.Updates():
			if !open {
				return
			}
			if err := sendEvent("snapshot", gin.H{"messages": presentMessages(texts, msgs)}); err != nil {
				return
			}
		}
	}
}

func (h *Handler) logout(c *gin.Context) {
	accountID, ok := h.authorizedAccountID(c)
	if !ok {
		return
	}
	if ctrl := h.dropController(accountID); ctrl != nil {
		ctrl.Logout(c.Request.Context())
	}
	if authToken, ok := identity.AuthTokenFromContext(c); ok {
		_ = h.identity.SignOut(c.Request.Context(), authToken)
	}
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

func (h *Handler) deleteAccount(c *gin.Context) {
	accountID, ok := h.authorizedAccountID(c)
	if !ok {
		return
	}
	if ctrl := h.dropController(accountID); ctrl != nil {
		ctrl.Logout(c.Request.Context())
	}
	if err := h.identity.DeleteAccount(c.Request.Context(), accountID); err != nil {
		if errors.Is(err, identity.ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

func (h *Handler) setAuthCookies(c *gin.Context, authToken, csrfToken string) {
	ttl := int(h.identity.TokenTTL().Seconds())
	if ttl <= 0 {
		ttl = 3600
	}
	secure := gin.Mode() == gin.ReleaseMode
	setCookie(c, &http.Cookie{
		Name:     h.identity.AuthCookieName(),
		Value:    authToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	setCookie(c, &http.Cookie{
		Name:     h.identity.CSRFCookieName(),
		Value:    csrfToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: false,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearAuthCookies(c *gin.Context) {
	for _, name := range []string{h.identity.AuthCookieName(), h.identity.CSRFCookieName()} {
		setCookie(c, &http.Cookie{
			Name:     name,
			Value:    "",
			MaxAge:   -1,
			Path:     "/",
			Secure:   gin.Mode() == gin.ReleaseMode,
			HttpOnly: name == h.identity.AuthCookieName(),
			SameSite: http.SameSiteStrictMode,
		})
	}
}

func setCookie(c *gin.Context, ck *http.Cookie) {
	if ck == nil {
		return
	}
	http.SetCookie(c.Writer, ck)
}
