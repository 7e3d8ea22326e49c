// Package lifecycle drives one account's chat state: which session is
// active, when empty sessions get swept, when a title is inferred and what
// happens to the active session on delete and logout.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"sohbet/internal/models"
	"sohbet/internal/store"
)

const (
	titleTriggerCount = 2
	titleSourceCount  = 3
	titleTimeout      = 30 * time.Second
	sweepConcurrency  = 4
)

var ErrNoActiveSession = errors.New("no active session")

// Titler is the external summarization collaborator.
type Titler interface {
	GenerateTitle(ctx context.Context, messages []string) (string, error)
}

// Querier is the external query/response collaborator.
type Querier interface {
	Ask(ctx context.Context, identityID, question string) (string, error)
}

// Controller is the per-account session state machine. All exported methods
// are safe for concurrent use.
type Controller struct {
	store     *store.Store
	titles    Titler
	query     Querier
	accountID string
	texts     Texts

	mu       sync.Mutex
	activeID string
	sub      *store.Subscription

	// titleBusy marks sessions with an in-flight title request so the
	// trigger fires at most once per session.
	titleBusy map[string]bool
	titleWG   sync.WaitGroup
}

func NewController(st *store.Store, titles Titler, query Querier, accountID, lang string) *Controller {
	return &Controller{
		store:     st,
		titles:    titles,
		query:     query,
		accountID: accountID,
		texts:     TextsFor(lang),
		titleBusy: make(map[string]bool),
	}
}

// Texts returns the controller's localized string set.
func (c *Controller) Texts() Texts {
	return c.texts
}

// Activate prepares the account's chat state after sign-in: sweeps empty
// sessions abandoned by earlier runs, re-collects orphaned messages, then
// creates a fresh session and makes it active so the user always lands in a
// ready-to-type state.
func (c *Controller) Activate(ctx context.Context) (*models.Session, error) {
	sessions, err := c.store.ListSessions(ctx, c.accountID)
	if err != nil {
		return nil, fmt.Errorf("activate: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)
	for _, sess := range sessions {
		sess := sess
		g.Go(func() error {
			count, err := c.store.CountMessages(gctx, c.accountID, sess.ID, "")
			if err != nil {
				return err
			}
			if count == 0 {
				return c.store.DeleteSession(gctx, c.accountID, sess.ID)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("sweep empty sessions: %w", err)
	}

	if removed, err := c.store.DeleteOrphanMessages(ctx, c.accountID); err != nil {
		log.Printf("account %s: orphan sweep: %v", c.accountID, err)
	} else if removed > 0 {
		log.Printf("account %s: removed %d orphaned messages", c.accountID, removed)
	}

	fresh, err := c.store.CreateSession(ctx, c.accountID, c.texts.DefaultTitle)
	if err != nil {
		return nil, fmt.Errorf("activate: %w", err)
	}
	if err := c.switchTo(ctx, fresh.ID); err != nil {
		return nil, err
	}
	return fresh, nil
}

// ActiveSessionID returns the id of the currently active session.
func (c *Controller) ActiveSessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeID
}

// Updates exposes the live snapshot channel of the active session. The
// channel changes identity whenever the active session does.
func (c *Controller) Updates() (<-chan []models.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub == nil {
		return nil, false
	}
	return c.sub.Updates(), true
}

// Sessions lists the account's sessions newest-activity first.
func (c *Controller) Sessions(ctx context.Context) ([]models.Session, error) {
	return c.store.ListSessions(ctx, c.accountID)
}

// Switch makes another session active. The previous active session is
// deleted if it never accumulated a message, so empty sessions do not
// outlive the switch.
func (c *Controller) Switch(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	previous := c.activeID
	c.mu.Unlock()
	if previous == sessionID {
		return nil
	}

	if _, err := c.store.GetSession(ctx, c.accountID, sessionID); err != nil {
		return err
	}
	if err := c.switchTo(ctx, sessionID); err != nil {
		return err
	}
	c.dropIfEmpty(ctx, previous)
	return nil
}

// NewSession creates a fresh session and makes it active.
func (c *Controller) NewSession(ctx context.Context) (*models.Session, error) {
	sess, err := c.store.CreateSession(ctx, c.accountID, c.texts.DefaultTitle)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	previous := c.activeID
	c.mu.Unlock()

	if err := c.switchTo(ctx, sess.ID); err != nil {
		return nil, err
	}
	c.dropIfEmpty(ctx, previous)
	return sess, nil
}

// Delete removes a session. Deleting the active one switches to the most
// recently touched survivor, or creates a fresh session when none remain,
// so the account never ends up with zero sessions.
func (c *Controller) Delete(ctx context.Context, sessionID string) error {
	if err := c.store.DeleteSession(ctx, c.accountID, sessionID); err != nil {
		return err
	}

	c.mu.Lock()
	wasActive := c.activeID == sessionID
	c.mu.Unlock()
	if !wasActive {
		return nil
	}

	remaining, err := c.store.ListSessions(ctx, c.accountID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if len(remaining) > 0 {
		return c.switchTo(ctx, remaining[0].ID)
	}
	fresh, err := c.store.CreateSession(ctx, c.accountID, c.texts.DefaultTitle)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return c.switchTo(ctx, fresh.ID)
}

// Rename sets a session title by hand. A renamed session no longer counts
// as placeholder-titled, so title inference leaves it alone.
func (c *Controller) Rename(ctx context.Context, sessionID, title string) error {
	return c.store.UpdateSessionTitle(ctx, c.accountID, sessionID, title)
}

// Send appends the user's message to the active session, kicks off title
// inference when due and asks the query collaborator for an answer. The
// answer, or a localized failure text when the collaborator is down, is
// appended as the assistant message. Both stored messages come back.
func (c *Controller) Send(ctx context.Context, content string) (*models.Message, *models.Message, error) {
	c.mu.Lock()
	sessionID := c.activeID
	c.mu.Unlock()
	if sessionID == "" {
		return nil, nil, ErrNoActiveSession
	}

	userMsg, err := c.store.AppendMessage(ctx, c.accountID, sessionID, models.RoleUser, content)
	if err != nil {
		return nil, nil, err
	}

	c.maybeInferTitle(ctx, sessionID)

	answer, err := c.query.Ask(ctx, c.accountID, content)
	if err != nil {
		log.Printf("account %s session %s: query: %v", c.accountID, sessionID, err)
		answer = c.texts.AnswerFailed
	}
	assistantMsg, err := c.store.AppendMessage(ctx, c.accountID, sessionID, models.RoleAssistant, answer)
	if err != nil {
		return userMsg, nil, err
	}
	return userMsg, assistantMsg, nil
}

// Logout winds the controller down. An active session that never got a
// message is deleted so it does not linger in the session list.
func (c *Controller) Logout(ctx context.Context) {
	c.titleWG.Wait()

	c.mu.Lock()
	active := c.activeID
	sub := c.sub
	c.activeID = ""
	c.sub = nil
	c.mu.Unlock()

	if sub != nil {
		sub.Cancel()
	}
	c.dropIfEmpty(ctx, active)
}

func (c *Controller) switchTo(ctx context.Context, sessionID string) error {
	sub, err := c.store.SubscribeMessages(ctx, c.accountID, sessionID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	oldSub := c.sub
	c.sub = sub
	c.activeID = sessionID
	c.mu.Unlock()

	if oldSub != nil {
		oldSub.Cancel()
	}
	return nil
}

func (c *Controller) dropIfEmpty(ctx context.Context, sessionID string) {
	if sessionID == "" {
		return
	}
	count, err := c.store.CountMessages(ctx, c.accountID, sessionID, "")
	if err != nil {
		log.Printf("account %s session %s: count: %v", c.accountID, sessionID, err)
		return
	}
	if count != 0 {
		return
	}
	if err := c.store.DeleteSession(ctx, c.accountID, sessionID); err != nil && !errors.Is(err, store.ErrSessionNotFound) {
		log.Printf("account %s session %s: drop empty: %v", c.accountID, sessionID, err)
	}
}

// maybeInferTitle requests a generated title once a placeholder-titled
// session has enough user messages. At most one request is ever in flight
// per session and a session whose title already changed is left alone.
// Failures only log; messaging never blocks on the summarizer.
func (c *Controller) maybeInferTitle(ctx context.Context, sessionID string) {
	count, err := c.store.CountMessages(ctx, c.accountID, sessionID, models.RoleUser)
	if err != nil {
		log.Printf("account %s session %s: title trigger count: %v", c.accountID, sessionID, err)
		return
	}
	if count < titleTriggerCount {
		return
	}
	sess, err := c.store.GetSession(ctx, c.accountID, sessionID)
	if err != nil {
		log.Printf("account %s session %s: title trigger load: %v", c.accountID, sessionID, err)
		return
	}
	if !IsDefaultTitle(sess.Title) {
		return
	}

	c.mu.Lock()
	if c.titleBusy[sessionID] {
		c.mu.Unlock()
		return
	}
	c.titleBusy[sessionID] = true
	c.mu.Unlock()

	c.titleWG.Add(1)
	go func() {
		defer c.titleWG.Done()
		defer func() {
			c.mu.Lock()
			delete(c.titleBusy, sessionID)
			c.mu.Unlock()
		}()
		c.inferTitle(sessionID)
	}()
}

func (c *Controller) inferTitle(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), titleTimeout)
	defer cancel()

	msgs, err := c.store.ListMessages(ctx, c.accountID, sessionID)
	if err != nil {
		log.Printf("account %s session %s: title source read: %v", c.accountID, sessionID, err)
		return
	}
	var sources []string
	for _, msg := range msgs {
		if msg.Role == models.RoleUser && !msg.DecryptFailed {
			sources = append(sources, msg.Content)
		}
	}
	if len(sources) > titleSourceCount {
		sources = sources[len(sources)-titleSourceCount:]
	}
	if len(sources) == 0 {
		return
	}

	title, err := c.titles.GenerateTitle(ctx, sources)
	if err != nil {
		log.Printf("account %s session %s: generate title: %v", c.accountID, sessionID, err)
		return
	}
	if err := c.store.UpdateSessionTitle(ctx, c.accountID, sessionID, title); err != nil {
		log.Printf("account %s session %s: persist title: %v", c.accountID, sessionID, err)
	}
}
