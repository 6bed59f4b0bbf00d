// Package guard enforces per-user, per-anonymous, and per-conversation
// ceilings on concurrent client streams.
package guard

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/tjfontaine/modelkey-gateway/internal/core/domain"
)

// Reason is the machine-readable cause of a rejection.
type Reason string

const (
	ReasonUserLimit         Reason = "user_limit"
	ReasonAnonymousLimit    Reason = "anonymous_limit"
	ReasonConversationLimit Reason = "conversation_limit"
	ReasonDuplicate         Reason = "duplicate_connection"
)

// Limits are the admission ceilings. Values below 1 are treated as 1.
type Limits struct {
	PerUser         int
	PerAnonymous    int
	PerConversation int

	// RetryAfter is the hint returned with every rejection.
	RetryAfter time.Duration
}

// DefaultLimits returns the stock ceilings.
func DefaultLimits() Limits {
	return Limits{PerUser: 3, PerAnonymous: 1, PerConversation: 1, RetryAfter: 2 * time.Second}
}

func (l Limits) normalize() Limits {
	if l.PerUser < 1 {
		l.PerUser = 1
	}
	if l.PerAnonymous < 1 {
		l.PerAnonymous = 1
	}
	if l.PerConversation < 1 {
		l.PerConversation = 1
	}
	if l.RetryAfter < 0 {
		l.RetryAfter = 0
	}
	return l
}

// Request describes a stream asking to be admitted.
type Request struct {
	ConnectionID   string
	UserID         string
	Anonymous      bool
	ConversationID string
	MessageID      string
}

// Rejection is returned when admission fails.
type Rejection struct {
	Reason     Reason
	Message    string
	RetryAfter time.Duration
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s", r.Reason, r.Message)
}

// APIError converts the rejection into the client-facing error.
func (r *Rejection) APIError() *domain.APIError {
	return domain.ErrConcurrencyLimit(r.Message, int(math.Ceil(r.RetryAfter.Seconds())))
}

// Stats is a point-in-time view of the guard.
type Stats struct {
	ActiveConnections int                    `json:"active_connections"`
	Users             map[string]int         `json:"users,omitempty"`
	Conversations     map[string]int         `json:"conversations,omitempty"`
	Sessions          []domain.StreamSession `json:"sessions,omitempty"`
	Limits            LimitsView             `json:"limits"`
}

// Summary drops everything that identifies a user or conversation.
func (s Stats) Summary() Stats {
	return Stats{ActiveConnections: s.ActiveConnections, Limits: s.Limits}
}

// LimitsView is the JSON form of Limits.
type LimitsView struct {
	PerUser           int `json:"max_per_user"`
	PerAnonymous      int `json:"max_per_anonymous"`
	PerConversation   int `json:"max_per_conversation"`
	RetryAfterSeconds int `json:"retry_after_seconds"`
}

// Guard tracks live streams. The three indexes share one mutex so the
// check-then-insert in Admit is atomic.
type Guard struct {
	mu             sync.Mutex
	limits         Limits
	sessions       map[string]*domain.StreamSession
	byUser         map[string]map[string]struct{}
	byConversation map[string]map[string]struct{}

	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Guard.
type Option func(*Guard)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Guard) { g.logger = logger }
}

// WithClock overrides the session timestamp source.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// New creates a guard with limits.
func New(limits Limits, opts ...Option) *Guard {
	g := &Guard{
		limits:         limits.normalize(),
		sessions:       make(map[string]*domain.StreamSession),
		byUser:         make(map[string]map[string]struct{}),
		byConversation: make(map[string]map[string]struct{}),
		now:            time.Now,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// SetLimits replaces the ceilings. Existing sessions are never evicted.
func (g *Guard) SetLimits(l Limits) {
	g.mu.Lock()
	g.limits = l.normalize()
	g.mu.Unlock()
}

// Limits returns the current ceilings.
func (g *Guard) Limits() Limits {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limits
}

func userKey(userID string, anonymous bool) string {
	if anonymous {
		return "anon:" + userID
	}
	return "user:" + userID
}

// Admit registers req or returns why it cannot be admitted.
func (g *Guard) Admit(req Request) *Rejection {
	g.mu.Lock()
	defer g.mu.Unlock()

	if rej := g.check(req); rej != nil {
		g.logger.Info("stream admission rejected",
			slog.String("connection_id", req.ConnectionID),
			slog.String("user_id", req.UserID),
			slog.Bool("anonymous", req.Anonymous),
			slog.String("conversation_id", req.ConversationID),
			slog.String("reason", string(rej.Reason)))
		return rej
	}

	session := &domain.StreamSession{
		ConnectionID:   req.ConnectionID,
		UserID:         req.UserID,
		Anonymous:      req.Anonymous,
		ConversationID: req.ConversationID,
		MessageID:      req.MessageID,
		CreatedAt:      g.now(),
	}
	g.sessions[req.ConnectionID] = session
	addIndex(g.byUser, userKey(req.UserID, req.Anonymous), req.ConnectionID)
	if req.ConversationID != "" {
		addIndex(g.byConversation, req.ConversationID, req.ConnectionID)
	}
	return nil
}

func (g *Guard) check(req Request) *Rejection {
	reject := func(reason Reason, format string, args ...any) *Rejection {
		return &Rejection{Reason: reason, Message: fmt.Sprintf(format, args...), RetryAfter: g.limits.RetryAfter}
	}

	if _, exists := g.sessions[req.ConnectionID]; exists {
		return reject(ReasonDuplicate, "connection %s is already streaming", req.ConnectionID)
	}

	active := len(g.byUser[userKey(req.UserID, req.Anonymous)])
	if req.Anonymous {
		if active >= g.limits.PerAnonymous {
			return reject(ReasonAnonymousLimit, "anonymous users may hold %d concurrent streams", g.limits.PerAnonymous)
		}
	} else if active >= g.limits.PerUser {
		return reject(ReasonUserLimit, "user may hold %d concurrent streams", g.limits.PerUser)
	}

	if req.ConversationID != "" && len(g.byConversation[req.ConversationID]) >= g.limits.PerConversation {
		return reject(ReasonConversationLimit, "conversation %s already has %d active streams",
			req.ConversationID, g.limits.PerConversation)
	}
	return nil
}

// Release removes a session from every index. Unknown ids are a no-op, so
// it is safe to call more than once. It reports whether a session was
// removed.
func (g *Guard) Release(connectionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	session, ok := g.sessions[connectionID]
	if !ok {
		return false
	}
	delete(g.sessions, connectionID)
	removeIndex(g.byUser, userKey(session.UserID, session.Anonymous), connectionID)
	if session.ConversationID != "" {
		removeIndex(g.byConversation, session.ConversationID, connectionID)
	}
	return true
}

// Stats returns a snapshot of active sessions.
func (g *Guard) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()

	s := Stats{
		ActiveConnections: len(g.sessions),
		Users:             make(map[string]int, len(g.byUser)),
		Conversations:     make(map[string]int, len(g.byConversation)),
		Sessions:          make([]domain.StreamSession, 0, len(g.sessions)),
		Limits: LimitsView{
			PerUser:           g.limits.PerUser,
			PerAnonymous:      g.limits.PerAnonymous,
			PerConversation:   g.limits.PerConversation,
			RetryAfterSeconds: int(math.Ceil(g.limits.RetryAfter.Seconds())),
		},
	}
	for k, ids := range g.byUser {
		s.Users[k] = len(ids)
	}
	for k, ids := range g.byConversation {
		s.Conversations[k] = len(ids)
	}
	for _, sess := range g.sessions {
		s.Sessions = append(s.Sessions, *sess)
	}
	sort.Slice(s.Sessions, func(i, j int) bool {
		if !s.Sessions[i].CreatedAt.Equal(s.Sessions[j].CreatedAt) {
			return s.Sessions[i].CreatedAt.Before(s.Sessions[j].CreatedAt)
		}
		return s.Sessions[i].ConnectionID < s.Sessions[j].ConnectionID
	})
	return s
}

func addIndex(index map[string]map[string]struct{}, key, id string) {
	set, ok := index[key]
	if !ok {
		set = make(map[string]struct{})
		index[key] = set
	}
	set[id] = struct{}{}
}

func removeIndex(index map[string]map[string]struct{}, key, id string) {
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(index, key)
	}
}
