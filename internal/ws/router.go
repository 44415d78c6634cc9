package ws

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"booking-chat/internal/auth"
	"booking-chat/internal/models"
	"booking-chat/internal/observability"
	"booking-chat/internal/repositories"
	"booking-chat/internal/telemetry"
)

const storeTimeout = 5 * time.Second

var ErrSessionClosed = errors.New("session closed")

// SessionState is the lifecycle position of one chat connection.
type SessionState int

const (
	StateConnected SessionState = iota
	StateIdentified
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateIdentified:
		return "identified"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is the per-connection state owned by a single receive loop.
type Session struct {
	ConnID    string
	Username  string
	RequestID string
	IP        string

	claims *auth.Claims
	state  SessionState
}

// NewSession starts a session in the Connected state. claims may be nil.
func NewSession(conn *Connection, claims *auth.Claims) *Session {
	return &Session{ConnID: conn.ID, Username: conn.Username, claims: claims, state: StateConnected}
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	return s.state
}

// Router applies inbound chat events to the registry and the message store.
type Router struct {
	registry          *Registry
	store             repositories.MessageRepository
	verifier          auth.TokenVerifier
	audit             *telemetry.AuditEmitter
	requireAdminToken bool
}

// NewRouter builds a Router. With requireAdminToken set, the admin role is only
// granted to sessions presenting a verified admin token.
func NewRouter(registry *Registry, store repositories.MessageRepository, verifier auth.TokenVerifier, audit *telemetry.AuditEmitter, requireAdminToken bool) *Router {
	return &Router{
		registry:          registry,
		store:             store,
		verifier:          verifier,
		audit:             audit,
		requireAdminToken: requireAdminToken,
	}
}

// Dispatch handles one inbound event. A returned error means the sender's own
// socket is unusable and the session must end.
func (r *Router) Dispatch(ctx context.Context, s *Session, event models.InboundEvent) error {
	if s.state == StateClosed {
		return ErrSessionClosed
	}

	ctx, span := otel.Tracer("booking-chat/ws").Start(ctx, "chat.dispatch")
	defer span.End()
	span.SetAttributes(attribute.String("chat.conn_id", s.ConnID))

	switch e := event.(type) {
	case models.Identification:
		return r.identify(ctx, s, e)
	case models.ChatInput:
		role, ok := r.registry.Role(s.ConnID)
		if !ok {
			return ErrConnectionNotFound
		}
		if role == models.RoleAdmin {
			return r.direct(ctx, s, e)
		}
		return r.broadcast(ctx, s, e)
	case models.RequestActiveUsers:
		role, ok := r.registry.Role(s.ConnID)
		if !ok {
			return ErrConnectionNotFound
		}
		if role != models.RoleAdmin {
			return nil
		}
		return r.reply(s, models.NewActiveUsersEvent(r.registry.ListByRole(models.RoleUser)))
	default:
		log.Printf("ws unhandled event conn_id=%s type=%T", s.ConnID, event)
		return nil
	}
}

func (r *Router) identify(ctx context.Context, s *Session, e models.Identification) error {
	role, err := models.ParseRole(e.Role)
	if err != nil {
		return r.reply(s, models.NewErrorEvent(fmt.Sprintf("Unknown role '%s'.", e.Role)))
	}

	if role == models.RoleAdmin && r.requireAdminToken {
		claims := s.claims
		if e.Token != "" {
			claims = r.verify(e.Token)
		}
		if !claims.IsAdmin() {
			r.audit.Emit(ctx, "WARN", fmt.Sprintf("admin identification rejected conn_id=%s username=%s", s.ConnID, s.Username), s.RequestID, actor(claims))
			return r.reply(s, models.NewErrorEvent("Admin role requires a valid admin token."))
		}
		s.claims = claims
		r.audit.Emit(ctx, "INFO", fmt.Sprintf("admin identified conn_id=%s username=%s", s.ConnID, s.Username), s.RequestID, actor(claims))
	}

	if err := r.registry.SetRole(s.ConnID, role); err != nil {
		log.Printf("ws set role failed conn_id=%s: %v", s.ConnID, err)
		return nil
	}
	s.state = StateIdentified
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("chat.role", role.String()))
	log.Printf("ws identified conn_id=%s username=%s role=%s", s.ConnID, s.Username, role)

	if role == models.RoleAdmin {
		return r.reply(s, models.NewActiveUsersEvent(r.registry.ListByRole(models.RoleUser)))
	}
	return nil
}

// direct handles an admin message addressed to one user.
func (r *Router) direct(ctx context.Context, s *Session, e models.ChatInput) error {
	recipient := strings.TrimSpace(e.Recipient)
	if recipient == "" {
		return r.reply(s, models.NewErrorEvent("Missing recipient."))
	}

	target, ok := r.registry.FindByUsername(recipient)
	if !ok {
		log.Printf("ws admin message to unknown user conn_id=%s recipient=%q", s.ConnID, recipient)
		return r.reply(s, models.NewErrorEvent(fmt.Sprintf("User '%s' not connected.", recipient)))
	}

	targetName := target.Username
	msg, err := r.persist(ctx, s, models.ChatMessage{
		Sender:    s.Username,
		SenderID:  s.ConnID,
		Recipient: &targetName,
		Content:   e.Content,
		IsAdmin:   true,
		ReplyTo:   r.replyTo(ctx, e.ReplyTo),
	})
	if err != nil {
		return r.reply(s, models.NewErrorEvent("Failed to store message."))
	}

	r.deliver(target, models.NewMessageEvent(msg, false))
	return r.reply(s, models.NewMessageEvent(msg, true))
}

// broadcast handles a user message fanned out to every admin.
func (r *Router) broadcast(ctx context.Context, s *Session, e models.ChatInput) error {
	msg, err := r.persist(ctx, s, models.ChatMessage{
		Sender:   s.Username,
		SenderID: s.ConnID,
		Content:  e.Content,
		ReplyTo:  r.replyTo(ctx, e.ReplyTo),
	})
	if err != nil {
		return r.reply(s, models.NewErrorEvent("Failed to store message."))
	}

	echoErr := r.reply(s, models.NewMessageEvent(msg, true))

	delivery := models.NewMessageEvent(msg, false)
	for _, admin := range r.registry.ConnectionsByRole(models.RoleAdmin) {
		if admin.ID == s.ConnID {
			continue
		}
		r.deliver(admin, delivery)
	}
	return echoErr
}

// persist appends msg to the store before anything is delivered.
func (r *Router) persist(ctx context.Context, s *Session, msg models.ChatMessage) (models.ChatMessage, error) {
	storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	stored, err := r.store.Append(storeCtx, msg)
	if err != nil {
		observability.IncStoreError()
		log.Printf("ws store message failed conn_id=%s: %v", s.ConnID, err)
		return models.ChatMessage{}, err
	}

	kind := "direct"
	if stored.IsBroadcast() {
		kind = "broadcast"
	}
	observability.IncChatMessage(kind)

	traceID := trace.SpanFromContext(ctx).SpanContext().TraceID().String()
	_ = observability.PublishEvent(ctx, observability.RoutingKeyChatEvents, observability.EventEnvelope{
		EventType: "chat_events",
		EventName: "message_persisted",
		Payload: map[string]interface{}{
			"id":        stored.ID,
			"kind":      kind,
			"sender":    stored.Sender,
			"recipient": stored.Recipient,
			"is_admin":  stored.IsAdmin,
			"timestamp": stored.Timestamp,
		},
	}, observability.BuildHeaders(s.RequestID, traceID))
	return stored, nil
}

// replyTo keeps a reply reference only when it points at a stored message.
func (r *Router) replyTo(ctx context.Context, id string) *string {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil
	}
	lookupCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if _, err := r.store.Get(lookupCtx, id); err != nil {
		if !errors.Is(err, repositories.ErrMessageNotFound) {
			log.Printf("ws reply_to lookup failed id=%s: %v", id, err)
		}
		return nil
	}
	return &id
}

// deliver is best effort: a failed write closes the receiver's socket so its own
// session loop cleans it up.
func (r *Router) deliver(conn *Connection, v any) {
	if err := sendJSON(conn, v); err != nil {
		if !errors.Is(err, ErrConnectionClosed) {
			log.Printf("websocket write error conn_id=%s: %v", conn.ID, err)
			_ = conn.close()
		}
		observability.IncFanoutFailure()
		observability.IncWSEvent("chat", "ws_error")
	}
}

func (r *Router) reply(s *Session, v any) error {
	return r.registry.Send(s.ConnID, v)
}

func (r *Router) verify(token string) *auth.Claims {
	if r.verifier == nil {
		return nil
	}
	claims, err := r.verifier.Verify(token)
	if err != nil {
		return nil
	}
	return claims
}

func actor(claims *auth.Claims) *string {
	if claims == nil {
		return nil
	}
	email := claims.Email()
	return &email
}
