package ws

import (
	"context"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"

	"booking-chat/internal/auth"
	"booking-chat/internal/models"
	"booking-chat/internal/observability"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// SessionHandler upgrades chat connections and runs their receive loops.
type SessionHandler struct {
	registry *Registry
	router   *Router
	verifier auth.TokenVerifier
}

// NewSessionHandler constructs a SessionHandler.
func NewSessionHandler(registry *Registry, router *Router, verifier auth.TokenVerifier) *SessionHandler {
	return &SessionHandler{registry: registry, router: router, verifier: verifier}
}

// Handle upgrades GET /ws/:username and registers the connection.
func (h *SessionHandler) Handle(c *gin.Context) {
	username := strings.TrimSpace(c.Param("username"))
	if username == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid username"})
		return
	}

	ctx, span := otel.Tracer("booking-chat/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	// The handshake token is optional; it only matters for admin identification.
	var claims *auth.Claims
	if token := bearerToken(c); token != "" {
		if h.verifier == nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		verified, err := h.verifier.Verify(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		claims = verified
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(maxMessageSize)

	connection := h.registry.Register(conn, username)
	session := NewSession(connection, claims)
	session.RequestID = observability.RequestIDFromRequest(c.Request)
	session.IP = observability.IPFromRequest(c.Request)
	traceID := span.SpanContext().TraceID().String()

	log.Printf("ws connect conn_id=%s username=%s ip=%s", session.ConnID, username, session.IP)
	observability.IncWSActive("chat")
	h.publish(ctx, connection, session, "ws_connect", "", traceID)

	go h.serve(context.WithoutCancel(ctx), connection, session, traceID)
}

func (h *SessionHandler) serve(ctx context.Context, conn *Connection, session *Session, traceID string) {
	var closeReason string
	defer func() {
		role := h.role(session)
		h.registry.Unregister(session.ConnID)
		_ = conn.close()
		session.state = StateClosed
		observability.DecWSActive("chat")
		h.publishAs(ctx, conn, session, role, "ws_disconnect", closeReason, traceID)
		log.Printf("ws disconnect conn_id=%s username=%s reason=%q", session.ConnID, session.Username, closeReason)
	}()

	for {
		_, data, err := conn.socket.ReadMessage()
		if err != nil {
			closeReason = err.Error()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.publish(ctx, conn, session, "ws_error", closeReason, traceID)
			}
			return
		}

		event, err := models.DecodeInbound(data)
		if err != nil {
			log.Printf("ws dropped frame conn_id=%s: %v", session.ConnID, err)
			continue
		}

		if err := h.router.Dispatch(ctx, session, event); err != nil {
			closeReason = err.Error()
			return
		}
	}
}

func (h *SessionHandler) role(session *Session) models.Role {
	role, ok := h.registry.Role(session.ConnID)
	if !ok {
		return models.RoleUser
	}
	return role
}

func (h *SessionHandler) publish(ctx context.Context, conn *Connection, session *Session, event, reason, traceID string) {
	h.publishAs(ctx, conn, session, h.role(session), event, reason, traceID)
}

func (h *SessionHandler) publishAs(ctx context.Context, conn *Connection, session *Session, role models.Role, event, reason, traceID string) {
	observability.IncWSEvent("chat", event)
	_ = observability.PublishEvent(ctx, observability.RoutingKeyWSEvents, observability.WSEvent{
		Event:       event,
		ConnID:      session.ConnID,
		Username:    session.Username,
		Role:        role.String(),
		IP:          session.IP,
		ConnectedAt: conn.ConnectedAt,
		Reason:      reason,
	}.Envelope(), observability.BuildHeaders(session.RequestID, traceID))
}
