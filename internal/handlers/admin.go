package handlers

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"booking-chat/internal/auth"
	"booking-chat/internal/models"
	"booking-chat/internal/repositories"
	"booking-chat/internal/telemetry"
)

// Roster lists the connected chat users.
type Roster interface {
	ListByRole(role models.Role) []models.ActiveUser
}

// AdminHandler serves the staff-only endpoints.
type AdminHandler struct {
	users  repositories.UserRepository
	roster Roster
	audit  *telemetry.AuditEmitter
}

// NewAdminHandler builds an AdminHandler.
func NewAdminHandler(users repositories.UserRepository, roster Roster, audit *telemetry.AuditEmitter) *AdminHandler {
	return &AdminHandler{users: users, roster: roster, audit: audit}
}

// ActiveUsers returns the customers currently connected to the chat.
func (h *AdminHandler) ActiveUsers(c *gin.Context) {
	users := h.roster.ListByRole(models.RoleUser)
	c.JSON(http.StatusOK, gin.H{"users": users, "count": len(users)})
}

// CreateUser lets an admin create an account with any known role.
func (h *AdminHandler) CreateUser(c *gin.Context) {
	var req struct {
		registerRequest
		Role string `json:"role"`
	}
	if err := bindNormalized(c, &req.registerRequest, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	role, err := models.ParseRole(req.Role)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := createUser(c, h.users, req.registerRequest, role)
	if err != nil {
		writeCreateError(c, err)
		return
	}

	h.audit.Emit(c.Request.Context(), "INFO", fmt.Sprintf("user created id=%d role=%s", user.ID, user.Role), requestIDFromContext(c), actorFromContext(c))
	c.JSON(http.StatusCreated, user)
}

// ListUsers returns the accounts holding the requested role.
func (h *AdminHandler) ListUsers(c *gin.Context) {
	role, err := models.ParseRole(c.Query("role"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	users, err := h.users.ListByRole(c.Request.Context(), role)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load users"})
		return
	}
	c.JSON(http.StatusOK, users)
}

// SeedAdmin creates the bootstrap admin account unless the email is already
// registered. It reports whether an account was created.
func SeedAdmin(ctx context.Context, users repositories.UserRepository, email, password string) (bool, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return false, nil
	}

	_, err := users.GetByEmail(ctx, email)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, repositories.ErrUserNotFound) {
		return false, fmt.Errorf("lookup bootstrap admin: %w", err)
	}

	hashed, err := auth.HashPassword(password)
	if err != nil {
		return false, fmt.Errorf("hash bootstrap admin password: %w", err)
	}
	_, err = users.Create(ctx, models.User{Email: email, FullName: "Administrator", HashedPassword: hashed, Role: models.RoleAdmin})
	if errors.Is(err, repositories.ErrEmailTaken) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("create bootstrap admin: %w", err)
	}
	log.Printf("bootstrap admin created email=%s", email)
	return true, nil
}
