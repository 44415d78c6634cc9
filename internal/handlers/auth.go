package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"

	"booking-chat/internal/auth"
	"booking-chat/internal/middleware"
	"booking-chat/internal/models"
	"booking-chat/internal/repositories"
	"booking-chat/internal/telemetry"
)

// TokenIssuer signs access tokens for authenticated users.
type TokenIssuer interface {
	Issue(user models.User) (string, time.Time, error)
}

// AuthHandler exposes account registration and login.
type AuthHandler struct {
	users  repositories.UserRepository
	tokens TokenIssuer
	audit  *telemetry.AuditEmitter
}

// NewAuthHandler builds an AuthHandler.
func NewAuthHandler(users repositories.UserRepository, tokens TokenIssuer, audit *telemetry.AuditEmitter) *AuthHandler {
	return &AuthHandler{users: users, tokens: tokens, audit: audit}
}

type registerRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=6"`
	FullName string `json:"full_name"`
}

// Register creates a customer account.
func (h *AuthHandler) Register(c *gin.Context) {
	var req registerRequest
	if err := bindNormalized(c, &req, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := createUser(c, h.users, req, models.RoleUser)
	if err != nil {
		writeCreateError(c, err)
		return
	}
	c.JSON(http.StatusCreated, user)
}

// Login exchanges credentials for a bearer token.
func (h *AuthHandler) Login(c *gin.Context) {
	var req struct {
		Email    string `json:"email" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	email := normalizeEmail(req.Email)
	user, err := h.users.GetByEmail(c.Request.Context(), email)
	if err != nil && !errors.Is(err, repositories.ErrUserNotFound) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load user"})
		return
	}
	if err != nil || !auth.CheckPassword(user.HashedPassword, req.Password) {
		h.audit.Emit(c.Request.Context(), "WARN", fmt.Sprintf("login failed email=%s", email), requestIDFromContext(c), nil)
		c.JSON(http.StatusBadRequest, gin.H{"error": "incorrect email or password"})
		return
	}

	token, expires, err := h.tokens.Issue(user)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}

	if user.Role == models.RoleAdmin {
		h.audit.Emit(c.Request.Context(), "INFO", "admin login", requestIDFromContext(c), &user.Email)
	}
	c.JSON(http.StatusOK, gin.H{
		"access_token": token,
		"token_type":   "bearer",
		"expires_at":   expires.UTC(),
		"role":         user.Role,
	})
}

// Me returns the identity carried by the caller's token.
func (h *AuthHandler) Me(c *gin.Context) {
	claims, ok := middleware.ClaimsFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing claims"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":    claims.UserID,
		"email": claims.Email(),
		"role":  claims.Role,
	})
}

// normalize trims the fields before they are validated.
func (r *registerRequest) normalize() {
	r.Email = normalizeEmail(r.Email)
	r.FullName = strings.TrimSpace(r.FullName)
}

// bindNormalized decodes the JSON body, normalizes req, then applies the binding rules of obj.
func bindNormalized(c *gin.Context, req *registerRequest, obj any) error {
	if err := c.ShouldBindWith(obj, noValidateJSON{}); err != nil {
		return err
	}
	req.normalize()
	return binding.Validator.ValidateStruct(obj)
}

// noValidateJSON decodes JSON like binding.JSON without running validation.
type noValidateJSON struct{}

func (noValidateJSON) Name() string { return "json" }

func (noValidateJSON) Bind(req *http.Request, obj any) error {
	if req == nil || req.Body == nil {
		return errors.New("invalid request")
	}
	return json.NewDecoder(req.Body).Decode(obj)
}

func createUser(c *gin.Context, users repositories.UserRepository, req registerRequest, role models.Role) (models.User, error) {
	hashed, err := auth.HashPassword(req.Password)
	if err != nil {
		return models.User{}, err
	}
	return users.Create(c.Request.Context(), models.User{
		Email:          normalizeEmail(req.Email),
		FullName:       strings.TrimSpace(req.FullName),
		HashedPassword: hashed,
		Role:           role,
	})
}

func writeCreateError(c *gin.Context, err error) {
	if errors.Is(err, repositories.ErrEmailTaken) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email already registered"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create user"})
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
