package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"schoolhub/apperrors"
	"schoolhub/models"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// HashPassword hashes a password using bcrypt.
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(bytes), err
}

// CheckPassword compares a bcrypt hash with a plain text password.
func CheckPassword(hashedPassword, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password)) == nil
}

// Service authenticates portal admins.
type Service struct {
	db       *gorm.DB
	secret   string
	tokenTTL time.Duration
}

func NewService(db *gorm.DB, secret string, tokenTTL time.Duration) *Service {
	return &Service{db: db, secret: secret, tokenTTL: tokenTTL}
}

// Login verifies credentials and returns a signed token.
func (s *Service) Login(ctx context.Context, email, password string) (string, *models.PortalAdmin, error) {
	var admin models.PortalAdmin
	err := s.db.WithContext(ctx).Where("email = ?", strings.ToLower(email)).First(&admin).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil, &apperrors.UnauthorizedError{Message: "invalid email or password"}
	}
	if err != nil {
		return "", nil, fmt.Errorf("failed to load admin: %w", err)
	}
	if !CheckPassword(admin.PasswordHash, password) {
		return "", nil, &apperrors.UnauthorizedError{Message: "invalid email or password"}
	}
	if !admin.IsActive {
		return "", nil, &apperrors.ForbiddenError{Message: "admin account is disabled"}
	}

	token, err := GenerateToken(admin.ID, admin.Email, admin.Role, s.secret, s.tokenTTL)
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign token: %w", err)
	}

	now := time.Now()
	admin.LastLoginAt = &now
	if err := s.db.WithContext(ctx).Model(&admin).Update("last_login_at", now).Error; err != nil {
		return "", nil, fmt.Errorf("failed to stamp login: %w", err)
	}
	return token, &admin, nil
}

// Authenticate resolves a bearer token to an active admin.
func (s *Service) Authenticate(ctx context.Context, token string) (*models.PortalAdmin, error) {
	claims, err := ValidateToken(token, s.secret)
	if err != nil {
		return nil, &apperrors.UnauthorizedError{Message: "invalid or expired token"}
	}

	var admin models.PortalAdmin
	if err := s.db.WithContext(ctx).First(&admin, claims.AdminID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &apperrors.UnauthorizedError{Message: "admin not found"}
		}
		return nil, fmt.Errorf("failed to load admin: %w", err)
	}
	if !admin.IsActive {
		return nil, &apperrors.ForbiddenError{Message: "admin account is disabled"}
	}
	return &admin, nil
}

// CreateAdmin bootstraps a portal admin account.
func (s *Service) CreateAdmin(ctx context.Context, email, name, password, role string) (*models.PortalAdmin, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, apperrors.Validation("email", "required")
	}
	if len(password) < 8 {
		return nil, apperrors.Validation("password", "must be at least 8 characters")
	}
	if role == "" {
		role = "admin"
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	var existing int64
	if err := s.db.WithContext(ctx).Model(&models.PortalAdmin{}).Where("email = ?", email).Count(&existing).Error; err != nil {
		return nil, fmt.Errorf("failed to check existing admin: %w", err)
	}
	if existing > 0 {
		return nil, &apperrors.ConflictError{Message: "an admin with this email already exists"}
	}

	admin := models.PortalAdmin{
		Email:        email,
		Name:         name,
		PasswordHash: hash,
		Role:         role,
		IsActive:     true,
	}
	if err := s.db.WithContext(ctx).Create(&admin).Error; err != nil {
		return nil, fmt.Errorf("failed to create admin: %w", err)
	}
	return &admin, nil
}
