package auth

import (
	"context"
	"errors"
	"net/mail"
	"strings"

	"dmchat/backend/internal/apperr"
	"dmchat/backend/internal/config"
	"dmchat/backend/internal/logger"
	"dmchat/backend/internal/models"

	"gorm.io/gorm"
)

// UserStore is the part of storage the auth collaborator needs.
type UserStore interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
}

type Service struct {
	users  UserStore
	tokens *Tokens
}

func NewService(users UserStore, tokens *Tokens) *Service {
	return &Service{users: users, tokens: tokens}
}

func (s *Service) Tokens() *Tokens {
	return s.tokens
}

// Session is returned by register and login.
type Session struct {
	Token string       `json:"token"`
	User  *models.User `json:"user"`
}

func (s *Service) Register(ctx context.Context, username, email, password string) (*Session, error) {
	username = strings.TrimSpace(username)
	email = strings.ToLower(strings.TrimSpace(email))
	if username == "" || email == "" || password == "" {
		return nil, apperr.InvalidArgument("Username, email and password are required")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, apperr.InvalidArgument("Invalid email")
	}
	if len(password) < config.MinPasswordLen {
		return nil, apperr.InvalidArgument("Password is too short")
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	user := &models.User{Username: username, Email: email, PasswordHash: hash}
	if err := s.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, apperr.Conflict("User already exists")
		}
		return nil, apperr.From(err)
	}

	logger.Info().Str("user_id", user.ID).Msg("user registered")
	return s.session(user)
}

func (s *Service) Login(ctx context.Context, email, password string) (*Session, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return nil, apperr.InvalidArgument("Email and password are required")
	}

	user, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errInvalidCredentials
		}
		return nil, apperr.From(err)
	}
	if !CheckPassword(user.PasswordHash, password) {
		return nil, errInvalidCredentials
	}
	return s.session(user)
}

func (s *Service) Me(ctx context.Context, userID string) (*models.User, error) {
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("User not found")
		}
		return nil, apperr.From(err)
	}
	return user, nil
}

// Authenticate resolves a bearer token to a caller id.
func (s *Service) Authenticate(token string) (string, error) {
	claims, err := s.tokens.Validate(token)
	if err != nil {
		return "", err
	}
	return claims.UserID, nil
}

var errInvalidCredentials = apperr.Unauthenticated("Invalid credentials")

func (s *Service) session(user *models.User) (*Session, error) {
	token, err := s.tokens.Issue(user.ID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return &Session{Token: token, User: user}, nil
}
