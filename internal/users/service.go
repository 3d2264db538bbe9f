// Package users implements registration and login over profile documents
// stored in the blob store, one JSON document per user plus a users index.
package users

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"keepsake/internal/blob"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const (
	usersIndexKey  = "users/users.json"
	profilesPrefix = "users/profiles/"
)

var (
	// ErrValidation wraps request validation failures; the message carries
	// the specific reason.
	ErrValidation = errors.New("validation failed")

	// ErrUserExists reports a registration with a taken username.
	ErrUserExists = errors.New("username already exists")

	// ErrInvalidCredentials reports an unknown username or a wrong password.
	// Both cases map to the same error so login does not leak which one it was.
	ErrInvalidCredentials = errors.New("invalid username or password")

	// ErrAccountDisabled reports a login against a deactivated account.
	ErrAccountDisabled = errors.New("account is disabled")
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Profile is the per-user document at users/profiles/{username}.json.
type Profile struct {
	Username     string  `json:"username"`
	Email        string  `json:"email"`
	PasswordHash string  `json:"password"`
	CreatedAt    string  `json:"createdAt"`
	LastLogin    *string `json:"lastLogin"`
	LoginCount   int     `json:"loginCount"`
	IsActive     bool    `json:"isActive"`
}

// indexEntry is one row of the users index document.
type indexEntry struct {
	Username    string  `json:"username"`
	Email       string  `json:"email"`
	CreatedAt   string  `json:"createdAt"`
	LastLogin   *string `json:"lastLogin"`
	ProfilePath string  `json:"profilePath"`
}

// usersIndex is the users/users.json document.
type usersIndex struct {
	Users       []indexEntry `json:"users"`
	LastUpdated string       `json:"lastUpdated"`
}

// LoginResult is returned on successful login.
type LoginResult struct {
	Username   string
	Email      string
	LastLogin  string
	LoginCount int
	Role       string
	Token      string
}

// Service handles registration and login. Mutations of the users index
// document serialise behind mu, like the file index.
type Service struct {
	store     blob.Store
	jwtSecret []byte
	tokenTTL  time.Duration

	mu  sync.Mutex
	now func() time.Time
}

// NewService returns a users Service minting HS256 tokens signed with
// jwtSecret, valid for tokenTTL.
func NewService(store blob.Store, jwtSecret []byte, tokenTTL time.Duration) *Service {
	return &Service{
		store:     store,
		jwtSecret: jwtSecret,
		tokenTTL:  tokenTTL,
		now:       time.Now,
	}
}

func profileKey(username string) string {
	return profilesPrefix + username + ".json"
}

// Register creates a new user profile and adds it to the users index.
func (s *Service) Register(ctx context.Context, username string, email string, password string) error {
	if username == "" || email == "" || password == "" {
		return fmt.Errorf("%w: username, email, and password are required", ErrValidation)
	}
	if len(username) < 3 || !usernamePattern.MatchString(username) {
		return fmt.Errorf("%w: username must be at least 3 characters of letters, digits, or underscore", ErrValidation)
	}
	if len(password) < 6 {
		return fmt.Errorf("%w: password must be at least 6 characters", ErrValidation)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.loadIndex(ctx)
	if err != nil {
		return fmt.Errorf("load users index: %w", err)
	}

	for _, u := range idx.Users {
		if u.Username == username {
			return ErrUserExists
		}
	}

	nowStr := s.now().UTC().Format(time.RFC3339)

	profile := Profile{
		Username:     username,
		Email:        email,
		PasswordHash: string(hash),
		CreatedAt:    nowStr,
		LoginCount:   0,
		IsActive:     true,
	}
	if err := s.saveProfile(ctx, profile); err != nil {
		return fmt.Errorf("save user profile: %w", err)
	}

	idx.Users = append(idx.Users, indexEntry{
		Username:    username,
		Email:       email,
		CreatedAt:   nowStr,
		ProfilePath: profileKey(username),
	})
	idx.LastUpdated = nowStr

	if err := s.saveIndex(ctx, idx); err != nil {
		return fmt.Errorf("save users index: %w", err)
	}

	slog.Info("Registered user", "user", username)
	return nil
}

// Login verifies credentials, bumps the login counters, and mints a token.
// Unknown users and wrong passwords are indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, username string, password string) (*LoginResult, error) {
	if username == "" || password == "" {
		return nil, fmt.Errorf("%w: username and password are required", ErrValidation)
	}

	profile, err := s.loadProfile(ctx, username)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("load user profile: %w", err)
	}

	if !profile.IsActive {
		return nil, ErrAccountDisabled
	}

	if bcrypt.CompareHashAndPassword([]byte(profile.PasswordHash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}

	nowStr := s.now().UTC().Format(time.RFC3339)
	profile.LastLogin = &nowStr
	profile.LoginCount++

	if err := s.saveProfile(ctx, *profile); err != nil {
		return nil, fmt.Errorf("save user profile: %w", err)
	}

	token, err := s.generateToken(username)
	if err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}

	role := "user"
	if username == "admin" {
		role = "admin"
	}

	slog.Info("User logged in", "user", username, "login_count", profile.LoginCount)
	return &LoginResult{
		Username:   username,
		Email:      profile.Email,
		LastLogin:  nowStr,
		LoginCount: profile.LoginCount,
		Role:       role,
		Token:      token,
	}, nil
}

// Claims are the token claims: registered claims plus the username.
type Claims struct {
	jwt.RegisteredClaims
	Username string `json:"username"`
}

func (s *Service) generateToken(username string) (string, error) {
	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
		},
		Username: username,
	})
	return token.SignedString(s.jwtSecret)
}

// VerifyToken parses and validates a token, returning the username it was
// issued for.
func (s *Service) VerifyToken(tokenString string) (string, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return s.jwtSecret, nil
	})
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", errors.New("invalid token")
	}
	return claims.Username, nil
}

func (s *Service) loadProfile(ctx context.Context, username string) (*Profile, error) {
	data, err := s.store.Get(ctx, profileKey(username))
	if err != nil {
		return nil, err
	}

	var profile Profile
	if err := json.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("decode user profile: %w", err)
	}
	return &profile, nil
}

func (s *Service) saveProfile(ctx context.Context, profile Profile) error {
	data, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("encode user profile: %w", err)
	}
	return s.store.Put(ctx, profileKey(profile.Username), data, "application/json")
}

func (s *Service) loadIndex(ctx context.Context) (usersIndex, error) {
	data, err := s.store.Get(ctx, usersIndexKey)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return usersIndex{Users: []indexEntry{}}, nil
		}
		return usersIndex{}, err
	}

	var idx usersIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return usersIndex{}, fmt.Errorf("decode users index: %w", err)
	}
	return idx, nil
}

func (s *Service) saveIndex(ctx context.Context, idx usersIndex) error {
	data, err := json.Marshal(idx)
	if err != nil {
		return fmt.Errorf("encode users index: %w", err)
	}
	return s.store.Put(ctx, usersIndexKey, data, "application/json")
}

// Deactivate marks a user's account inactive. Logins fail with
// ErrAccountDisabled afterwards.
func (s *Service) Deactivate(ctx context.Context, username string) error {
	profile, err := s.loadProfile(ctx, username)
	if err != nil {
		return err
	}
	profile.IsActive = false
	return s.saveProfile(ctx, *profile)
}
