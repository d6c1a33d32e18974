package httpapi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"orderflow/backend/internal/domain"
	"orderflow/backend/internal/store"
)

const (
	tokenIssuer      = "orderflow"
	userStoreTimeout = 3 * time.Second
)

var errInvalidCredentials = errors.New("invalid credentials")

type AuthManager struct {
	mu        sync.RWMutex
	secret    []byte
	tokenTTL  time.Duration
	userStore UserStore
	users     map[string]credential
}

type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

type credential struct {
	id        string
	name      string
	password  string
	role      string
	wholesale bool
	active    bool
}

type actorClaims struct {
	jwtlib.RegisteredClaims
	Name      string `json:"name"`
	Role      string `json:"role"`
	Wholesale bool   `json:"wholesale,omitempty"`
}

// NewAuthManager signs HS256 tokens with secret. The caller is expected to
// reject short secrets before getting here.
func NewAuthManager(ctx context.Context, secret string, tokenTTL time.Duration, userStore UserStore) *AuthManager {
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}
	manager := &AuthManager{
		secret:    []byte(secret),
		tokenTTL:  tokenTTL,
		userStore: userStore,
		users:     make(map[string]credential),
	}
	manager.bootstrapUsers(ctx)
	return manager
}

func (a *AuthManager) Login(ctx context.Context, req domain.LoginRequest) (domain.LoginResponse, error) {
	username := strings.ToLower(strings.TrimSpace(req.Username))
	a.mu.RLock()
	cred, ok := a.users[username]
	a.mu.RUnlock()
	if !ok {
		// Accounts created by another instance only show up after a reload.
		a.bootstrapUsers(ctx)
		a.mu.RLock()
		cred, ok = a.users[username]
		a.mu.RUnlock()
	}
	if !ok || !verifyPassword(cred.password, req.Password) {
		return domain.LoginResponse{}, errInvalidCredentials
	}
	if !cred.active {
		return domain.LoginResponse{}, errors.New("account is inactive")
	}

	expiresAt := time.Now().UTC().Add(a.tokenTTL)
	token, err := a.sign(cred, expiresAt)
	if err != nil {
		return domain.LoginResponse{}, err
	}

	return domain.LoginResponse{
		AccessToken: token,
		UserID:      cred.id,
		Name:        cred.name,
		Role:        cred.role,
		IsWholesale: cred.wholesale,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
	}, nil
}

// Register creates a customer account and logs it in.
func (a *AuthManager) Register(ctx context.Context, req domain.RegisterRequest) (domain.LoginResponse, error) {
	username := strings.ToLower(strings.TrimSpace(req.Username))
	if len(username) < 4 {
		return domain.LoginResponse{}, domain.ValidationErrorf("username must be at least 4 characters")
	}
	if strings.ContainsAny(username, " \t\r\n") {
		return domain.LoginResponse{}, domain.ValidationErrorf("username must not contain spaces")
	}
	if len(req.Password) < 8 {
		return domain.LoginResponse{}, domain.ValidationErrorf("password must be at least 8 characters")
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.LoginResponse{}, domain.ValidationErrorf("name is required")
	}

	a.mu.RLock()
	_, exists := a.users[username]
	a.mu.RUnlock()
	if exists {
		return domain.LoginResponse{}, fmt.Errorf("%w: username already exists", store.ErrConflict)
	}

	passwordHash, err := hashPassword(req.Password)
	if err != nil {
		return domain.LoginResponse{}, fmt.Errorf("failed to hash password")
	}
	account := domain.UserAccount{
		Username:  username,
		Name:      name,
		Password:  passwordHash,
		Role:      domain.RoleCustomer,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if a.userStore != nil {
		if err := a.userStore.CreateUser(ctx, account); err != nil {
			return domain.LoginResponse{}, err
		}
		a.bootstrapUsers(ctx)
	} else {
		a.mu.Lock()
		a.users[username] = credential{id: username, name: name, password: passwordHash, role: domain.RoleCustomer, active: true}
		a.mu.Unlock()
	}

	return a.Login(ctx, domain.LoginRequest{Username: username, Password: req.Password})
}

func (a *AuthManager) ParseToken(tokenStr string) (domain.Actor, error) {
	claims := &actorClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}), jwtlib.WithIssuer(tokenIssuer))
	if err != nil || !token.Valid {
		return domain.Actor{}, errors.New("invalid or expired token")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return domain.Actor{}, errors.New("invalid token subject")
	}
	return domain.Actor{
		ID:          sub,
		Name:        claims.Name,
		Role:        claims.Role,
		IsWholesale: claims.Wholesale,
	}, nil
}

func (a *AuthManager) sign(cred credential, expiresAt time.Time) (string, error) {
	claims := actorClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   cred.id,
			IssuedAt:  jwtlib.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
			Issuer:    tokenIssuer,
		},
		Name:      cred.name,
		Role:      cred.role,
		Wholesale: cred.wholesale,
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// bootstrapUsers reloads the credential cache from the user store and upgrades
// any plain-text passwords it finds to bcrypt hashes.
func (a *AuthManager) bootstrapUsers(ctx context.Context) {
	if a.userStore == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, userStoreTimeout)
	defer cancel()

	users, err := a.userStore.ListUsers(ctx)
	if err != nil || len(users) == 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, user := range users {
		username := strings.ToLower(strings.TrimSpace(user.Username))
		if username == "" {
			continue
		}
		password := user.Password
		if !isPasswordHash(password) {
			hashed, err := hashPassword(password)
			if err == nil {
				password = hashed
				_ = a.userStore.UpdateUserPassword(ctx, username, hashed)
			}
		}
		id := user.ID
		if id == "" {
			id = username
		}
		a.users[username] = credential{
			id:        id,
			name:      user.Name,
			password:  password,
			role:      user.Role,
			wholesale: user.IsWholesale,
			active:    user.Active,
		}
	}
}

func verifyPassword(stored string, input string) bool {
	if stored == "" || strings.TrimSpace(input) == "" || !isPasswordHash(stored) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(input)) == nil
}

func hashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func isPasswordHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
