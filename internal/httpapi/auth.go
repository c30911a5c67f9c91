package httpapi

import (
	"errors"
	"strings"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"kasirinaja/terminal/internal/domain"
)

var errInvalidCredentials = errors.New("invalid credentials")

// AuthManager signs operator sessions and checks the manager PIN. Operators
// are loaded once at startup from the seed file.
type AuthManager struct {
	mu         sync.RWMutex
	secret     []byte
	tokenTTL   time.Duration
	managerPIN string
	operators  map[string]domain.Operator
	now        func() time.Time
}

type terminalClaims struct {
	jwtlib.RegisteredClaims
	Role string `json:"role"`
}

func NewAuthManager(secret string, tokenTTL time.Duration, managerPIN string, operators []domain.Operator) *AuthManager {
	if secret == "" {
		secret = "dev-change-me"
	}
	if tokenTTL <= 0 {
		tokenTTL = 12 * time.Hour
	}
	managerPIN = strings.TrimSpace(managerPIN)
	if managerPIN != "" && !isPINHash(managerPIN) {
		hashed, err := hashPIN(managerPIN)
		if err != nil {
			managerPIN = ""
		} else {
			managerPIN = hashed
		}
	}

	manager := &AuthManager{
		secret:     []byte(secret),
		tokenTTL:   tokenTTL,
		managerPIN: managerPIN,
		operators:  make(map[string]domain.Operator),
		now:        time.Now,
	}
	manager.SetOperators(operators)
	return manager
}

// SetOperators replaces the operator roster. Operators without a bcrypt
// hash can never log in.
func (a *AuthManager) SetOperators(operators []domain.Operator) {
	roster := make(map[string]domain.Operator, len(operators))
	for _, op := range operators {
		username := strings.ToLower(strings.TrimSpace(op.Username))
		if username == "" {
			continue
		}
		op.Username = username
		roster[username] = op
	}
	a.mu.Lock()
	a.operators = roster
	a.mu.Unlock()
}

func (a *AuthManager) Login(req domain.LoginRequest) (domain.LoginResponse, error) {
	username := strings.ToLower(strings.TrimSpace(req.Username))
	a.mu.RLock()
	op, ok := a.operators[username]
	a.mu.RUnlock()
	if !ok || !verifyPIN(op.PINHash, req.PIN) {
		return domain.LoginResponse{}, errInvalidCredentials
	}
	if !op.Active {
		return domain.LoginResponse{}, errors.New("operator is inactive")
	}

	expiresAt := a.now().UTC().Add(a.tokenTTL)
	token, err := a.sign(username, op.Role, expiresAt)
	if err != nil {
		return domain.LoginResponse{}, err
	}
	return domain.LoginResponse{
		AccessToken: token,
		Role:        op.Role,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
	}, nil
}

func (a *AuthManager) ParseToken(tokenStr string) (domain.Actor, error) {
	claims := &terminalClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}), jwtlib.WithTimeFunc(a.now))
	if err != nil || !token.Valid {
		return domain.Actor{}, errors.New("invalid or expired token")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return domain.Actor{}, errors.New("invalid token subject")
	}

	// A deactivated operator loses access even with an unexpired token.
	a.mu.RLock()
	op, ok := a.operators[sub]
	a.mu.RUnlock()
	if !ok || !op.Active {
		return domain.Actor{}, errors.New("operator is inactive")
	}
	return domain.Actor{Username: sub, Role: claims.Role}, nil
}

func (a *AuthManager) sign(username, role string, expiresAt time.Time) (string, error) {
	claims := terminalClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwtlib.NewNumericDate(a.now().UTC()),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
			Issuer:    "kasirinaja-terminal",
		},
		Role: role,
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func (a *AuthManager) ValidateManagerPIN(pin string) bool {
	return verifyPIN(a.managerPIN, pin)
}

func verifyPIN(stored string, input string) bool {
	if stored == "" || strings.TrimSpace(input) == "" || !isPINHash(stored) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(strings.TrimSpace(input))) == nil
}

func hashPIN(pin string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func isPINHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
