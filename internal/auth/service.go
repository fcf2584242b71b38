package auth

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/crypto/bcrypt"

	"github.com/pixelmint/backend/internal/models"
)

// ErrDuplicateEmail is returned when registering with an email that already exists.
var ErrDuplicateEmail = errors.New("email already registered")

// UserStore is the subset of the user repository used by the auth service.
type UserStore interface {
	Create(ctx context.Context, u *models.User) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
}

// Granter issues credit grants. Implemented by the credits service.
type Granter interface {
	Grant(ctx context.Context, userID uuid.UUID, amount int64, action, requestID string, metadata json.RawMessage) (int64, error)
}

type Service interface {
	Register(ctx context.Context, email, password, name, referralCode string) (*models.User, error)
	Login(ctx context.Context, email, password string) (string, error)
	ValidateToken(ctx context.Context, token string) (uuid.UUID, string, error)
}

type service struct {
	users       UserStore
	credits     Granter
	secret      []byte
	signupBonus int64
}

// NewService builds the auth service. signupBonus is the number of credits
// granted to every new user; zero disables the grant.
func NewService(users UserStore, credits Granter, signupBonus int64) *service {
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		secret = "supersecretmvp"
	}
	return &service{users: users, credits: credits, secret: []byte(secret), signupBonus: signupBonus}
}

// Ensure service implements Service at compile time.
var _ Service = (*service)(nil)

type claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// Register creates a user, records who referred them (the referral code is the
// referrer's user ID), and grants the signup bonus. The bonus uses a
// deterministic request ID so a retried registration can never grant twice.
func (s *service) Register(ctx context.Context, email, password, name, referralCode string) (*models.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	user := &models.User{
		ID:           uuid.New(),
		Email:        email,
		Name:         name,
		PasswordHash: string(hash),
		Role:         models.RoleUser,
	}

	if referralCode != "" {
		referrerID, err := uuid.Parse(referralCode)
		if err != nil {
			return nil, errors.New("invalid referral code")
		}
		referrer, err := s.users.GetByID(ctx, referrerID)
		if err != nil {
			return nil, err
		}
		if referrer == nil {
			return nil, errors.New("invalid referral code")
		}
		user.ReferredBy = &referrer.ID
	}

	if err := s.users.Create(ctx, user); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicateEmail
		}
		return nil, err
	}

	if s.signupBonus > 0 {
		if _, err := s.credits.Grant(ctx, user.ID, s.signupBonus, models.ActionSignupBonus, "signup-"+user.ID.String(), nil); err != nil {
			return nil, err
		}
	}
	return user, nil
}

func (s *service) Login(ctx context.Context, email, password string) (string, error) {
	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		return "", err
	}
	if user == nil {
		return "", errors.New("invalid credentials")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", errors.New("invalid credentials")
	}
	return s.issueToken(user.ID, user.Role)
}

func (s *service) issueToken(userID uuid.UUID, role string) (string, error) {
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Role: role,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString(s.secret)
}

func (s *service) ValidateToken(ctx context.Context, token string) (uuid.UUID, string, error) {
	tok, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return uuid.Nil, "", err
	}
	c, ok := tok.Claims.(*claims)
	if !ok || !tok.Valid {
		return uuid.Nil, "", errors.New("invalid token")
	}
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return uuid.Nil, "", err
	}
	return id, c.Role, nil
}
