package admin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Errors returned by Creator.
var (
	ErrUserExists    = errors.New("user already exists")
	ErrEmailRequired = errors.New("email is required")
	ErrInvalidEmail  = errors.New("email is not a valid address")
	ErrNameRequired  = errors.New("name is required")
)

// NewUser is the row inserted for an administrator.
type NewUser struct {
	Email             string
	Name              string
	EncryptedPassword string
}

// UserStore persists administrator accounts.
type UserStore interface {
	// Exists reports whether a user with the email is present.
	Exists(ctx context.Context, email string) (bool, error)
	// Create inserts a verified admin user and returns its id.
	Create(ctx context.Context, u NewUser) (int64, error)
	// SetResetToken stores a reset token digest and the time it was issued.
	SetResetToken(ctx context.Context, id int64, digest string, sentAt time.Time) error
}

// Request carries the command's positional arguments.
type Request struct {
	Email    string `validate:"required,email"`
	Name     string `validate:"required"`
	Password string
}

// Credentials describes a created account.
type Credentials struct {
	ID       int64
	Email    string
	Name     string
	Password string
}

// Creator creates administrator accounts.
type Creator struct {
	store      UserStore
	tokens     *TokenGenerator
	bcryptCost int
	now        func() time.Time
}

// Option configures a Creator.
type Option func(*Creator)

// WithBcryptCost overrides DefaultBcryptCost.
func WithBcryptCost(cost int) Option {
	return func(c *Creator) { c.bcryptCost = cost }
}

// WithTokenGenerator enables CreateWithResetToken.
func WithTokenGenerator(g *TokenGenerator) Option {
	return func(c *Creator) { c.tokens = g }
}

// WithClock sets the time source used for reset_password_sent_at.
func WithClock(now func() time.Time) Option {
	return func(c *Creator) { c.now = now }
}

// NewCreator returns a Creator backed by store.
func NewCreator(store UserStore, opts ...Option) *Creator {
	c := &Creator{
		store:      store,
		bcryptCost: DefaultBcryptCost,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateRequest normalizes the email and checks the request fields.
func ValidateRequest(req *Request) error {
	req.Email = normalizeEmail(req.Email)
	req.Name = strings.TrimSpace(req.Name)

	if err := validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) || len(verrs) == 0 {
			return err
		}
		fe := verrs[0]
		switch {
		case fe.Field() == "Email" && fe.Tag() == "required":
			return ErrEmailRequired
		case fe.Field() == "Email":
			return fmt.Errorf("%w: %s", ErrInvalidEmail, req.Email)
		case fe.Field() == "Name":
			return ErrNameRequired
		default:
			return fmt.Errorf("invalid %s", strings.ToLower(fe.Field()))
		}
	}
	return nil
}

// CreateAdmin creates a verified administrator. When req.Password is empty a
// password is generated and returned in the credentials.
func (c *Creator) CreateAdmin(ctx context.Context, req Request) (*Credentials, error) {
	if err := ValidateRequest(&req); err != nil {
		return nil, err
	}

	if req.Password == "" {
		pw, err := GeneratePassword()
		if err != nil {
			return nil, err
		}
		req.Password = pw
	}

	id, err := c.create(ctx, req)
	if err != nil {
		return nil, err
	}
	return &Credentials{ID: id, Email: req.Email, Name: req.Name, Password: req.Password}, nil
}

// CreateWithResetToken creates a verified administrator with a random
// temporary password and issues a password reset token. It returns the raw
// token to hand to the user; only its digest is stored.
func (c *Creator) CreateWithResetToken(ctx context.Context, req Request) (string, error) {
	if c.tokens == nil {
		return "", errors.New("reset tokens require a secret key base")
	}
	if err := ValidateRequest(&req); err != nil {
		return "", err
	}

	pw, err := TemporaryPassword()
	if err != nil {
		return "", err
	}
	req.Password = pw

	id, err := c.create(ctx, req)
	if err != nil {
		return "", err
	}

	raw, digest, err := c.tokens.Generate(ResetPasswordColumn)
	if err != nil {
		return "", err
	}
	if err := c.store.SetResetToken(ctx, id, digest, c.now().UTC()); err != nil {
		return "", fmt.Errorf("failed to store reset token: %w", err)
	}
	return raw, nil
}

func (c *Creator) create(ctx context.Context, req Request) (int64, error) {
	exists, err := c.store.Exists(ctx, req.Email)
	if err != nil {
		return 0, fmt.Errorf("failed to look up user: %w", err)
	}
	if exists {
		return 0, fmt.Errorf("%w: %s", ErrUserExists, req.Email)
	}

	hash, err := HashPassword(req.Password, c.bcryptCost)
	if err != nil {
		return 0, err
	}

	id, err := c.store.Create(ctx, NewUser{
		Email:             req.Email,
		Name:              req.Name,
		EncryptedPassword: hash,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to create user: %w", err)
	}
	return id, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
