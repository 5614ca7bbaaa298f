package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"qrgrad/internal/store"
)

const keyUsers = "qrgrad:users"

// Roles known to the system. Only admins may mutate ceremony data.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

var (
	// ErrEmailTaken is returned when the email is already registered.
	ErrEmailTaken = errors.New("an account with this email already exists")
	// ErrInvalidCredentials is returned on a failed sign-in.
	ErrInvalidCredentials = errors.New("invalid email or password")
)

// User is a local console account. Passwords are stored bcrypt-hashed.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"passwordHash"`
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Accounts manages local user accounts in the KV store.
type Accounts struct {
	kv store.KV
}

// NewAccounts creates the account layer.
func NewAccounts(kv store.KV) *Accounts {
	return &Accounts{kv: kv}
}

func (a *Accounts) load(ctx context.Context) ([]User, error) {
	raw, ok, err := a.kv.Get(ctx, keyUsers)
	if err != nil || !ok {
		return nil, err
	}
	var users []User
	if err := json.Unmarshal(raw, &users); err != nil {
		return nil, err
	}
	return users, nil
}

func (a *Accounts) save(ctx context.Context, users []User) error {
	raw, err := json.Marshal(users)
	if err != nil {
		return err
	}
	return a.kv.Set(ctx, keyUsers, raw)
}

// SeedDefaultAdmin creates the admin@local.com account when no users
// exist, so a fresh deployment is reachable. The password must be
// changed for anything public.
func (a *Accounts) SeedDefaultAdmin(ctx context.Context) error {
	users, err := a.load(ctx)
	if err != nil {
		return err
	}
	if len(users) > 0 {
		return nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte("admin123"), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	users = append(users, User{
		ID:           uuid.NewString(),
		Email:        "admin@local.com",
		PasswordHash: string(hash),
		Role:         RoleAdmin,
		CreatedAt:    time.Now().UTC(),
	})
	if err := a.save(ctx, users); err != nil {
		return err
	}
	log.Println("auth: default admin account created (admin@local.com)")
	return nil
}

// SignUp registers a new account with role user. A duplicate email is
// rejected with ErrEmailTaken.
func (a *Accounts) SignUp(ctx context.Context, email, password string) (User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return User{}, errors.New("email and password required")
	}
	users, err := a.load(ctx)
	if err != nil {
		return User{}, err
	}
	for _, u := range users {
		if u.Email == email {
			return User{}, ErrEmailTaken
		}
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, err
	}
	user := User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: string(hash),
		Role:         RoleUser,
		CreatedAt:    time.Now().UTC(),
	}
	users = append(users, user)
	if err := a.save(ctx, users); err != nil {
		return User{}, err
	}
	return user, nil
}

// SignIn verifies credentials and returns the account.
func (a *Accounts) SignIn(ctx context.Context, email, password string) (User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	users, err := a.load(ctx)
	if err != nil {
		return User{}, err
	}
	for _, u := range users {
		if u.Email == email {
			if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) == nil {
				return u, nil
			}
			break
		}
	}
	return User{}, ErrInvalidCredentials
}
