// Package users resolves webhook-supplied usernames to locally mirrored
// user rows.
package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/forgehub/hub/internal/models"
	"gorm.io/gorm"
)

// ErrInvalidUsername indicates an empty or malformed username.
var ErrInvalidUsername = errors.New("users: invalid username")

// ServiceConfig describes the dependencies of the user resolution service.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service resolves usernames to local user rows, creating them on first
// sight. Upstream services are the source of truth for accounts; the local
// rows exist only so events and resources can reference an acting user.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the user resolution service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{db: cfg.Database, now: clock}, nil
}

// Lookup returns the local user row for the given username, creating it if
// this is the first time the username has been seen. A leading tilde (the
// canonical-name form appearing in some payloads) is stripped.
func (s *Service) Lookup(ctx context.Context, username string) (*models.User, error) {
	username = strings.TrimPrefix(strings.TrimSpace(username), "~")
	if username == "" {
		return nil, ErrInvalidUsername
	}

	if cached, ok := s.cache.Load(username); ok {
		if user, ok := cached.(*models.User); ok {
			return user, nil
		}
	}

	var user models.User
	err := s.db.WithContext(ctx).Where("username = ?", username).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		user = models.User{Created: s.now().UTC(), Username: username}
		if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
			// A concurrent request may have created the row first.
			if lookupErr := s.db.WithContext(ctx).Where("username = ?", username).First(&user).Error; lookupErr != nil {
				return nil, err
			}
		}
	} else if err != nil {
		return nil, err
	}

	s.cache.Store(username, &user)
	return &user, nil
}

// LookupByID returns the local user row with the given id.
func (s *Service) LookupByID(ctx context.Context, id uint) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).Take(&user, id).Error; err != nil {
		return nil, err
	}
	return &user, nil
}
