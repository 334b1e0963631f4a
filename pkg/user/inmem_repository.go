package user

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/tendant/simple-idm-workflow/pkg/errors"
)

// InMemoryUserRepository keeps users in a map.
type InMemoryUserRepository struct {
	users map[string]*User
	mutex sync.Mutex
}

// NewInMemoryUserRepository creates an empty repository.
func NewInMemoryUserRepository() *InMemoryUserRepository {
	return &InMemoryUserRepository{users: make(map[string]*User)}
}

func (r *InMemoryUserRepository) Save(ctx context.Context, u *User) (*User, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if u.Key == "" {
		u.Key = uuid.NewString()
	}
	for key, existing := range r.users {
		if key != u.Key && existing.Username == u.Username {
			return nil, errors.AlreadyExists("user", u.Username)
		}
	}
	r.users[u.Key] = clone(u)
	slog.Debug("User saved", "key", u.Key, "username", u.Username)
	return u, nil
}

func (r *InMemoryUserRepository) Find(ctx context.Context, key string) (*User, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	u, ok := r.users[key]
	if !ok {
		return nil, errors.NotFound("user", key)
	}
	return clone(u), nil
}

func (r *InMemoryUserRepository) FindByUsername(ctx context.Context, username string) (*User, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	for _, u := range r.users {
		if u.Username == username {
			return clone(u), nil
		}
	}
	return nil, errors.NotFound("user", username)
}

func (r *InMemoryUserRepository) FindAll(ctx context.Context) ([]*User, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	users := make([]*User, 0, len(r.users))
	for _, u := range r.users {
		users = append(users, clone(u))
	}
	slices.SortFunc(users, func(a, b *User) int { return strings.Compare(a.Username, b.Username) })
	return users, nil
}

func (r *InMemoryUserRepository) Delete(ctx context.Context, key string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, ok := r.users[key]; !ok {
		return errors.NotFound("user", key)
	}
	delete(r.users, key)
	slog.Debug("User deleted", "key", key)
	return nil
}

func (r *InMemoryUserRepository) FindAllResourceKeys(ctx context.Context, key string) ([]string, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	u, ok := r.users[key]
	if !ok {
		return nil, errors.NotFound("user", key)
	}
	return resourceKeys(u), nil
}
