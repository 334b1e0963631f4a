package user

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/tendant/simple-idm-workflow/pkg/errors"
)

const usersFile = "users.json"

// FileUserRepository implements UserRepository on a JSON file.
type FileUserRepository struct {
	dataDir string
	users   map[string]*User
	mutex   sync.RWMutex
}

type userData struct {
	Users []*User `json:"users"`
}

// NewFileUserRepository creates the data directory when missing and loads
// any users stored there.
func NewFileUserRepository(dataDir string) (*FileUserRepository, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	repo := &FileUserRepository{
		dataDir: dataDir,
		users:   make(map[string]*User),
	}
	if err := repo.load(); err != nil {
		return nil, fmt.Errorf("failed to load data: %w", err)
	}
	return repo, nil
}

func (r *FileUserRepository) Save(ctx context.Context, u *User) (*User, error) {
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

	previous, existed := r.users[u.Key]
	r.users[u.Key] = clone(u)
	if err := r.save(); err != nil {
		if existed {
			r.users[u.Key] = previous
		} else {
			delete(r.users, u.Key)
		}
		return nil, fmt.Errorf("failed to save: %w", err)
	}
	return u, nil
}

func (r *FileUserRepository) Find(ctx context.Context, key string) (*User, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	u, ok := r.users[key]
	if !ok {
		return nil, errors.NotFound("user", key)
	}
	return clone(u), nil
}

func (r *FileUserRepository) FindByUsername(ctx context.Context, username string) (*User, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	for _, u := range r.users {
		if u.Username == username {
			return clone(u), nil
		}
	}
	return nil, errors.NotFound("user", username)
}

func (r *FileUserRepository) FindAll(ctx context.Context) ([]*User, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	users := make([]*User, 0, len(r.users))
	for _, u := range r.users {
		users = append(users, clone(u))
	}
	slices.SortFunc(users, func(a, b *User) int { return strings.Compare(a.Username, b.Username) })
	return users, nil
}

func (r *FileUserRepository) Delete(ctx context.Context, key string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	previous, ok := r.users[key]
	if !ok {
		return errors.NotFound("user", key)
	}
	delete(r.users, key)
	if err := r.save(); err != nil {
		r.users[key] = previous
		return fmt.Errorf("failed to save: %w", err)
	}
	return nil
}

func (r *FileUserRepository) FindAllResourceKeys(ctx context.Context, key string) ([]string, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	u, ok := r.users[key]
	if !ok {
		return nil, errors.NotFound("user", key)
	}
	return resourceKeys(u), nil
}

func (r *FileUserRepository) load() error {
	filePath := filepath.Join(r.dataDir, usersFile)

	data, err := os.ReadFile(filePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	if len(data) == 0 {
		return nil
	}

	var stored userData
	if err := json.Unmarshal(data, &stored); err != nil {
		return fmt.Errorf("failed to unmarshal data: %w", err)
	}
	for _, u := range stored.Users {
		r.users[u.Key] = u
	}
	return nil
}

// save writes all users to disk through a temp file and rename.
func (r *FileUserRepository) save() error {
	stored := userData{Users: make([]*User, 0, len(r.users))}
	for _, u := range r.users {
		stored.Users = append(stored.Users, u)
	}
	slices.SortFunc(stored.Users, func(a, b *User) int { return strings.Compare(a.Key, b.Key) })

	jsonData, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	tempFile := filepath.Join(r.dataDir, usersFile+".tmp")
	if err := os.WriteFile(tempFile, jsonData, 0644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tempFile, filepath.Join(r.dataDir, usersFile)); err != nil {
		return fmt.Errorf("failed to rename file: %w", err)
	}
	return nil
}
