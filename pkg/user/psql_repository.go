package user

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/tendant/simple-idm-workflow/pkg/errors"
)

// DBTX is satisfied by a pgx connection, pool or transaction.
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// PostgresUserRepository implements UserRepository on the workflow_user
// table created by Migrate.
type PostgresUserRepository struct {
	db DBTX
}

// NewPostgresUserRepository creates a repository over db.
func NewPostgresUserRepository(db DBTX) *PostgresUserRepository {
	return &PostgresUserRepository{db: db}
}

const userColumns = `id, username, realm, status, suspended, password_hash, must_change_password,
	token, token_expire_time, resources, memberships, roles, plain_attrs, linked_accounts,
	creation_date, creator, creation_context, last_change_date, last_modifier, last_change_context`

const upsertUser = `
INSERT INTO workflow_user (` + userColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
ON CONFLICT (id) DO UPDATE SET
	username = EXCLUDED.username,
	realm = EXCLUDED.realm,
	status = EXCLUDED.status,
	suspended = EXCLUDED.suspended,
	password_hash = EXCLUDED.password_hash,
	must_change_password = EXCLUDED.must_change_password,
	token = EXCLUDED.token,
	token_expire_time = EXCLUDED.token_expire_time,
	resources = EXCLUDED.resources,
	memberships = EXCLUDED.memberships,
	roles = EXCLUDED.roles,
	plain_attrs = EXCLUDED.plain_attrs,
	linked_accounts = EXCLUDED.linked_accounts,
	last_change_date = EXCLUDED.last_change_date,
	last_modifier = EXCLUDED.last_modifier,
	last_change_context = EXCLUDED.last_change_context`

func (r *PostgresUserRepository) Save(ctx context.Context, u *User) (*User, error) {
	if u.Key == "" {
		u.Key = uuid.NewString()
	}
	id, err := uuid.Parse(u.Key)
	if err != nil {
		return nil, errors.InvalidInput("user key", err.Error())
	}
	if u.CreationDate.IsZero() {
		u.CreationDate = time.Now().UTC()
	}
	if u.LastChangeDate.IsZero() {
		u.LastChangeDate = u.CreationDate
	}

	resources, memberships, roles, attrs, accounts, err := marshalCollections(u)
	if err != nil {
		return nil, err
	}

	_, err = r.db.Exec(ctx, upsertUser,
		id, u.Username, realmOrRoot(u.Realm), nullable(u.Status), u.Suspended, nullable(u.PasswordHash), u.MustChangePassword,
		nullable(u.Token), u.TokenExpireTime, resources, memberships, roles, attrs, accounts,
		u.CreationDate, nullable(u.Creator), nullable(u.CreationContext), u.LastChangeDate, nullable(u.LastModifier), nullable(u.LastChangeContext))
	if err != nil {
		var pgErr *pgconn.PgError
		if stderrors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, errors.AlreadyExists("user", u.Username)
		}
		slog.Error("Failed to save user", "key", u.Key, "error", err)
		return nil, fmt.Errorf("failed to save user: %w", err)
	}
	return u, nil
}

func (r *PostgresUserRepository) Find(ctx context.Context, key string) (*User, error) {
	id, err := uuid.Parse(key)
	if err != nil {
		return nil, errors.NotFound("user", key)
	}
	row := r.db.QueryRow(ctx, `SELECT `+userColumns+` FROM workflow_user WHERE id = $1`, id)
	u, err := scanUser(row)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("user", key)
	}
	return u, err
}

func (r *PostgresUserRepository) FindByUsername(ctx context.Context, username string) (*User, error) {
	row := r.db.QueryRow(ctx, `SELECT `+userColumns+` FROM workflow_user WHERE username = $1`, username)
	u, err := scanUser(row)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFound("user", username)
	}
	return u, err
}

func (r *PostgresUserRepository) FindAll(ctx context.Context) ([]*User, error) {
	rows, err := r.db.Query(ctx, `SELECT `+userColumns+` FROM workflow_user ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (r *PostgresUserRepository) Delete(ctx context.Context, key string) error {
	id, err := uuid.Parse(key)
	if err != nil {
		return errors.NotFound("user", key)
	}
	tag, err := r.db.Exec(ctx, `DELETE FROM workflow_user WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("user", key)
	}
	return nil
}

func (r *PostgresUserRepository) FindAllResourceKeys(ctx context.Context, key string) ([]string, error) {
	u, err := r.Find(ctx, key)
	if err != nil {
		return nil, err
	}
	return resourceKeys(u), nil
}

func scanUser(row pgx.Row) (*User, error) {
	var (
		u                                                         User
		id                                                        uuid.UUID
		status, passwordHash, token                               *string
		creator, creationContext, lastModifier, lastChangeContext *string
		resources, memberships, roles, attrs, accounts            []byte
	)
	err := row.Scan(&id, &u.Username, &u.Realm, &status, &u.Suspended, &passwordHash, &u.MustChangePassword,
		&token, &u.TokenExpireTime, &resources, &memberships, &roles, &attrs, &accounts,
		&u.CreationDate, &creator, &creationContext, &u.LastChangeDate, &lastModifier, &lastChangeContext)
	if err != nil {
		return nil, err
	}
	u.Key = id.String()
	u.Status = deref(status)
	u.PasswordHash = deref(passwordHash)
	u.Token = deref(token)
	u.Creator = deref(creator)
	u.CreationContext = deref(creationContext)
	u.LastModifier = deref(lastModifier)
	u.LastChangeContext = deref(lastChangeContext)

	for _, f := range []struct {
		raw    []byte
		target any
	}{
		{resources, &u.Resources},
		{memberships, &u.Memberships},
		{roles, &u.Roles},
		{attrs, &u.PlainAttrs},
		{accounts, &u.LinkedAccounts},
	} {
		if err := json.Unmarshal(f.raw, f.target); err != nil {
			return nil, fmt.Errorf("failed to decode user %s: %w", u.Key, err)
		}
	}
	return &u, nil
}

func marshalCollections(u *User) (resources, memberships, roles, attrs, accounts []byte, err error) {
	orEmpty := func(v []string) []string {
		if v == nil {
			return []string{}
		}
		return v
	}
	if resources, err = json.Marshal(orEmpty(u.Resources)); err != nil {
		return
	}
	if memberships, err = json.Marshal(orEmpty(u.Memberships)); err != nil {
		return
	}
	if roles, err = json.Marshal(orEmpty(u.Roles)); err != nil {
		return
	}
	plainAttrs := u.PlainAttrs
	if plainAttrs == nil {
		plainAttrs = map[string][]string{}
	}
	if attrs, err = json.Marshal(plainAttrs); err != nil {
		return
	}
	linked := u.LinkedAccounts
	if linked == nil {
		linked = []LinkedAccount{}
	}
	accounts, err = json.Marshal(linked)
	return
}

func realmOrRoot(realm string) string {
	if realm == "" {
		return "/"
	}
	return realm
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
