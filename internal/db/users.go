package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"accounts/internal/models"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrDuplicate   = errors.New("duplicate entry")
	ErrEmptyFilter = errors.New("empty user filter")
)

const userColumns = `id, username, email, full_name, password_hash, avatar_url, cover_url, refresh_token, created_at, updated_at`

type UserRepository struct {
	db *DB
}

func NewUserRepository(db *DB) *UserRepository {
	return &UserRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *UserRepository) Create(ctx context.Context, user *models.User) (*models.User, error) {
	u := *user
	if u.ID == "" {
		id, err := GenerateID("usr")
		if err != nil {
			return nil, fmt.Errorf("generating user ID: %w", err)
		}
		u.ID = id
	}
	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, r.db.rebind(
		`INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		u.ID, u.Username, u.Email, u.FullName, u.PasswordHash,
		u.AvatarURL, u.CoverURL, nullString(u.RefreshToken), u.CreatedAt, u.UpdatedAt,
	)
	if err != nil {
		if IsUniqueConstraintError(err) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("creating user: %w", err)
	}

	return &u, nil
}

func (r *UserRepository) FindByID(ctx context.Context, id string) (*models.User, error) {
	return r.findOne(ctx, r.db.DB, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
}

// FindOne returns the first user whose username or email matches the filter.
func (r *UserRepository) FindOne(ctx context.Context, filter models.UserFilter) (*models.User, error) {
	if filter.IsEmpty() {
		return nil, ErrEmptyFilter
	}

	var (
		conds []string
		args  []any
	)
	if filter.Username != "" {
		conds = append(conds, "username = ?")
		args = append(args, filter.Username)
	}
	if filter.Email != "" {
		conds = append(conds, "email = ?")
		args = append(args, filter.Email)
	}

	query := `SELECT ` + userColumns + ` FROM users WHERE ` + strings.Join(conds, " OR ") + ` ORDER BY created_at LIMIT 1`
	return r.findOne(ctx, r.db.DB, query, args...)
}

// FindByIDAndUpdate applies the patch and returns the updated record.
func (r *UserRepository) FindByIDAndUpdate(ctx context.Context, id string, patch models.UserPatch) (*models.User, error) {
	var (
		sets []string
		args []any
	)
	if patch.FullName != nil {
		sets = append(sets, "full_name = ?")
		args = append(args, *patch.FullName)
	}
	if patch.Email != nil {
		sets = append(sets, "email = ?")
		args = append(args, *patch.Email)
	}
	if patch.PasswordHash != nil {
		sets = append(sets, "password_hash = ?")
		args = append(args, *patch.PasswordHash)
	}
	if patch.AvatarURL != nil {
		sets = append(sets, "avatar_url = ?")
		args = append(args, *patch.AvatarURL)
	}
	if patch.CoverURL != nil {
		sets = append(sets, "cover_url = ?")
		args = append(args, *patch.CoverURL)
	}
	if patch.RefreshToken != nil {
		if *patch.RefreshToken == "" {
			sets = append(sets, "refresh_token = NULL")
		} else {
			sets = append(sets, "refresh_token = ?")
			args = append(args, *patch.RefreshToken)
		}
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting user update transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, r.db.rebind(`UPDATE users SET `+strings.Join(sets, ", ")+` WHERE id = ?`), args...)
	if err != nil {
		if IsUniqueConstraintError(err) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("updating user: %w", err)
	}
	if err := checkRowsAffected(result); err != nil {
		return nil, err
	}

	user, err := r.findOne(ctx, tx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing user update: %w", err)
	}

	return user, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *UserRepository) findOne(ctx context.Context, q queryRower, query string, args ...any) (*models.User, error) {
	u, err := scanUser(q.QueryRowContext(ctx, r.db.rebind(query), args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	return u, nil
}

func scanUser(row rowScanner) (*models.User, error) {
	var u models.User
	var refreshToken sql.NullString

	err := row.Scan(
		&u.ID,
		&u.Username,
		&u.Email,
		&u.FullName,
		&u.PasswordHash,
		&u.AvatarURL,
		&u.CoverURL,
		&refreshToken,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	u.RefreshToken = nullStringToValue(refreshToken)
	u.CreatedAt = u.CreatedAt.UTC()
	u.UpdatedAt = u.UpdatedAt.UTC()
	return &u, nil
}
