package repository

import (
	"database/sql"
	"fmt"
	"time"

	"echofm/model"
)

// UserRepository defines the interface for user account operations.
type UserRepository interface {
	CreateUser(user *model.User) (int64, error)
	GetUserByUsername(username string) (*model.User, error)
}

// mysqlUserRepository implements UserRepository for MySQL.
type mysqlUserRepository struct {
	DB *sql.DB
}

// NewMySQLUserRepository creates a new instance of mysqlUserRepository.
func NewMySQLUserRepository(db *sql.DB) UserRepository {
	return &mysqlUserRepository{DB: db}
}

// CreateUser adds a new user account.
func (r *mysqlUserRepository) CreateUser(user *model.User) (int64, error) {
	query := `INSERT INTO users (username, password_hash, created_at, updated_at) VALUES (?, ?, ?, ?)`
	now := time.Now()
	res, err := r.DB.Exec(query, user.Username, user.PasswordHash, now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to execute CreateUser: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for CreateUser: %w", err)
	}
	return id, nil
}

// GetUserByUsername retrieves a user by username. Returns (nil, nil) when absent.
func (r *mysqlUserRepository) GetUserByUsername(username string) (*model.User, error) {
	query := `SELECT id, username, password_hash, created_at, updated_at FROM users WHERE username = ?`
	user := &model.User{}
	err := r.DB.QueryRow(query, username).Scan(&user.ID, &user.Username, &user.PasswordHash,
		&user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan user %s: %w", username, err)
	}
	return user, nil
}
