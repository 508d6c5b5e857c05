package db

import (
	"database/sql"
	"fmt"
	"log"

	"echofm/config"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
)

var DB *sql.DB

// ConnectDB establishes a connection to the database.
func ConnectDB(cfg *config.Config) error {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true",
		cfg.DBUser, cfg.DBPassword, cfg.DBHost, cfg.DBPort, cfg.DBName)

	var err error
	DB, err = sql.Open("mysql", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database connection: %w", err)
	}

	if err = DB.Ping(); err != nil {
		DB.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	log.Println("Successfully connected to the database.")
	return nil
}

// InitDB initializes the database schema, creating tables if they don't
// exist, and seeds the two storage-status rows.
func InitDB(cfg *config.Config) error {
	if err := createUsersTable(); err != nil {
		return err
	}
	if err := createSongsTable(); err != nil {
		return err
	}
	if err := createUploadSessionsTable(); err != nil {
		return err
	}
	if err := createBackupSyncLogTable(); err != nil {
		return err
	}
	if err := createStorageTables(); err != nil {
		return err
	}
	if err := seedStorageStatus(cfg); err != nil {
		return err
	}

	log.Println("Database initialization completed.")
	return nil
}

func createUsersTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		id INT AUTO_INCREMENT PRIMARY KEY,
		username VARCHAR(100) NOT NULL UNIQUE,
		password_hash VARCHAR(255) NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
	);
	`
	if _, err := DB.Exec(query); err != nil {
		return fmt.Errorf("failed to create users table: %w", err)
	}
	return nil
}

func createSongsTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS songs (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		filename VARCHAR(255) NOT NULL UNIQUE,
		filepath VARCHAR(767) NOT NULL,
		title VARCHAR(255),
		artist VARCHAR(255),
		album VARCHAR(255),
		duration INT DEFAULT 0,
		file_size BIGINT DEFAULT 0,
		format VARCHAR(16),
		bitrate INT DEFAULT 0,
		play_count BIGINT DEFAULT 0,
		last_played TIMESTAMP NULL,
		storage_location VARCHAR(16) NOT NULL DEFAULT 'primary',
		primary_path VARCHAR(767),
		fallback_path VARCHAR(767),
		is_backup_synced BOOLEAN DEFAULT FALSE,
		backup_date TIMESTAMP NULL,
		checksum VARCHAR(32),
		is_available BOOLEAN DEFAULT TRUE,
		version BIGINT NOT NULL DEFAULT 0,
		date_added TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		INDEX idx_songs_sync (storage_location, is_backup_synced, is_available)
	);
	`
	if _, err := DB.Exec(query); err != nil {
		return fmt.Errorf("failed to create songs table: %w", err)
	}
	return nil
}

func createUploadSessionsTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS upload_sessions (
		id VARCHAR(36) PRIMARY KEY,
		original_filename VARCHAR(255) NOT NULL,
		filename VARCHAR(255) NOT NULL,
		file_size BIGINT NOT NULL,
		bytes_uploaded BIGINT DEFAULT 0,
		status VARCHAR(16) NOT NULL DEFAULT 'pending',
		temp_path VARCHAR(767),
		final_path VARCHAR(767),
		checksum VARCHAR(32),
		error_message VARCHAR(512),
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		first_chunk_at TIMESTAMP NULL,
		last_chunk_at TIMESTAMP NULL,
		completed_at TIMESTAMP NULL,
		INDEX idx_sessions_status (status, created_at)
	);
	`
	if _, err := DB.Exec(query); err != nil {
		return fmt.Errorf("failed to create upload_sessions table: %w", err)
	}
	return nil
}

func createBackupSyncLogTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS backup_sync_log (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		song_id BIGINT NOT NULL,
		action VARCHAR(32) NOT NULL,
		source_path VARCHAR(767),
		destination_path VARCHAR(767),
		file_size BIGINT DEFAULT 0,
		checksum VARCHAR(32),
		error_message VARCHAR(512),
		synced_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		INDEX idx_sync_log_song (song_id, synced_at)
	);
	`
	if _, err := DB.Exec(query); err != nil {
		return fmt.Errorf("failed to create backup_sync_log table: %w", err)
	}
	return nil
}

func createStorageTables() error {
	statusQuery := `
	CREATE TABLE IF NOT EXISTS storage_status (
		tier VARCHAR(16) PRIMARY KEY,
		mount_point VARCHAR(767),
		is_available BOOLEAN DEFAULT FALSE,
		capacity_gb DOUBLE DEFAULT 0,
		used_gb DOUBLE DEFAULT 0,
		free_gb DOUBLE DEFAULT 0,
		health_status VARCHAR(16) NOT NULL DEFAULT 'error',
		last_checked TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	`
	if _, err := DB.Exec(statusQuery); err != nil {
		return fmt.Errorf("failed to create storage_status table: %w", err)
	}

	eventsQuery := `
	CREATE TABLE IF NOT EXISTS storage_events (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		event_type VARCHAR(32) NOT NULL,
		tier VARCHAR(16) NOT NULL,
		message VARCHAR(512),
		occurred_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		INDEX idx_storage_events_time (occurred_at)
	);
	`
	if _, err := DB.Exec(eventsQuery); err != nil {
		return fmt.Errorf("failed to create storage_events table: %w", err)
	}
	return nil
}

func seedStorageStatus(cfg *config.Config) error {
	query := `INSERT IGNORE INTO storage_status (tier, mount_point) VALUES (?, ?)`
	if _, err := DB.Exec(query, "primary", cfg.PrimaryDir); err != nil {
		return fmt.Errorf("failed to seed primary storage status: %w", err)
	}
	if _, err := DB.Exec(query, "fallback", cfg.FallbackDir); err != nil {
		return fmt.Errorf("failed to seed fallback storage status: %w", err)
	}
	return nil
}
