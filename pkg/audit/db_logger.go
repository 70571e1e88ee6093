package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// DBLogger writes audit events to the audit_logs table
type DBLogger struct {
	db *sql.DB
}

// NewDBLogger creates a database-backed audit logger and ensures the
// audit_logs table exists
func NewDBLogger(ctx context.Context, db *sql.DB) (*DBLogger, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	logger := &DBLogger{db: db}
	if err := logger.ensureTable(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure audit_logs table: %w", err)
	}
	return logger, nil
}

func (l *DBLogger) ensureTable(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_logs (
		id BIGSERIAL PRIMARY KEY,
		timestamp TIMESTAMP WITH TIME ZONE NOT NULL,
		event_type VARCHAR(100) NOT NULL,
		status VARCHAR(20) NOT NULL,
		actor_id BIGINT,
		target_user_id BIGINT,
		resource VARCHAR(50),
		action VARCHAR(50),
		hospital_id VARCHAR(64),
		request_id VARCHAR(100),
		message TEXT,
		metadata JSONB,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_audit_logs_timestamp ON audit_logs(timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_audit_logs_event_type ON audit_logs(event_type);
	CREATE INDEX IF NOT EXISTS idx_audit_logs_target_user_id ON audit_logs(target_user_id);
	CREATE INDEX IF NOT EXISTS idx_audit_logs_hospital_id ON audit_logs(hospital_id);
	`

	_, err := l.db.ExecContext(ctx, query)
	return err
}

// Log records an audit event to the database
func (l *DBLogger) Log(ctx context.Context, event *Event) error {
	var metadataJSON []byte
	var err error

	if event.Metadata != nil {
		metadataJSON, err = json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	query := `
		INSERT INTO audit_logs (
			timestamp, event_type, status,
			actor_id, target_user_id,
			resource, action, hospital_id,
			request_id, message, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`

	err = l.db.QueryRowContext(ctx, query,
		event.Timestamp, event.EventType, event.Status,
		event.ActorID, event.TargetUserID,
		event.Resource, event.Action, event.HospitalID,
		event.RequestID, event.Message, metadataJSON,
	).Scan(&event.ID)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}

	return nil
}

// LogPermissionChange records a grant or revoke against a user
func (l *DBLogger) LogPermissionChange(ctx context.Context, eventType EventType, actorID, targetUserID int64, resource, action string, hospitalID *string, message string) error {
	event := newEvent(ctx, eventType, StatusSuccess)
	event.ActorID = &actorID
	event.TargetUserID = &targetUserID
	event.Resource = resource
	event.Action = action
	event.HospitalID = hospitalID
	event.Message = message
	return l.Log(ctx, event)
}

// LogRoleChange records a role create/update/assignment
func (l *DBLogger) LogRoleChange(ctx context.Context, eventType EventType, actorID int64, targetUserID *int64, message string) error {
	event := newEvent(ctx, eventType, StatusSuccess)
	event.ActorID = &actorID
	event.TargetUserID = targetUserID
	event.Message = message
	return l.Log(ctx, event)
}

// LogAccessDenied records a gate denial
func (l *DBLogger) LogAccessDenied(ctx context.Context, userID int64, resource, action string, hospitalID *string) error {
	event := newEvent(ctx, EventAccessDenied, StatusDenied)
	event.TargetUserID = &userID
	event.Resource = resource
	event.Action = action
	event.HospitalID = hospitalID
	return l.Log(ctx, event)
}

// Close is a no-op; the pool is owned by the caller
func (l *DBLogger) Close() error {
	return nil
}
