// Package audit records permission-relevant events (grants, revokes,
// role changes, denied access) to a durable trail.
package audit

import (
	"context"
	"time"

	"github.com/caregrid/caregrid/pkg/contextkeys"
)

// Logger is the interface for audit logging
type Logger interface {
	// Log records an audit event
	Log(ctx context.Context, event *Event) error

	// LogPermissionChange records a grant or revoke against a user
	LogPermissionChange(ctx context.Context, eventType EventType, actorID, targetUserID int64, resource, action string, hospitalID *string, message string) error

	// LogRoleChange records a role create/update/assignment
	LogRoleChange(ctx context.Context, eventType EventType, actorID int64, targetUserID *int64, message string) error

	// LogAccessDenied records a gate denial
	LogAccessDenied(ctx context.Context, userID int64, resource, action string, hospitalID *string) error

	// Close flushes and releases the logger
	Close() error
}

// NopLogger discards all events. Used when auditing is disabled.
type NopLogger struct{}

func (NopLogger) Log(ctx context.Context, event *Event) error { return nil }

func (NopLogger) LogPermissionChange(ctx context.Context, eventType EventType, actorID, targetUserID int64, resource, action string, hospitalID *string, message string) error {
	return nil
}

func (NopLogger) LogRoleChange(ctx context.Context, eventType EventType, actorID int64, targetUserID *int64, message string) error {
	return nil
}

func (NopLogger) LogAccessDenied(ctx context.Context, userID int64, resource, action string, hospitalID *string) error {
	return nil
}

func (NopLogger) Close() error { return nil }

// newEvent builds the common event fields, pulling the request ID from
// context when present
func newEvent(ctx context.Context, eventType EventType, status EventStatus) *Event {
	return &Event{
		Timestamp: time.Now(),
		EventType: eventType,
		Status:    status,
		RequestID: contextkeys.GetRequestID(ctx),
	}
}
