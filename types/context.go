package types

import "context"

// contextKey is used for storing values in context.Context.
type contextKey string

const (
	keyRequestID      contextKey = "request_id"
	keyOrganizationID contextKey = "organization_id"
	keyProjectID      contextKey = "project_id"
	keyPrincipalID    contextKey = "principal_id"
	keySessionID      contextKey = "session_id"
)

// WithRequestID adds a request ID to context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, keyRequestID, requestID)
}

// RequestID extracts the request ID from context.
func RequestID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyRequestID).(string)
	return v, ok && v != ""
}

// WithOrganizationID adds an organization ID to context.
func WithOrganizationID(ctx context.Context, orgID string) context.Context {
	return context.WithValue(ctx, keyOrganizationID, orgID)
}

// OrganizationID extracts the organization ID from context.
func OrganizationID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyOrganizationID).(string)
	return v, ok && v != ""
}

// WithProjectID adds a project ID to context.
func WithProjectID(ctx context.Context, projectID string) context.Context {
	return context.WithValue(ctx, keyProjectID, projectID)
}

// ProjectID extracts the project ID from context.
func ProjectID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyProjectID).(string)
	return v, ok && v != ""
}

// WithPrincipalID adds an authenticated principal ID to context.
func WithPrincipalID(ctx context.Context, principalID string) context.Context {
	return context.WithValue(ctx, keyPrincipalID, principalID)
}

// PrincipalID extracts the authenticated principal ID from context.
func PrincipalID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyPrincipalID).(string)
	return v, ok && v != ""
}

// WithSessionID adds a session ID to context.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, keySessionID, sessionID)
}

// SessionID extracts the session ID from context.
func SessionID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keySessionID).(string)
	return v, ok && v != ""
}
