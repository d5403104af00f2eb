package auth

import (
	"context"
	"strings"
)

// Caller is the authenticated principal of a request. It is implemented only by
// ClinicianCaller and PatientCaller.
type Caller interface {
	Subject() string
	sealed()
}

// ClinicianCaller may read every patient's analyses and manage the model.
type ClinicianCaller struct {
	ID string
}

// Subject returns the token subject.
func (c ClinicianCaller) Subject() string { return c.ID }
func (ClinicianCaller) sealed()           {}

// PatientCaller may read only analyses it submitted.
type PatientCaller struct {
	ID string
}

// Subject returns the token subject.
func (p PatientCaller) Subject() string { return p.ID }
func (PatientCaller) sealed()           {}

// CallerForRole maps a token role claim to a Caller. Unknown roles are patients.
func CallerForRole(subject, role string) Caller {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "clinician", "doctor":
		return ClinicianCaller{ID: subject}
	default:
		return PatientCaller{ID: subject}
	}
}

// IsClinician reports whether c has clinician privileges.
func IsClinician(c Caller) bool {
	_, ok := c.(ClinicianCaller)
	return ok
}

// WithCaller stores c in ctx.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey, c)
}

// GetCaller retrieves the authenticated caller from context.
func GetCaller(ctx context.Context) (Caller, bool) {
	if ctx == nil {
		return nil, false
	}
	c, ok := ctx.Value(callerKey).(Caller)
	if !ok || c.Subject() == "" {
		return nil, false
	}
	return c, true
}

// GetUserID retrieves the authenticated subject from context.
func GetUserID(ctx context.Context) (string, bool) {
	c, ok := GetCaller(ctx)
	if !ok {
		return "", false
	}
	return c.Subject(), true
}
