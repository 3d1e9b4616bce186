package auth

import (
	"fmt"
	"strings"
)

// Role partitions the API surface: mentors drive their own sessions, admins
// run the pool console, students only discover and join.
type Role string

const (
	RoleMentor  Role = "mentor"
	RoleAdmin   Role = "admin"
	RoleStudent Role = "student"
)

// Valid reports whether the role is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleMentor, RoleAdmin, RoleStudent:
		return true
	default:
		return false
	}
}

// Identity is the authenticated caller attached to a request. MentorID is the
// caller's mentor profile; it is empty for accounts without one, including
// admins acting outside the mentor domain.
type Identity struct {
	UserID   string `json:"userId"`
	Role     Role   `json:"role"`
	MentorID string `json:"mentorId,omitempty"`
}

// Validate checks the identity is complete enough to attach to a request.
func (i Identity) Validate() error {
	if strings.TrimSpace(i.UserID) == "" {
		return fmt.Errorf("userID is required")
	}
	if !i.Role.Valid() {
		return fmt.Errorf("unknown role %q", i.Role)
	}
	return nil
}
