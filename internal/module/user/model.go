package user

import (
	"time"

	"github.com/google/uuid"
)

// Role represents the access role of a user.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleFree     Role = "free"
	RoleStandard Role = "standard"
)

// IsValid checks if the role is a valid user role.
func (r Role) IsValid() bool {
	switch r {
	case RoleAdmin, RoleFree, RoleStandard:
		return true
	default:
		return false
	}
}

// BypassesBilling returns true if the role generates without token charges.
func (r Role) BypassesBilling() bool {
	return r == RoleAdmin || r == RoleFree
}

// Profile represents a user profile. Identity is owned by the auth
// collaborator; the billing core only reads the role.
type Profile struct {
	ID        uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	Email     string    `json:"email" gorm:"uniqueIndex;not null"`
	Role      Role      `json:"role" gorm:"not null;default:standard"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name.
func (Profile) TableName() string {
	return "profiles"
}
