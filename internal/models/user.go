// internal/models/user.go
package models

import (
	"github.com/google/uuid"
	"github.com/lib/pq"
)

type User struct {
	BaseModel
	Username string     `json:"username" gorm:"uniqueIndex;size:50;not null"`
	Rank     Rank       `json:"rank" gorm:"type:varchar(20);not null;default:'NORMAL'"`
	ParentID *uuid.UUID `json:"parent_id" gorm:"type:uuid;index"`
	// AncestorPath holds ancestor ids root first; the last element is ParentID.
	AncestorPath pq.StringArray `json:"ancestor_path" gorm:"type:text[]"`
}

// Depth is the number of ancestors recorded in the materialized path.
func (u *User) Depth() int {
	return len(u.AncestorPath)
}

// PathConsistent checks the materialized path against the parent reference.
func (u *User) PathConsistent() bool {
	if len(u.AncestorPath) == 0 {
		return true
	}
	if u.ParentID == nil {
		return false
	}
	return u.AncestorPath[len(u.AncestorPath)-1] == u.ParentID.String()
}
