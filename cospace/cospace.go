// Package cospace keeps track of co-spaces and who belongs to them.
package cospace

import (
	"fmt"
	"strings"
	"time"

	"github.com/billbatista/acasinha-funds/ledger"
	"github.com/google/uuid"
)

var (
	ErrCoSpaceNotFound    = fmt.Errorf("co-space not found: %w", ledger.ErrNotFound)
	ErrInvitationNotFound = fmt.Errorf("invitation not found: %w", ledger.ErrNotFound)
	ErrAlreadyMember      = fmt.Errorf("user already belongs to this co-space: %w", ledger.ErrInvalidState)
	ErrBlankName          = fmt.Errorf("co-space name can't be blank: %w", ledger.ErrInvalidInput)
)

type CoSpace struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	CreatedBy uuid.UUID `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

type Member struct {
	CoSpaceID uuid.UUID               `json:"co_space_id"`
	UserID    uuid.UUID               `json:"user_id"`
	Status    ledger.MembershipStatus `json:"status"`
	JoinedAt  time.Time               `json:"joined_at"`
	UpdatedAt time.Time               `json:"updated_at"`
}

func validateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrBlankName
	}
	return name, nil
}
