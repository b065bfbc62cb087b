package cospace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/billbatista/acasinha-funds/ledger"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

const foreignKeyViolation = "23503"

type repository struct {
	db  *sql.DB
	now func() time.Time
}

func NewRepository(db *sql.DB) *repository {
	return &repository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Create stores a new co-space with its creator as the first accepted member.
func (r *repository) Create(ctx context.Context, creatorID uuid.UUID, name string) (*CoSpace, error) {
	name, err := validateName(name)
	if err != nil {
		return nil, err
	}

	space := &CoSpace{
		ID:        uuid.New(),
		Name:      name,
		CreatedBy: creatorID,
		CreatedAt: r.now(),
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO co_spaces (id, name, created_by, created_at) VALUES ($1, $2, $3, $4)`,
		space.ID, space.Name, space.CreatedBy, space.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting co-space: %w", translate(err))
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO co_space_members (co_space_id, user_id, status, joined_at, updated_at) VALUES ($1, $2, $3, $4, $4)`,
		space.ID, creatorID, ledger.MembershipAccepted, space.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting creator membership: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return space, nil
}

// Invite adds inviteeID as a pending member. Only accepted members may invite.
func (r *repository) Invite(ctx context.Context, coSpaceID, inviterID, inviteeID uuid.UUID) (*Member, error) {
	status, err := r.MembershipStatus(ctx, coSpaceID, inviterID)
	if err != nil {
		return nil, err
	}
	if status != ledger.MembershipAccepted {
		if ok, err := r.exists(ctx, coSpaceID); err != nil {
			return nil, err
		} else if !ok {
			return nil, ErrCoSpaceNotFound
		}
		return nil, ledger.ErrNotCoSpaceMember
	}

	now := r.now()
	member := &Member{
		CoSpaceID: coSpaceID,
		UserID:    inviteeID,
		Status:    ledger.MembershipPending,
		JoinedAt:  now,
		UpdatedAt: now,
	}
	res, err := r.db.ExecContext(ctx, `
        INSERT INTO co_space_members (co_space_id, user_id, status, joined_at, updated_at)
        VALUES ($1, $2, $3, $4, $4)
        ON CONFLICT (co_space_id, user_id) DO NOTHING
    `, coSpaceID, inviteeID, member.Status, now)
	if err != nil {
		return nil, translate(err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if n == 0 {
		return nil, ErrAlreadyMember
	}
	return member, nil
}

// Accept turns userID's pending invitation into an accepted membership.
func (r *repository) Accept(ctx context.Context, coSpaceID, userID uuid.UUID) (*Member, error) {
	var m Member
	err := r.db.QueryRowContext(ctx, `
        UPDATE co_space_members SET status = $1, updated_at = $2
        WHERE co_space_id = $3 AND user_id = $4 AND status = $5
        RETURNING co_space_id, user_id, status, joined_at, updated_at
    `, ledger.MembershipAccepted, r.now(), coSpaceID, userID, ledger.MembershipPending).Scan(
		&m.CoSpaceID,
		&m.UserID,
		&m.Status,
		&m.JoinedAt,
		&m.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvitationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListForUser returns the co-spaces userID has accepted, oldest first.
func (r *repository) ListForUser(ctx context.Context, userID uuid.UUID) ([]CoSpace, error) {
	rows, err := r.db.QueryContext(ctx, `
        SELECT s.id, s.name, s.created_by, s.created_at
        FROM co_spaces s
        JOIN co_space_members m ON m.co_space_id = s.id
        WHERE m.user_id = $1 AND m.status = $2
        ORDER BY s.created_at
    `, userID, ledger.MembershipAccepted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	spaces := []CoSpace{}
	for rows.Next() {
		var s CoSpace
		if err := rows.Scan(&s.ID, &s.Name, &s.CreatedBy, &s.CreatedAt); err != nil {
			return nil, err
		}
		spaces = append(spaces, s)
	}
	return spaces, rows.Err()
}

// MembershipStatus implements ledger.MembershipProvider.
func (r *repository) MembershipStatus(ctx context.Context, coSpaceID, userID uuid.UUID) (ledger.MembershipStatus, error) {
	var status ledger.MembershipStatus
	err := r.db.QueryRowContext(ctx,
		`SELECT status FROM co_space_members WHERE co_space_id = $1 AND user_id = $2`,
		coSpaceID, userID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.MembershipNone, nil
	}
	if err != nil {
		return "", err
	}
	return status, nil
}

// AcceptedMembers implements ledger.MembershipProvider.
func (r *repository) AcceptedMembers(ctx context.Context, coSpaceID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT user_id FROM co_space_members WHERE co_space_id = $1 AND status = $2 ORDER BY user_id`,
		coSpaceID, ledger.MembershipAccepted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *repository) exists(ctx context.Context, coSpaceID uuid.UUID) (bool, error) {
	var ok bool
	err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM co_spaces WHERE id = $1)`, coSpaceID).Scan(&ok)
	return ok, err
}

// translate maps a missing referenced user onto the ledger's not-found error.
func translate(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == foreignKeyViolation {
		return ledger.ErrIdentityNotFound
	}
	return err
}
