package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/ticket-engine/internal/domain"
)

// AcceptCommand is one accept decision. Ticket holds the already
// transitioned ticket (InProgress, assignee set) and ExpectedStatus the
// status it was transitioned from.
type AcceptCommand struct {
	RequestID      string
	Token          string
	Ticket         domain.Ticket
	ExpectedStatus domain.TicketStatus
	DecidedAt      time.Time
}

// AcceptOutcome reports what an accept committed.
type AcceptOutcome struct {
	Request   domain.AssignmentRequest
	Cancelled []domain.AssignmentRequest
	// Replayed is set when the request was already accepted by the same
	// token, i.e. the call is a retry of a committed decision.
	Replayed bool
}

// RejectCommand is one reject decision.
type RejectCommand struct {
	RequestID string
	Token     string
	DecidedAt time.Time
}

// RejectOutcome reports the remaining pending requests of the ticket.
type RejectOutcome struct {
	Request          domain.AssignmentRequest
	RemainingPending int
	Replayed         bool
}

// AssignmentRepository persists assignment requests.
type AssignmentRepository interface {
	// CreateBatch inserts all requests atomically. It fails with
	// ErrConflict when the ticket is assigned, terminal or already has
	// pending requests.
	CreateBatch(ctx context.Context, ticketID int64, requests []domain.AssignmentRequest) error
	GetByID(ctx context.Context, id string) (*domain.AssignmentRequest, error)
	ListPendingByAgent(ctx context.Context, agentID string) ([]domain.AssignmentRequest, error)
	ListByTicket(ctx context.Context, ticketID int64) ([]domain.AssignmentRequest, error)
	// Accept marks the request accepted, cancels pending siblings and
	// moves the ticket, all or nothing.
	Accept(ctx context.Context, cmd AcceptCommand) (*AcceptOutcome, error)
	Reject(ctx context.Context, cmd RejectCommand) (*RejectOutcome, error)
	CancelPendingForTicket(ctx context.Context, ticketID int64, decidedAt time.Time) ([]domain.AssignmentRequest, error)
}

type assignmentRepository struct {
	pool *pgxpool.Pool
}

// NewAssignmentRepository builds repository.
func NewAssignmentRepository(pool *pgxpool.Pool) AssignmentRepository {
	return &assignmentRepository{pool: pool}
}

const requestColumns = `id, ticket_id, agent_id, state, created_at, decided_at, decision_token`

func (r *assignmentRepository) CreateBatch(ctx context.Context, ticketID int64, requests []domain.AssignmentRequest) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var (
			status     domain.TicketStatus
			assignedTo *string
		)
		err := tx.QueryRow(ctx, `SELECT status, assigned_to FROM tickets WHERE id=$1 FOR UPDATE`, ticketID).Scan(&status, &assignedTo)
		if err != nil {
			return notFound(err)
		}
		if status.Terminal() || assignedTo != nil {
			return ErrConflict
		}
		var pending int
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM assignment_requests WHERE ticket_id=$1 AND state='PENDING'`, ticketID).Scan(&pending); err != nil {
			return err
		}
		if pending > 0 {
			return ErrConflict
		}

		batch := &pgx.Batch{}
		for _, req := range requests {
			batch.Queue(`INSERT INTO assignment_requests (id, ticket_id, agent_id, state, created_at) VALUES ($1,$2,$3,$4,$5)`,
				req.ID, ticketID, req.AgentID, req.State, req.CreatedAt)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}

func (r *assignmentRepository) GetByID(ctx context.Context, id string) (*domain.AssignmentRequest, error) {
	req, err := scanRequest(r.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM assignment_requests WHERE id=$1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return req, nil
}

func (r *assignmentRepository) ListPendingByAgent(ctx context.Context, agentID string) ([]domain.AssignmentRequest, error) {
	return r.list(ctx, `SELECT `+requestColumns+` FROM assignment_requests
        WHERE agent_id=$1 AND state='PENDING' ORDER BY created_at, id`, agentID)
}

func (r *assignmentRepository) ListByTicket(ctx context.Context, ticketID int64) ([]domain.AssignmentRequest, error) {
	return r.list(ctx, `SELECT `+requestColumns+` FROM assignment_requests
        WHERE ticket_id=$1 ORDER BY created_at, id`, ticketID)
}

func (r *assignmentRepository) Accept(ctx context.Context, cmd AcceptCommand) (*AcceptOutcome, error) {
	var outcome *AcceptOutcome
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		outcome = nil
		if err := lockTicketOf(ctx, tx, cmd.RequestID); err != nil {
			return err
		}
		req, err := scanRequest(tx.QueryRow(ctx, `
            UPDATE assignment_requests SET state='ACCEPTED', decided_at=$1, decision_token=$2
            WHERE id=$3 AND state='PENDING'
            RETURNING `+requestColumns, cmd.DecidedAt, cmd.Token, cmd.RequestID))
		if errors.Is(err, pgx.ErrNoRows) {
			current, err := r.decided(ctx, tx, cmd.RequestID)
			if err != nil {
				return err
			}
			if current.State == domain.AssignmentAccepted && sameToken(current.DecisionToken, cmd.Token) {
				outcome = &AcceptOutcome{Request: *current, Replayed: true}
				return nil
			}
			return &NotPendingError{RequestID: cmd.RequestID, State: current.State}
		}
		if err != nil {
			return err
		}

		rows, err := tx.Query(ctx, `
            UPDATE assignment_requests SET state='CANCELLED', decided_at=$1
            WHERE ticket_id=$2 AND state='PENDING' AND id<>$3
            RETURNING `+requestColumns, cmd.DecidedAt, req.TicketID, req.ID)
		if err != nil {
			return err
		}
		cancelled, err := collectRequests(rows)
		if err != nil {
			return err
		}

		cmdTag, err := tx.Exec(ctx, `
            UPDATE tickets SET status=$1, assigned_to=$2, resolution_minutes=$3, modified_at=$4
            WHERE id=$5 AND status=$6 AND assigned_to IS NULL`,
			cmd.Ticket.Status, cmd.Ticket.AssignedTo, cmd.Ticket.ResolutionMinutes, cmd.Ticket.ModifiedAt,
			req.TicketID, cmd.ExpectedStatus)
		if err != nil {
			return err
		}
		if cmdTag.RowsAffected() == 0 {
			return ErrConflict
		}
		outcome = &AcceptOutcome{Request: *req, Cancelled: cancelled}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

func (r *assignmentRepository) Reject(ctx context.Context, cmd RejectCommand) (*RejectOutcome, error) {
	var outcome *RejectOutcome
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		outcome = nil
		if err := lockTicketOf(ctx, tx, cmd.RequestID); err != nil {
			return err
		}

		replayed := false
		req, err := scanRequest(tx.QueryRow(ctx, `
            UPDATE assignment_requests SET state='REJECTED', decided_at=$1, decision_token=$2
            WHERE id=$3 AND state='PENDING'
            RETURNING `+requestColumns, cmd.DecidedAt, cmd.Token, cmd.RequestID))
		if errors.Is(err, pgx.ErrNoRows) {
			current, err := r.decided(ctx, tx, cmd.RequestID)
			if err != nil {
				return err
			}
			if current.State != domain.AssignmentRejected || !sameToken(current.DecisionToken, cmd.Token) {
				return &NotPendingError{RequestID: cmd.RequestID, State: current.State}
			}
			req, replayed = current, true
		} else if err != nil {
			return err
		}

		var remaining int
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM assignment_requests WHERE ticket_id=$1 AND state='PENDING'`, req.TicketID).Scan(&remaining); err != nil {
			return err
		}
		outcome = &RejectOutcome{Request: *req, RemainingPending: remaining, Replayed: replayed}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

func (r *assignmentRepository) CancelPendingForTicket(ctx context.Context, ticketID int64, decidedAt time.Time) ([]domain.AssignmentRequest, error) {
	return r.list(ctx, `
        UPDATE assignment_requests SET state='CANCELLED', decided_at=$2
        WHERE ticket_id=$1 AND state='PENDING'
        RETURNING `+requestColumns, ticketID, decidedAt)
}

// lockTicketOf takes the row lock of the request's ticket. Every decision
// on a ticket's requests holds it, so decisions on siblings serialize and
// the loser re-reads a committed state.
func lockTicketOf(ctx context.Context, tx pgx.Tx, requestID string) error {
	var ticketID int64
	err := tx.QueryRow(ctx, `
        SELECT t.id FROM tickets t
        JOIN assignment_requests ar ON ar.ticket_id = t.id
        WHERE ar.id=$1
        FOR UPDATE OF t`, requestID).Scan(&ticketID)
	return notFound(err)
}

func (r *assignmentRepository) decided(ctx context.Context, tx pgx.Tx, id string) (*domain.AssignmentRequest, error) {
	req, err := scanRequest(tx.QueryRow(ctx, `SELECT `+requestColumns+` FROM assignment_requests WHERE id=$1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return req, nil
}

func (r *assignmentRepository) list(ctx context.Context, query string, args ...any) ([]domain.AssignmentRequest, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectRequests(rows)
}

func collectRequests(rows pgx.Rows) ([]domain.AssignmentRequest, error) {
	defer rows.Close()
	result := []domain.AssignmentRequest{}
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *req)
	}
	return result, rows.Err()
}

func scanRequest(row pgx.Row) (*domain.AssignmentRequest, error) {
	var req domain.AssignmentRequest
	if err := row.Scan(
		&req.ID,
		&req.TicketID,
		&req.AgentID,
		&req.State,
		&req.CreatedAt,
		&req.DecidedAt,
		&req.DecisionToken,
	); err != nil {
		return nil, err
	}
	return &req, nil
}

func sameToken(stored *string, token string) bool {
	return stored != nil && token != "" && *stored == token
}
