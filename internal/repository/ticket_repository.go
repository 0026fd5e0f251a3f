package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/ticket-engine/internal/domain"
)

// TicketRepository encapsulates ticket persistence. Every mutation is
// conditional on the state the caller last observed.
type TicketRepository interface {
	Create(ctx context.Context, ticket *domain.Ticket) error
	GetByID(ctx context.Context, id int64) (*domain.Ticket, error)
	ListByStatuses(ctx context.Context, statuses []domain.TicketStatus) ([]domain.Ticket, error)
	// UpdateStatus persists status, modified_at and resolution_minutes
	// only while the stored status equals expected. ErrConflict otherwise.
	UpdateStatus(ctx context.Context, ticket *domain.Ticket, expected domain.TicketStatus) error
	// UpdateSLA stores the evaluated window only while the stored breach
	// state equals expected and the ticket is still open. An existing due
	// date is never replaced. Returns false when the condition failed.
	UpdateSLA(ctx context.Context, window domain.SLAWindow, expected domain.BreachState) (bool, error)
	// Reschedule sets priority and due date and resets the breach state.
	// The stored due date only moves forward.
	Reschedule(ctx context.Context, id int64, priority domain.TicketPriority, due, now time.Time) (*domain.Ticket, error)
	CountByBreachState(ctx context.Context, statuses []domain.TicketStatus) (domain.SLAStats, error)
}

type ticketRepository struct {
	pool *pgxpool.Pool
}

// NewTicketRepository instantiates repository.
func NewTicketRepository(pool *pgxpool.Pool) TicketRepository {
	return &ticketRepository{pool: pool}
}

const ticketColumns = `id, number, title, description, priority, status, category_id, subcategory_id,
               client_id, assigned_to, due_date, resolution_minutes, location, sla_state, sla_priority,
               sla_checked_at, created_at, modified_at`

func (r *ticketRepository) Create(ctx context.Context, ticket *domain.Ticket) error {
	const query = `
        INSERT INTO tickets (number, title, description, priority, status, category_id, subcategory_id,
            client_id, due_date, location, sla_state, sla_priority, created_at, modified_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$13)
        RETURNING id`
	return r.pool.QueryRow(ctx, query,
		ticket.Number,
		ticket.Title,
		ticket.Description,
		ticket.Priority,
		ticket.Status,
		ticket.CategoryID,
		ticket.SubcategoryID,
		ticket.ClientID,
		ticket.DueDate,
		ticket.Location,
		ticket.Window().State,
		ticket.SLAPriority,
		ticket.CreatedAt,
	).Scan(&ticket.ID)
}

func (r *ticketRepository) GetByID(ctx context.Context, id int64) (*domain.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE id=$1`
	ticket, err := scanTicket(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, notFound(err)
	}
	return ticket, nil
}

func (r *ticketRepository) ListByStatuses(ctx context.Context, statuses []domain.TicketStatus) ([]domain.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE status = ANY($1) ORDER BY id`
	rows, err := r.pool.Query(ctx, query, statusStrings(statuses))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []domain.Ticket{}
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *ticket)
	}
	return result, rows.Err()
}

func (r *ticketRepository) UpdateStatus(ctx context.Context, ticket *domain.Ticket, expected domain.TicketStatus) error {
	const query = `
        UPDATE tickets SET status=$1, resolution_minutes=$2, modified_at=$3
        WHERE id=$4 AND status=$5`
	cmd, err := r.pool.Exec(ctx, query,
		ticket.Status,
		ticket.ResolutionMinutes,
		ticket.ModifiedAt,
		ticket.ID,
		expected,
	)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return r.missingOrConflict(ctx, ticket.ID)
	}
	return nil
}

func (r *ticketRepository) UpdateSLA(ctx context.Context, window domain.SLAWindow, expected domain.BreachState) (bool, error) {
	const query = `
        UPDATE tickets SET due_date=COALESCE(due_date, $1), sla_priority=COALESCE(sla_priority, $2),
            sla_state=$3, sla_checked_at=$4
        WHERE id=$5 AND sla_state=$6 AND status NOT IN ('CLOSED', 'CANCELLED')`
	cmd, err := r.pool.Exec(ctx, query,
		window.DueDate,
		window.Priority,
		window.State,
		window.LastCheckedAt,
		window.TicketID,
		expected,
	)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

func (r *ticketRepository) Reschedule(ctx context.Context, id int64, priority domain.TicketPriority, due, now time.Time) (*domain.Ticket, error) {
	query := `
        UPDATE tickets SET priority=$1, sla_priority=$1, due_date=GREATEST(COALESCE(due_date, $2), $2),
            sla_state='ON_TRACK', sla_checked_at=$3, modified_at=$3
        WHERE id=$4
        RETURNING ` + ticketColumns
	ticket, err := scanTicket(r.pool.QueryRow(ctx, query, priority, due, now, id))
	if err != nil {
		return nil, notFound(err)
	}
	return ticket, nil
}

func (r *ticketRepository) CountByBreachState(ctx context.Context, statuses []domain.TicketStatus) (domain.SLAStats, error) {
	const query = `
        SELECT
            COUNT(*) FILTER (WHERE sla_state='ON_TRACK'),
            COUNT(*) FILTER (WHERE sla_state='AT_RISK'),
            COUNT(*) FILTER (WHERE sla_state='BREACHED')
        FROM tickets WHERE status = ANY($1)`
	var stats domain.SLAStats
	err := r.pool.QueryRow(ctx, query, statusStrings(statuses)).Scan(&stats.OnTrack, &stats.AtRisk, &stats.Breached)
	return stats, err
}

func (r *ticketRepository) missingOrConflict(ctx context.Context, id int64) error {
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM tickets WHERE id=$1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

func scanTicket(row pgx.Row) (*domain.Ticket, error) {
	var ticket domain.Ticket
	if err := row.Scan(
		&ticket.ID,
		&ticket.Number,
		&ticket.Title,
		&ticket.Description,
		&ticket.Priority,
		&ticket.Status,
		&ticket.CategoryID,
		&ticket.SubcategoryID,
		&ticket.ClientID,
		&ticket.AssignedTo,
		&ticket.DueDate,
		&ticket.ResolutionMinutes,
		&ticket.Location,
		&ticket.SLAState,
		&ticket.SLAPriority,
		&ticket.SLACheckedAt,
		&ticket.CreatedAt,
		&ticket.ModifiedAt,
	); err != nil {
		return nil, err
	}
	return &ticket, nil
}

func statusStrings(statuses []domain.TicketStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
