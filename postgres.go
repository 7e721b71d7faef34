package d3

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ============================================================================
// PostgresRemote
// ============================================================================

// PgxPool is the subset of pgxpool.Pool used by PostgresRemote, so tests can
// supply a fake.
type PgxPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRemote is a Remote that talks to the Supabase Postgres database
// directly. It suits trusted server-side daemons that hold a database URL
// instead of a user session.
type PostgresRemote struct {
	pool PgxPool
}

var _ Remote = (*PostgresRemote)(nil)

// NewPostgresRemote wraps an existing pool.
func NewPostgresRemote(pool PgxPool) *PostgresRemote {
	return &PostgresRemote{pool: pool}
}

// OpenPostgresRemote connects to dsn and verifies the connection. The caller
// closes the returned pool.
func OpenPostgresRemote(ctx context.Context, dsn string) (*PostgresRemote, *pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, classifyPg("ping postgres", err)
	}
	return NewPostgresRemote(pool), pool, nil
}

func (r *PostgresRemote) UpsertResponse(ctx context.Context, p ResponsePayload) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO passage_responses (group_id, user_id, week_number, passage_key, response_key, response_text)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (group_id, user_id, week_number, passage_key, response_key)
		DO UPDATE SET response_text = EXCLUDED.response_text`,
		p.GroupID, p.UserID, p.WeekNumber, p.PassageKey, p.ResponseKey, p.ResponseText,
	)
	if err != nil {
		return classifyPg("upsert response", err)
	}
	return nil
}

func (r *PostgresRemote) UpsertWeekCompletion(ctx context.Context, p WeekCompletionPayload) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO week_completions (group_id, user_id, week_number, completed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (group_id, user_id, week_number)
		DO UPDATE SET completed_at = EXCLUDED.completed_at`,
		p.GroupID, p.UserID, p.WeekNumber, p.CompletedAt,
	)
	if err != nil {
		return classifyPg("upsert week completion", err)
	}
	return nil
}

func (r *PostgresRemote) DeleteWeekCompletion(ctx context.Context, k WeekKey) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM week_completions WHERE group_id = $1 AND user_id = $2 AND week_number = $3`,
		k.GroupID, k.UserID, k.WeekNumber,
	)
	if err != nil {
		return classifyPg("delete week completion", err)
	}
	return nil
}

const membershipQuery = `
	SELECT m.group_id, m.role, g.id, g.name, COALESCE(g.start_date::text, ''), COALESCE(g.timezone, '')
	FROM group_memberships m
	JOIN groups g ON g.id = m.group_id`

func (r *PostgresRemote) ReadMembership(ctx context.Context, groupID, userID string) (GroupContext, error) {
	var (
		gc GroupContext
		g  Group
	)
	err := r.pool.QueryRow(ctx, membershipQuery+` WHERE m.group_id = $1 AND m.user_id = $2 LIMIT 1`,
		groupID, userID,
	).Scan(&gc.GroupID, &gc.Role, &g.ID, &g.Name, &g.StartDate, &g.Timezone)
	if errors.Is(err, pgx.ErrNoRows) {
		return GroupContext{}, fmt.Errorf("membership %s/%s: %w", groupID, userID, ErrNotFound)
	}
	if err != nil {
		return GroupContext{}, classifyPg("read membership", err)
	}
	gc.UserID = userID
	gc.Group = g
	return gc, nil
}

func (r *PostgresRemote) ReadMemberships(ctx context.Context, userID string) (Memberships, error) {
	rows, err := r.pool.Query(ctx, membershipQuery+` WHERE m.user_id = $1 ORDER BY g.name`, userID)
	if err != nil {
		return Memberships{}, classifyPg("read memberships", err)
	}
	defer rows.Close()

	out := Memberships{UserID: userID}
	for rows.Next() {
		var m Membership
		if err := rows.Scan(&m.GroupID, &m.Role, &m.Group.ID, &m.Group.Name, &m.Group.StartDate, &m.Group.Timezone); err != nil {
			return Memberships{}, classifyPg("read memberships", err)
		}
		out.Items = append(out.Items, m)
	}
	if err := rows.Err(); err != nil {
		return Memberships{}, classifyPg("read memberships", err)
	}
	return out, nil
}

func (r *PostgresRemote) ReadResponses(ctx context.Context, k WeekKey) (WeekResponses, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT passage_key, response_key, COALESCE(response_text, '')
		FROM passage_responses
		WHERE group_id = $1 AND user_id = $2 AND week_number = $3`,
		k.GroupID, k.UserID, k.WeekNumber,
	)
	if err != nil {
		return WeekResponses{}, classifyPg("read responses", err)
	}
	defer rows.Close()

	out := WeekResponses{WeekKey: k, Cells: make(map[CellKey]string)}
	for rows.Next() {
		var (
			cell CellKey
			text string
		)
		if err := rows.Scan(&cell.PassageKey, &cell.ResponseKey, &text); err != nil {
			return WeekResponses{}, classifyPg("read responses", err)
		}
		out.Cells[cell] = text
	}
	if err := rows.Err(); err != nil {
		return WeekResponses{}, classifyPg("read responses", err)
	}
	return out, nil
}

// classifyPg maps a pgx error. Server errors are rejections unless their
// SQLSTATE says the connection or server is the problem.
func classifyPg(op string, err error) *RemoteError {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		re := &RemoteError{Op: op, Code: pgErr.Code, Message: pgErr.Message, Err: err}
		switch {
		case strings.HasPrefix(pgErr.Code, "08"), // connection exception
			strings.HasPrefix(pgErr.Code, "53"), // insufficient resources
			pgErr.Code == "57P01", pgErr.Code == "57P02", pgErr.Code == "57P03",
			pgErr.Code == "40001", pgErr.Code == "40P01":
			re.Kind = KindNetwork
		default:
			re.Kind = KindRejected
		}
		return re
	}
	if errors.Is(err, context.Canceled) {
		return &RemoteError{Kind: KindUnknown, Op: op, Err: err}
	}
	var netErr net.Error
	var connectErr *pgconn.ConnectError
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) || errors.As(err, &connectErr) ||
		errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return networkError(op, err)
	}
	return &RemoteError{Kind: KindUnknown, Op: op, Err: err}
}
