package pg

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"aurex.org/internal/audit"
)

const auditColumns = `id, coalesce(actor_id,''), coalesce(actor_kind,''), action,
	resource_type, resource_id, before, after,
	coalesce(ip,''), coalesce(method,''), outcome, occurred_at`

// appendEntry writes an audit row through the caller's querier, so privileged
// mutations land their entry in the same transaction as the change itself.
func appendEntry(ctx context.Context, q querier, entry *audit.Entry) error {
	_, err := q.ExecContext(ctx, `
		insert into audit_entries
			(id, actor_id, actor_kind, action, resource_type, resource_id,
			 before, after, ip, method, outcome, occurred_at)
		values ($1, nullif($2,''), nullif($3,''), $4, $5, $6, $7, $8, nullif($9,''), nullif($10,''), $11, $12)
	`, entry.ID, entry.ActorID, entry.ActorKind, entry.Action,
		entry.ResourceType, entry.ResourceID,
		nullableJSON(entry.Before), nullableJSON(entry.After),
		entry.IP, entry.Method, entry.Outcome, entry.OccurredAt)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// Append satisfies audit.Sink for best-effort events recorded outside any
// surrounding transaction.
func (s *Store) Append(ctx context.Context, entry *audit.Entry) error {
	return appendEntry(ctx, s.db, entry)
}

// List satisfies audit.Reader. Entries come back oldest first so a page walk
// replays history in order.
func (s *Store) List(ctx context.Context, f audit.Filter) ([]audit.Entry, int, error) {
	where := []string{"true"}
	args := []any{}
	idx := 1
	if f.ActorID != "" {
		where = append(where, fmt.Sprintf("actor_id = $%d", idx))
		args = append(args, f.ActorID)
		idx++
	}
	if f.Action != "" {
		where = append(where, fmt.Sprintf("action = $%d", idx))
		args = append(args, f.Action)
		idx++
	}
	if f.ResourceType != "" {
		where = append(where, fmt.Sprintf("resource_type = $%d", idx))
		args = append(args, f.ResourceType)
		idx++
	}
	if f.ResourceID != "" {
		where = append(where, fmt.Sprintf("resource_id = $%d", idx))
		args = append(args, f.ResourceID)
		idx++
	}
	if !f.From.IsZero() {
		where = append(where, fmt.Sprintf("occurred_at >= $%d", idx))
		args = append(args, f.From)
		idx++
	}
	if !f.To.IsZero() {
		where = append(where, fmt.Sprintf("occurred_at < $%d", idx))
		args = append(args, f.To)
		idx++
	}
	clause := strings.Join(where, " and ")

	var total int
	if err := s.db.QueryRowContext(ctx,
		`select count(*) from audit_entries where `+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`
		select `+auditColumns+`
		from audit_entries
		where %s
		order by occurred_at asc, id asc
		limit $%d offset $%d
	`, clause, idx, idx+1)
	args = append(args, f.Limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var entries []audit.Entry
	for rows.Next() {
		var e audit.Entry
		var before, after sql.NullString
		if err := rows.Scan(&e.ID, &e.ActorID, &e.ActorKind, &e.Action,
			&e.ResourceType, &e.ResourceID, &before, &after,
			&e.IP, &e.Method, &e.Outcome, &e.OccurredAt); err != nil {
			return nil, 0, err
		}
		if before.Valid {
			e.Before = []byte(before.String)
		}
		if after.Valid {
			e.After = []byte(after.String)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
