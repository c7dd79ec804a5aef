package pg

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"trainhub.org/internal/audit"
)

func (s *Store) Append(ctx context.Context, entry *audit.Entry) error {
	metaJSON := []byte("{}")
	if len(entry.Metadata) > 0 {
		b, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		metaJSON = b
	}
	_, err := s.db.ExecContext(ctx, `
		insert into permission_audit
			(id, target_type, target_id, resource, action, old_value, new_value,
			 change_type, actor_id, reason, metadata, created_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, entry.ID, entry.TargetType, entry.TargetID, entry.Resource, entry.Action,
		entry.OldValue, entry.NewValue, entry.ChangeType, entry.ActorID,
		entry.Reason, metaJSON, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("%w: %v", audit.ErrAppendFailed, err)
	}
	return nil
}

// Trail assembles the where clause from whichever filters are set, counts the
// matches and returns one page, newest first.
func (s *Store) Trail(ctx context.Context, f audit.Filter) ([]audit.Entry, int, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, value any) {
		args = append(args, value)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.TargetID != "" {
		add("target_id = $%d", f.TargetID)
	}
	if f.Resource != "" {
		add("resource = $%d", f.Resource)
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if f.ChangeType != "" {
		add("change_type = $%d", string(f.ChangeType))
	}
	if f.ActorID != "" {
		add("actor_id = $%d", f.ActorID)
	}
	if !f.From.IsZero() {
		add("created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("created_at <= $%d", f.To)
	}
	cond := ""
	if len(where) > 0 {
		cond = "where " + strings.Join(where, " and ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `select count(*) from permission_audit `+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	pageArgs := append(args, limit, offset)
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		select id, target_type, target_id, coalesce(resource,''), coalesce(action,''),
		       old_value, new_value, change_type, actor_id, coalesce(reason,''),
		       metadata, created_at
		from permission_audit %s
		order by created_at desc, id desc
		limit $%d offset $%d
	`, cond, len(args)+1, len(args)+2), pageArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var entries []audit.Entry
	for rows.Next() {
		var (
			e       audit.Entry
			rawMeta []byte
		)
		if err := rows.Scan(&e.ID, &e.TargetType, &e.TargetID, &e.Resource, &e.Action,
			&e.OldValue, &e.NewValue, &e.ChangeType, &e.ActorID, &e.Reason,
			&rawMeta, &e.CreatedAt); err != nil {
			return nil, 0, err
		}
		if len(rawMeta) > 0 && string(rawMeta) != "{}" {
			if err := json.Unmarshal(rawMeta, &e.Metadata); err != nil {
				return nil, 0, fmt.Errorf("decode metadata: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, total, rows.Err()
}

func (s *Store) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `delete from permission_audit where created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
