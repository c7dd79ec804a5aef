package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"trainhub.org/internal/ids"
	"trainhub.org/internal/perm"
)

const recordColumns = `id, department_id, resource, action, granted, inherit_from_parent,
	override_children, priority, conditions, expires_at, version,
	coalesce(created_by,''), coalesce(updated_by,''), created_at, updated_at`

func (s *Store) Direct(ctx context.Context, departmentID string) ([]perm.Record, error) {
	return s.queryRecords(ctx, `
		select `+recordColumns+`
		from department_permissions
		where department_id = $1
		order by resource, action, priority desc, id
	`, departmentID)
}

func (s *Store) DirectFor(ctx context.Context, departmentID, resource, action string) ([]perm.Record, error) {
	return s.queryRecords(ctx, `
		select `+recordColumns+`
		from department_permissions
		where department_id = $1 and resource = $2 and action = $3
		order by priority desc, id
	`, departmentID, resource, action)
}

func (s *Store) ForDepartments(ctx context.Context, departmentIDs []string) ([]perm.Record, error) {
	if len(departmentIDs) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(departmentIDs))
	args := make([]any, len(departmentIDs))
	for i, id := range departmentIDs {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	return s.queryRecords(ctx, `
		select `+recordColumns+`
		from department_permissions
		where department_id in (`+strings.Join(placeholders, ",")+`)
		order by department_id, resource, action, priority desc, id
	`, args...)
}

// Upsert creates or updates the record addressed by (department, resource,
// action, priority). A zero incoming version asserts no row exists yet, so an
// existing row is a lost race; a non-zero version must match the stored row.
// Either failure surfaces ErrConcurrency, as does a concurrent insert of the
// same tuple tripping the unique index.
func (s *Store) Upsert(ctx context.Context, rec perm.Record) (perm.Record, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return perm.Record{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	condJSON, err := marshalConditions(rec.Conditions)
	if err != nil {
		return perm.Record{}, false, err
	}

	var (
		existingID      string
		existingVersion int64
	)
	err = tx.QueryRowContext(ctx, `
		select id, version
		from department_permissions
		where department_id = $1 and resource = $2 and action = $3 and priority = $4
		for update
	`, rec.DepartmentID, rec.Resource, rec.Action, rec.Priority).Scan(&existingID, &existingVersion)

	switch {
	case err == nil:
		// A zero version asserts the caller saw no record for this tuple;
		// finding one means another writer got there first.
		if rec.Version == 0 {
			return perm.Record{}, false, fmt.Errorf("%w: record %s created concurrently", perm.ErrConcurrency, existingID)
		}
		if rec.Version != existingVersion {
			return perm.Record{}, false, fmt.Errorf("%w: record %s changed underneath (version %d, expected %d)",
				perm.ErrConcurrency, existingID, existingVersion, rec.Version)
		}
		row := tx.QueryRowContext(ctx, `
			update department_permissions
			set granted = $2, inherit_from_parent = $3, override_children = $4,
			    conditions = $5, expires_at = $6, updated_by = $7,
			    version = version + 1, updated_at = now()
			where id = $1
			returning `+recordColumns+`
		`, existingID, rec.Granted, rec.InheritFromParent, rec.OverrideChildren,
			condJSON, rec.ExpiresAt, rec.UpdatedBy)
		saved, err := scanRecord(row)
		if err != nil {
			return perm.Record{}, false, err
		}
		if err := tx.Commit(); err != nil {
			return perm.Record{}, false, err
		}
		return saved, false, nil

	case errors.Is(err, sql.ErrNoRows):
		row := tx.QueryRowContext(ctx, `
			insert into department_permissions
				(id, department_id, resource, action, granted, inherit_from_parent,
				 override_children, priority, conditions, expires_at, version,
				 created_by, updated_by)
			values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,1,$11,$11)
			returning `+recordColumns+`
		`, ids.New(), rec.DepartmentID, rec.Resource, rec.Action, rec.Granted,
			rec.InheritFromParent, rec.OverrideChildren, rec.Priority,
			condJSON, rec.ExpiresAt, rec.CreatedBy)
		saved, err := scanRecord(row)
		if err != nil {
			if pgErr, ok := maybePgError(err); ok {
				switch pgErr.Code {
				case pgErrUniqueViolation:
					return perm.Record{}, false, fmt.Errorf("%w: record created concurrently", perm.ErrConcurrency)
				case pgErrForeignKeyViolation:
					return perm.Record{}, false, fmt.Errorf("%w: department %s", perm.ErrNotFound, rec.DepartmentID)
				}
			}
			return perm.Record{}, false, err
		}
		if err := tx.Commit(); err != nil {
			return perm.Record{}, false, err
		}
		return saved, true, nil

	default:
		return perm.Record{}, false, err
	}
}

func (s *Store) Delete(ctx context.Context, departmentID, resource, action string) ([]perm.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		delete from department_permissions
		where department_id = $1 and resource = $2 and action = $3
		returning `+recordColumns+`
	`, departmentID, resource, action)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var removed []perm.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		removed = append(removed, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(removed) == 0 {
		return nil, fmt.Errorf("%w: no record for %s %s:%s", perm.ErrNotFound, departmentID, resource, action)
	}
	return removed, nil
}

func (s *Store) Template(ctx context.Context, id string) (perm.Template, error) {
	row := s.db.QueryRowContext(ctx, `
		select id, name, coalesce(description,''), items, created_at
		from permission_templates
		where id = $1
	`, id)
	tpl, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return perm.Template{}, fmt.Errorf("%w: template %s", perm.ErrNotFound, id)
	}
	return tpl, err
}

func (s *Store) Templates(ctx context.Context) ([]perm.Template, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, name, coalesce(description,''), items, created_at
		from permission_templates
		order by name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []perm.Template
	for rows.Next() {
		tpl, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tpl)
	}
	return result, rows.Err()
}

// Record stores a manual conflict resolution, last write winning per conflict.
func (s *Store) Record(ctx context.Context, res perm.Resolution) error {
	_, err := s.db.ExecContext(ctx, `
		insert into conflict_resolutions (conflict_id, strategy, note, resolved_by, resolved_at)
		values ($1,$2,$3,$4,$5)
		on conflict (conflict_id) do update
		set strategy = excluded.strategy, note = excluded.note,
		    resolved_by = excluded.resolved_by, resolved_at = excluded.resolved_at
	`, res.ConflictID, res.Strategy, res.Note, res.ResolvedBy, res.ResolvedAt)
	return err
}

func (s *Store) ByConflictIDs(ctx context.Context, conflictIDs []string) (map[string]perm.Resolution, error) {
	if len(conflictIDs) == 0 {
		return map[string]perm.Resolution{}, nil
	}
	placeholders := make([]string, len(conflictIDs))
	args := make([]any, len(conflictIDs))
	for i, id := range conflictIDs {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `
		select conflict_id, strategy, coalesce(note,''), resolved_by, resolved_at
		from conflict_resolutions
		where conflict_id in (`+strings.Join(placeholders, ",")+`)
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]perm.Resolution)
	for rows.Next() {
		var res perm.Resolution
		if err := rows.Scan(&res.ConflictID, &res.Strategy, &res.Note, &res.ResolvedBy, &res.ResolvedAt); err != nil {
			return nil, err
		}
		result[res.ConflictID] = res
	}
	return result, rows.Err()
}

func (s *Store) ActiveMembers(ctx context.Context, departmentID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select user_id
		from department_members
		where department_id = $1 and active
		order by user_id
	`, departmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		result = append(result, id)
	}
	return result, rows.Err()
}

func (s *Store) UpsertMemberGrant(ctx context.Context, userID, resource, action string, granted bool, grantedBy string) error {
	_, err := s.db.ExecContext(ctx, `
		insert into user_permissions (user_id, resource, action, granted, granted_by)
		values ($1,$2,$3,$4,$5)
		on conflict (user_id, resource, action) do update
		set granted = excluded.granted, granted_by = excluded.granted_by, updated_at = now()
	`, userID, resource, action, granted, grantedBy)
	return err
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...any) ([]perm.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []perm.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func scanRecord(row rowScanner) (perm.Record, error) {
	var (
		rec      perm.Record
		rawConds []byte
		expires  sql.NullTime
	)
	err := row.Scan(&rec.ID, &rec.DepartmentID, &rec.Resource, &rec.Action, &rec.Granted,
		&rec.InheritFromParent, &rec.OverrideChildren, &rec.Priority, &rawConds, &expires,
		&rec.Version, &rec.CreatedBy, &rec.UpdatedBy, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return perm.Record{}, err
	}
	if len(rawConds) > 0 {
		if err := json.Unmarshal(rawConds, &rec.Conditions); err != nil {
			return perm.Record{}, fmt.Errorf("decode conditions: %w", err)
		}
	}
	if expires.Valid {
		t := expires.Time.UTC()
		rec.ExpiresAt = &t
	}
	return rec, nil
}

func scanTemplate(row rowScanner) (perm.Template, error) {
	var (
		tpl      perm.Template
		rawItems []byte
	)
	if err := row.Scan(&tpl.ID, &tpl.Name, &tpl.Description, &rawItems, &tpl.CreatedAt); err != nil {
		return perm.Template{}, err
	}
	if len(rawItems) > 0 {
		if err := json.Unmarshal(rawItems, &tpl.Items); err != nil {
			return perm.Template{}, fmt.Errorf("decode items: %w", err)
		}
	}
	return tpl, nil
}

func marshalConditions(conds []perm.Condition) ([]byte, error) {
	if len(conds) == 0 {
		return []byte("[]"), nil
	}
	b, err := json.Marshal(conds)
	if err != nil {
		return nil, fmt.Errorf("marshal conditions: %w", err)
	}
	return b, nil
}
