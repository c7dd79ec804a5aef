package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"trainhub.org/internal/dept"
)

const departmentColumns = `id, name, parent_id, path, level, created_at`

func (s *Store) Get(ctx context.Context, id string) (dept.Department, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+departmentColumns+`
		from departments
		where id = $1
	`, id)
	d, err := scanDepartment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return dept.Department{}, fmt.Errorf("%w: department %s", dept.ErrNotFound, id)
	}
	return d, err
}

// Subtree returns the department and every descendant, shallowest first. The
// materialized path makes this one indexable containment query instead of a
// recursive CTE.
func (s *Store) Subtree(ctx context.Context, id string) ([]dept.Department, error) {
	root, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+departmentColumns+`
		from departments
		where path @> to_jsonb(array[$1::text])
		order by level, id
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []dept.Department{root}
	for rows.Next() {
		d, err := scanDepartment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

func (s *Store) All(ctx context.Context) ([]dept.Department, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+departmentColumns+`
		from departments
		order by level, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []dept.Department
	for rows.Next() {
		d, err := scanDepartment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDepartment(row rowScanner) (dept.Department, error) {
	var (
		d       dept.Department
		parent  sql.NullString
		rawPath []byte
	)
	if err := row.Scan(&d.ID, &d.Name, &parent, &rawPath, &d.Level, &d.CreatedAt); err != nil {
		return dept.Department{}, err
	}
	if parent.Valid {
		d.ParentID = parent.String
	}
	if len(rawPath) > 0 {
		if err := json.Unmarshal(rawPath, &d.Path); err != nil {
			return dept.Department{}, fmt.Errorf("decode path: %w", err)
		}
	}
	return d, nil
}
