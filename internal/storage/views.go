package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"taskpanel/internal/task"
)

// View is a saved list query.
type View struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	Filters        []Filter  `json:"filters"`
	Sorts          []Sort    `json:"sorts"`
	FilterRelation string    `json:"filter_relation"`
	Position       int       `json:"position"`
	CreatedAt      time.Time `json:"created_at"`
}

const viewColumns = `id, name, filters, sorts, filter_relation, position, created_at`

func scanView(r rowScanner) (View, error) {
	var (
		v              View
		filters, sorts string
		created        int64
	)
	if err := r.Scan(&v.ID, &v.Name, &filters, &sorts, &v.FilterRelation, &v.Position, &created); err != nil {
		return View{}, err
	}
	if err := json.Unmarshal([]byte(filters), &v.Filters); err != nil {
		return View{}, fmt.Errorf("view %d filters: %w", v.ID, err)
	}
	if err := json.Unmarshal([]byte(sorts), &v.Sorts); err != nil {
		return View{}, fmt.Errorf("view %d sorts: %w", v.ID, err)
	}
	if v.Filters == nil {
		v.Filters = []Filter{}
	}
	if v.Sorts == nil {
		v.Sorts = []Sort{}
	}
	v.CreatedAt = time.UnixMilli(created)
	return v, nil
}

// CreateView validates and stores a view. Unknown properties or
// operations are rejected so a saved view can always be queried.
func (s *Store) CreateView(ctx context.Context, v View) (View, error) {
	v.Name = strings.TrimSpace(v.Name)
	if v.Name == "" {
		return View{}, &task.ValidationError{Field: "name", Reason: "name required"}
	}
	v.FilterRelation = strings.ToLower(strings.TrimSpace(v.FilterRelation))
	if v.FilterRelation == "" {
		v.FilterRelation = RelationAnd
	}
	if err := validateQuery(v.Filters, v.FilterRelation, v.Sorts); err != nil {
		return View{}, err
	}
	if v.Filters == nil {
		v.Filters = []Filter{}
	}
	if v.Sorts == nil {
		v.Sorts = []Sort{}
	}
	filters, err := json.Marshal(v.Filters)
	if err != nil {
		return View{}, err
	}
	sorts, err := json.Marshal(v.Sorts)
	if err != nil {
		return View{}, err
	}

	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM views WHERE name = ?`, v.Name).Scan(&exists); err != nil {
		return View{}, err
	}
	if exists > 0 {
		return View{}, &task.ValidationError{Field: "name", Reason: fmt.Sprintf("view %q already exists", v.Name)}
	}

	res, err := s.db.ExecContext(ctx, `INSERT INTO views (name, filters, sorts, filter_relation, position, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`, v.Name, string(filters), string(sorts), v.FilterRelation, v.Position, s.nowMillis())
	if err != nil {
		return View{}, fmt.Errorf("insert view: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return View{}, err
	}
	return s.GetView(ctx, id)
}

func (s *Store) GetView(ctx context.Context, id int64) (View, error) {
	v, err := scanView(s.db.QueryRowContext(ctx, `SELECT `+viewColumns+` FROM views WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return View{}, ErrNotFound
	}
	return v, err
}

// ListViews returns views ordered by position then id.
func (s *Store) ListViews(ctx context.Context) ([]View, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+viewColumns+` FROM views ORDER BY position, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]View, 0)
	for rows.Next() {
		v, err := scanView(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) DeleteView(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM views WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
