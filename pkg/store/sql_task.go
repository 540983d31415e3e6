package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ipanova/pulp-shelter/pkg/tasking"
)

const taskColumns = `id, name, state, reservations, error, result, created_at, started_at, finished_at`

func (s *SQL) SaveTask(ctx context.Context, t *tasking.Task) error {
	reservations, err := json.Marshal(t.Reservations)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			state = excluded.state,
			error = excluded.error,
			result = excluded.result,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at`),
		t.ID, t.Name, string(t.State), string(reservations), t.Error, string(t.Result),
		formatTime(t.CreatedAt), formatTimePtr(t.StartedAt), formatTimePtr(t.FinishedAt))
	if err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}
	return nil
}

func (s *SQL) Task(ctx context.Context, id string) (*tasking.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, s.q(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tasking.ErrNotFound
	}
	return t, err
}

func (s *SQL) Tasks(ctx context.Context) ([]*tasking.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := []*tasking.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTask(row rowScanner) (*tasking.Task, error) {
	var (
		t                              tasking.Task
		state, reservations, result    string
		createdAt, startedAt, finished string
	)
	if err := row.Scan(&t.ID, &t.Name, &state, &reservations, &t.Error, &result, &createdAt, &startedAt, &finished); err != nil {
		return nil, err
	}
	t.State = tasking.State(state)
	if err := json.Unmarshal([]byte(reservations), &t.Reservations); err != nil {
		return nil, fmt.Errorf("corrupt reservations in task %s: %w", t.ID, err)
	}
	if result != "" {
		t.Result = json.RawMessage(result)
	}
	t.CreatedAt = parseTime(createdAt)
	t.StartedAt = parseTimePtr(startedAt)
	t.FinishedAt = parseTimePtr(finished)
	return &t, nil
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func parseTimePtr(value string) *time.Time {
	t := parseTime(value)
	if t.IsZero() {
		return nil
	}
	return &t
}
