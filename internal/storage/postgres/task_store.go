package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/JakeFAU/harvest-engine/internal/harvest"
)

const taskColumns = "id, kind, url, status, current_phase, pipeline_state, item_count, created_at, updated_at"

// TaskStore persists tasks in the tasks table. UpdateTask locks the row for
// the duration of the mutation.
type TaskStore struct {
	db DB
}

// NewTaskStore wraps db.
func NewTaskStore(db DB) (*TaskStore, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	return &TaskStore{db: db}, nil
}

// CreateTask inserts a new task row.
func (s *TaskStore) CreateTask(ctx context.Context, task harvest.Task) error {
	state, err := json.Marshal(task.State)
	if err != nil {
		return fmt.Errorf("marshal pipeline state: %w", err)
	}
	_, err = s.db.Exec(ctx,
		"INSERT INTO tasks ("+taskColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)",
		task.ID,
		string(task.Kind),
		task.URL,
		string(task.Status),
		string(task.Phase),
		state,
		int64(task.ItemCount),
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("task %s already exists", task.ID)
		}
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask loads one task.
func (s *TaskStore) GetTask(ctx context.Context, id string) (harvest.Task, error) {
	row := s.db.QueryRow(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = $1", id)
	task, err := scanTask(row)
	if err != nil {
		return harvest.Task{}, wrapNoRows(err, "task "+id)
	}
	return task, nil
}

// UpdateTask reads the row FOR UPDATE, applies mutate and writes it back in
// one transaction.
func (s *TaskStore) UpdateTask(
	ctx context.Context,
	id string,
	mutate func(*harvest.Task) error,
) (harvest.Task, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return harvest.Task{}, fmt.Errorf("begin: %w", err)
	}
	defer rollback(ctx, tx)

	task, err := scanTask(tx.QueryRow(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = $1 FOR UPDATE", id))
	if err != nil {
		return harvest.Task{}, wrapNoRows(err, "task "+id)
	}
	if err := mutate(&task); err != nil {
		return harvest.Task{}, err
	}
	state, err := json.Marshal(task.State)
	if err != nil {
		return harvest.Task{}, fmt.Errorf("marshal pipeline state: %w", err)
	}
	_, err = tx.Exec(ctx,
		`UPDATE tasks SET status = $1, current_phase = $2, pipeline_state = $3, item_count = $4, updated_at = $5
WHERE id = $6`,
		string(task.Status),
		string(task.Phase),
		state,
		int64(task.ItemCount),
		task.UpdatedAt,
		id,
	)
	if err != nil {
		return harvest.Task{}, fmt.Errorf("update task: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return harvest.Task{}, fmt.Errorf("commit: %w", err)
	}
	return task, nil
}

func scanTask(row pgx.Row) (harvest.Task, error) {
	var (
		task                harvest.Task
		kind, status, phase string
		state               []byte
		itemCount           int64
	)
	if err := row.Scan(
		&task.ID,
		&kind,
		&task.URL,
		&status,
		&phase,
		&state,
		&itemCount,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return harvest.Task{}, err
	}
	task.Kind = harvest.TaskKind(kind)
	task.Status = harvest.TaskStatus(status)
	task.Phase = harvest.Phase(phase)
	task.ItemCount = int(itemCount)
	if len(state) > 0 {
		if err := json.Unmarshal(state, &task.State); err != nil {
			return harvest.Task{}, fmt.Errorf("decode pipeline state: %w", err)
		}
	}
	return task, nil
}

func wrapNoRows(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, harvest.ErrNotFound)
	}
	return fmt.Errorf("load %s: %w", what, err)
}
