// Package store is the durable storage adapter: the only part of the
// system that talks to Postgres, using parameter-bound statements
// throughout.
package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tilde-lab/yascheduler/meta"
	"github.com/tilde-lab/yascheduler/model"
)

// Store is the storage adapter. Every method commits before returning;
// there is no exposed transaction type because every write here is
// already a single atomic statement.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to Postgres using a libpq-style connection string (the
// [db] config section is assembled into one by config.Config.DSN()).
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// ListNodes returns every node in the registry.
func (s *Store) ListNodes(ctx context.Context) ([]model.Node, error) {
	rows, err := s.pool.Query(ctx, `SELECT ip, ncpus, enabled, cloud FROM yascheduler_nodes;`)
	if err != nil {
		return nil, fmt.Errorf("store: list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []model.Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// GetNode fetches a single node by IP. Returns pgx.ErrNoRows if absent.
func (s *Store) GetNode(ctx context.Context, ip string) (model.Node, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT ip, ncpus, enabled, cloud FROM yascheduler_nodes WHERE ip=$1;`, ip)
	return scanNode(row)
}

// UpsertNode inserts or updates a node row.
func (s *Store) UpsertNode(ctx context.Context, n model.Node) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO yascheduler_nodes (ip, ncpus, enabled, cloud)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (ip) DO UPDATE
		SET ncpus=EXCLUDED.ncpus, enabled=EXCLUDED.enabled, cloud=EXCLUDED.cloud;
	`, n.IP, nullableInt(n.NCPUs), n.Enabled, nullableString(n.Cloud))
	if err != nil {
		return fmt.Errorf("store: upsert node %s: %w", n.IP, err)
	}
	return nil
}

// RemoveNode deletes a node row. Only ever called by the elasticity
// controller once a provider confirms deletion.
func (s *Store) RemoveNode(ctx context.Context, ip string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM yascheduler_nodes WHERE ip=$1;`, ip)
	if err != nil {
		return fmt.Errorf("store: remove node %s: %w", ip, err)
	}
	return nil
}

// GetTask fetches a single task by id. Returns pgx.ErrNoRows if absent.
func (s *Store) GetTask(ctx context.Context, id int64) (model.Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT task_id, label, metadata, ip, status FROM yascheduler_tasks WHERE task_id=$1;`, id)
	return scanTask(row)
}

// ListTasksToDo fetches up to limit TO_DO tasks, oldest (by insertion /
// task_id) first. limit<=0 fetches none, matching Phase II's use: when
// free_nodes+cloud_capacity is zero, no tasks should be dispatched.
func (s *Store) ListTasksToDo(ctx context.Context, limit int) ([]model.Task, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT task_id, label, metadata, ip, status
		FROM yascheduler_tasks
		WHERE status=$1
		ORDER BY task_id
		LIMIT $2;
	`, model.ToDo, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list tasks to do: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// CountTasksToDo returns the number of TO_DO tasks, used for per-pass
// statistics (unlike ListTasksToDo, it is not bounded by dispatch capacity).
func (s *Store) CountTasksToDo(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM yascheduler_tasks WHERE status=$1;`, model.ToDo).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count tasks to do: %w", err)
	}
	return n, nil
}

// ListTasksByStatus fetches every task in any of the given statuses.
func (s *Store) ListTasksByStatus(ctx context.Context, statuses ...model.Status) ([]model.Task, error) {
	ints := make([]int, len(statuses))
	for i, st := range statuses {
		ints[i] = int(st)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT task_id, label, metadata, ip, status
		FROM yascheduler_tasks
		WHERE status = ANY($1);
	`, ints)
	if err != nil {
		return nil, fmt.Errorf("store: list tasks by status: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListTasksByID fetches every task whose id is in ids.
func (s *Store) ListTasksByID(ctx context.Context, ids []int64) ([]model.Task, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT task_id, label, metadata, ip, status
		FROM yascheduler_tasks
		WHERE task_id = ANY($1);
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("store: list tasks by id: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// InsertTask inserts a new TO_DO task and returns its assigned task_id
// atomically, via RETURNING.
func (s *Store) InsertTask(ctx context.Context, label string, md meta.Document) (int64, error) {
	raw, err := json.Marshal(md)
	if err != nil {
		return 0, fmt.Errorf("store: marshal metadata: %w", err)
	}
	var id int64
	err = s.pool.QueryRow(ctx, `
		INSERT INTO yascheduler_tasks (label, metadata, ip, status)
		VALUES ($1, $2, NULL, $3)
		RETURNING task_id;
	`, label, raw, model.ToDo).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: insert task: %w", err)
	}
	return id, nil
}

// SetRunning transitions a task to RUNNING, stamping its IP, in a single
// statement so no observer ever sees a half-updated row.
func (s *Store) SetRunning(ctx context.Context, id int64, ip string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE yascheduler_tasks SET status=$1, ip=$2 WHERE task_id=$3;`,
		model.Running, ip, id)
	if err != nil {
		return fmt.Errorf("store: set running %d: %w", id, err)
	}
	return nil
}

// SetDone transitions a task to DONE, rewriting its metadata, in a single
// statement.
func (s *Store) SetDone(ctx context.Context, id int64, md meta.Document) error {
	raw, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("store: marshal metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE yascheduler_tasks SET status=$1, metadata=$2 WHERE task_id=$3;`,
		model.Done, raw, id)
	if err != nil {
		return fmt.Errorf("store: set done %d: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanNode(row rowScanner) (model.Node, error) {
	var n model.Node
	var ncpus *int
	var cloud *string
	if err := row.Scan(&n.IP, &ncpus, &n.Enabled, &cloud); err != nil {
		return model.Node{}, err
	}
	if ncpus != nil {
		n.NCPUs = *ncpus
	}
	if cloud != nil {
		n.Cloud = *cloud
	}
	return n, nil
}

func scanTask(row rowScanner) (model.Task, error) {
	var t model.Task
	var rawMeta []byte
	var ip *string
	var status int
	if err := row.Scan(&t.ID, &t.Label, &rawMeta, &ip, &status); err != nil {
		return model.Task{}, err
	}
	if ip != nil {
		t.IP = *ip
	}
	t.Status = model.Status(status)
	if len(rawMeta) > 0 {
		if err := json.Unmarshal(rawMeta, &t.Metadata); err != nil {
			return model.Task{}, fmt.Errorf("store: unmarshal metadata for task %d: %w", t.ID, err)
		}
	}
	return t, nil
}

func collectTasks(rows pgx.Rows) ([]model.Task, error) {
	var tasks []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func nullableInt(v int) *int {
	if v == 0 {
		return nil
	}
	return &v
}

func nullableString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
