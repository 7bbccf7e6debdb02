package attendance

import (
	"context"
	"fmt"
	"time"

	"github.com/gymdesk/frontdesk/internal/query"
	"github.com/gymdesk/frontdesk/supabase/client"
)

// Repository fetches check-ins from PostgREST through the executor.
type Repository struct {
	db   *client.Client
	exec *query.Executor
	loc  *time.Location
	now  func() time.Time
}

// NewRepository creates a repository. A nil loc renders times in time.Local.
func NewRepository(db *client.Client, exec *query.Executor, loc *time.Location) *Repository {
	if loc == nil {
		loc = time.Local
	}
	return &Repository{db: db, exec: exec, loc: loc, now: time.Now}
}

// FetchRecent returns the latest limit check-ins, newest first.
func (r *Repository) FetchRecent(ctx context.Context, limit int) ([]RecentItem, error) {
	q := r.db.From(Table).
		Select(RecentColumns).
		Order("created_at", false).
		Limit(limit)

	rows, err := query.Execute(ctx, r.exec, "attendance.recent", query.Rows[[]Row](q))
	if err != nil {
		return nil, err
	}

	now := r.now()
	items := make([]RecentItem, 0, len(rows))
	for _, row := range rows {
		items = append(items, Project(row, now, r.loc))
	}
	return items, nil
}

// FetchByID returns the single check-in id with its member joined.
func (r *Repository) FetchByID(ctx context.Context, id string) (RecentItem, error) {
	q := r.db.From(Table).
		Select(RecentColumns).
		Eq("id", id).
		Single()

	row, err := query.Execute(ctx, r.exec, "attendance.by_id", query.Rows[Row](q))
	if err != nil {
		return RecentItem{}, err
	}
	if row.ID == "" {
		return RecentItem{}, fmt.Errorf("check-in %s: empty row", id)
	}
	return Project(row, r.now(), r.loc), nil
}
