package query

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gymdesk/frontdesk/supabase/client"
)

// Rows builds a descriptor that runs q and decodes the JSON body into T.
// T is a slice for multi-row queries and a struct or map for Single.
func Rows[T any](q *client.QueryBuilder) Descriptor[T] {
	return func(ctx context.Context) Result[T] {
		var out Result[T]

		resp, err := q.Execute(ctx)
		if err != nil {
			out.Err = err
			return out
		}
		if err := resp.Error(); err != nil {
			out.Err = err
			return out
		}
		if n, ok := resp.ContentRangeCount(); ok {
			out.Count = &n
		}
		if len(resp.Body) == 0 || resp.StatusCode == http.StatusNoContent {
			return out
		}
		if err := resp.JSON(&out.Data); err != nil {
			out.Err = fmt.Errorf("decode %s: %w", q.URL(), err)
		}
		return out
	}
}

// Counted builds a count-only descriptor (HEAD with count=exact) for q.
func Counted(q *client.QueryBuilder) Descriptor[struct{}] {
	q.Count("exact").Head()
	return func(ctx context.Context) Result[struct{}] {
		var out Result[struct{}]

		resp, err := q.Execute(ctx)
		if err != nil {
			out.Err = err
			return out
		}
		if err := resp.Error(); err != nil {
			out.Err = err
			return out
		}
		if n, ok := resp.ContentRangeCount(); ok {
			out.Count = &n
		}
		return out
	}
}
