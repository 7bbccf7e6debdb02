package realtime

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/gymdesk/frontdesk/supabase/client"
)

// SupabaseSource binds streams to postgres_changes on one table.
type SupabaseSource struct {
	rt     *client.RealtimeClient
	schema string
	table  string
	event  string
	now    func() time.Time
}

// NewSupabaseSource listens for INSERTs on schema.table.
func NewSupabaseSource(rt *client.RealtimeClient, schema, table string) *SupabaseSource {
	if schema == "" {
		schema = "public"
	}
	return &SupabaseSource{
		rt:     rt,
		schema: schema,
		table:  table,
		event:  "INSERT",
		now:    time.Now,
	}
}

// Listen implements Source. The stream id is the channel name.
func (s *SupabaseSource) Listen(ctx context.Context, streamID string, emit func(FeedEvent)) (func() error, error) {
	cfg := client.PostgresChangesConfig{
		Event:  s.event,
		Schema: s.schema,
		Table:  s.table,
	}

	ch, err := s.rt.SubscribeToPostgresChanges(ctx, streamID, cfg, func(ev *client.RealtimeEvent) {
		id := ev.RecordID
		if id == "" {
			id = RecordID(ev.Record)
		}
		emit(FeedEvent{
			ID:         id,
			Stream:     streamID,
			Payload:    ev.Record,
			ReceivedAt: s.now(),
		})
	})
	if err != nil {
		return nil, err
	}

	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return ch.Unsubscribe(ctx)
	}, nil
}

// RecordID renders record["id"] as a string. JSON numbers decode as
// float64 and are printed without an exponent.
func RecordID(record map[string]any) string {
	switch v := record["id"].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}
