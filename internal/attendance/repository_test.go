package attendance

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gymdesk/frontdesk/internal/query"
	"github.com/gymdesk/frontdesk/pkg/testutil"
	"github.com/gymdesk/frontdesk/supabase/client"
)

func newTestRepository(t *testing.T, handler http.HandlerFunc) *Repository {
	t.Helper()
	c := testutil.NewSupabaseClient(t, handler)

	exec := query.NewExecutor(nil, query.Config{
		Policy:  query.Policy{Retries: 1, Delay: time.Millisecond},
		Sleeper: query.SleeperFunc(testutil.NoSleep),
	})
	repo := NewRepository(c, exec, time.UTC)
	repo.now = testutil.FixedClock(time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC))
	return repo
}

func TestRepository_FetchRecent(t *testing.T) {
	repo := newTestRepository(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/v1/attendance", r.URL.Path)
		assert.Equal(t, RecentColumns, r.URL.Query().Get("select"))
		assert.Equal(t, "created_at.desc", r.URL.Query().Get("order"))
		assert.Equal(t, "2", r.URL.Query().Get("limit"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"id":2,"member_id":"m2","created_at":"2026-10-18T11:30:00Z","acceso_permitido":false,"members":null},
			{"id":1,"member_id":"m1","created_at":"2026-10-18T09:00:00Z","acceso_permitido":true,"members":{"nombre":"Ana","apellido":"García","dni":"30111222"}}
		]`))
	})

	got, err := repo.FetchRecent(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, RecentItem{
		ID: "2", MemberID: "m2", Name: UnknownMember, DNI: "-",
		Time: "11:30", Status: StatusExpired, StatusLabel: StatusLabelExpired,
	}, got[0])
	assert.Equal(t, "Ana García", got[1].Name)
	assert.Equal(t, StatusLabelActive, got[1].StatusLabel)
}

func TestRepository_FetchByID(t *testing.T) {
	repo := newTestRepository(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "eq.42", r.URL.Query().Get("id"))
		assert.Equal(t, "application/vnd.pgrst.object+json", r.Header.Get("Accept"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":42,"member_id":"m9","created_at":"2026-10-17T08:00:00Z","acceso_permitido":true,"members":{"nombre":"Luis","apellido":"Pérez","dni":28999111}}`))
	})

	got, err := repo.FetchByID(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, RecentItem{
		ID: "42", MemberID: "m9", Name: "Luis Pérez", DNI: "28999111",
		Time: "17/10 08:00", Status: StatusActive, StatusLabel: StatusLabelActive,
	}, got)
}

func TestRepository_FetchByIDRetriesThenFails(t *testing.T) {
	calls := 0
	repo := newTestRepository(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotAcceptable)
		_, _ = w.Write([]byte(`{"code":"PGRST116","message":"JSON object requested, multiple (or no) rows returned"}`))
	})

	_, err := repo.FetchByID(context.Background(), "404")
	require.Error(t, err)
	assert.Equal(t, 2, calls)

	var qerr *query.QueryError
	require.True(t, errors.As(err, &qerr))
	var apiErr *client.Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "PGRST116", apiErr.Code)
}
