package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gymdesk/frontdesk/internal/attendance"
	"github.com/gymdesk/frontdesk/internal/guard"
	"github.com/gymdesk/frontdesk/internal/metrics"
	"github.com/gymdesk/frontdesk/internal/realtime"
	"github.com/gymdesk/frontdesk/internal/stats"
	"github.com/gymdesk/frontdesk/supabase/client"
)

type fakeCheckIns struct {
	mu        sync.Mutex
	state     attendance.State
	loadErr   error
	lastLimit int
	lastReqID string
	watchers  []chan attendance.State
	cancelled int
}

func (f *fakeCheckIns) LoadRecentCheckIns(ctx context.Context, limit int) (attendance.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastLimit = limit
	f.lastReqID = client.GetRequestID(ctx)
	if f.loadErr != nil {
		return attendance.State{Error: f.loadErr.Error()}, f.loadErr
	}
	return f.state, nil
}

func (f *fakeCheckIns) State() attendance.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeCheckIns) Watch() (<-chan attendance.State, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan attendance.State, 4)
	ch <- f.state
	f.watchers = append(f.watchers, ch)
	return ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.cancelled++
	}
}

func (f *fakeCheckIns) push(st attendance.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = st
	for _, ch := range f.watchers {
		ch <- st
	}
}

type fakeStats struct {
	snap     stats.Snapshot
	triggers int
}

func (f *fakeStats) Current() stats.Snapshot { return f.snap }
func (f *fakeStats) Trigger()                { f.triggers++ }

func sampleState() attendance.State {
	return attendance.State{Items: []attendance.RecentItem{
		{ID: "2", Name: "Ana García", DNI: "30111222", Time: "10:05", Status: "activo", StatusLabel: "Al día"},
		{ID: "1", Name: "Socio desconocido", DNI: "-", Time: "09:00", Status: "vencido", StatusLabel: "Vencido"},
	}}
}

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	srv := New(cfg)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return srv, ts
}

func TestRecent(t *testing.T) {
	checkins := &fakeCheckIns{state: sampleState()}
	_, ts := newTestServer(t, Config{CheckIns: checkins})

	resp, err := http.Get(ts.URL + "/api/checkins/recent")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(client.RequestIDHeader))

	var got attendance.State
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, sampleState(), got)
}

func TestReload(t *testing.T) {
	checkins := &fakeCheckIns{state: sampleState()}
	_, ts := newTestServer(t, Config{CheckIns: checkins, DefaultLimit: 5, ReloadPerMinute: 600})

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/checkins/reload?limit=3", nil)
	req.Header.Set(client.RequestIDHeader, "req-123")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "req-123", resp.Header.Get(client.RequestIDHeader))
	assert.Equal(t, 3, checkins.lastLimit)
	assert.Equal(t, "req-123", checkins.lastReqID, "request id reaches the Supabase calls")

	resp, err = http.Post(ts.URL+"/api/checkins/reload", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 5, checkins.lastLimit)

	// Capped at the live list length.
	resp, err = http.Post(ts.URL+"/api/checkins/reload?limit=5000", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 5, checkins.lastLimit)

	resp, err = http.Post(ts.URL+"/api/checkins/reload?limit=abc", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestReload_FailureReturnsState(t *testing.T) {
	checkins := &fakeCheckIns{loadErr: errors.New("query attendance.recent failed after 4 attempts")}
	_, ts := newTestServer(t, Config{CheckIns: checkins, ReloadPerMinute: 600})

	resp, err := http.Post(ts.URL+"/api/checkins/reload", "", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	var got attendance.State
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Empty(t, got.Items)
	assert.Contains(t, got.Error, "after 4 attempts")
}

// slowFetcher serves one list immediately, then holds the next FetchRecent
// until release is closed or its context ends.
type slowFetcher struct {
	calls   int32
	entered chan struct{}
	release chan struct{}
	ctxErr  chan error
}

func (f *slowFetcher) FetchRecent(ctx context.Context, limit int) ([]attendance.RecentItem, error) {
	if atomic.AddInt32(&f.calls, 1) == 1 {
		return sampleState().Items, nil
	}
	close(f.entered)
	select {
	case <-f.release:
		f.ctxErr <- ctx.Err()
		return append([]attendance.RecentItem{{ID: "3", Name: "Luis Pérez"}}, sampleState().Items...), nil
	case <-ctx.Done():
		f.ctxErr <- ctx.Err()
		return nil, ctx.Err()
	}
}

func (f *slowFetcher) FetchByID(ctx context.Context, id string) (attendance.RecentItem, error) {
	return attendance.RecentItem{}, errors.New("not used")
}

func TestReload_ClientHangUpKeepsList(t *testing.T) {
	fetch := &slowFetcher{entered: make(chan struct{}), release: make(chan struct{}), ctxErr: make(chan error, 1)}
	feed := attendance.NewService(
		attendance.NewReconciler(fetch, attendance.ReconcilerConfig{}),
		realtime.NewHub(nil, realtime.Config{}),
		attendance.ServiceConfig{},
	)
	_, err := feed.LoadRecentCheckIns(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, feed.State().Items, 2)

	_, ts := newTestServer(t, Config{CheckIns: feed, ReloadPerMinute: 600})

	impatient := &http.Client{Timeout: 50 * time.Millisecond}
	_, err = impatient.Post(ts.URL+"/api/checkins/reload", "", nil)
	require.Error(t, err)
	<-fetch.entered

	// Let the server notice the dropped connection.
	time.Sleep(50 * time.Millisecond)
	st := feed.State()
	assert.Len(t, st.Items, 2)
	assert.Empty(t, st.Error)

	close(fetch.release)
	require.NoError(t, <-fetch.ctxErr, "reload context must outlive the request")
	require.Eventually(t, func() bool {
		st := feed.State()
		return len(st.Items) == 3 && st.Error == "" && !st.Loading
	}, time.Second, 5*time.Millisecond)
}

func TestReload_RateLimited(t *testing.T) {
	_, ts := newTestServer(t, Config{CheckIns: &fakeCheckIns{}, ReloadPerMinute: 1})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		resp, err := http.Post(ts.URL+"/api/checkins/reload", "", nil)
		require.NoError(t, err)
		resp.Body.Close()
		codes = append(codes, resp.StatusCode)
		if resp.StatusCode == http.StatusTooManyRequests {
			assert.Equal(t, "60", resp.Header.Get("Retry-After"))
		}
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestStats(t *testing.T) {
	fs := &fakeStats{snap: stats.Snapshot{Stats: stats.Stats{TotalMembers: 12, TodayAttendance: 7}}}
	_, ts := newTestServer(t, Config{CheckIns: &fakeCheckIns{}, Stats: fs})

	resp, err := http.Get(ts.URL + "/api/stats?refresh=1")
	require.NoError(t, err)
	defer resp.Body.Close()

	var got stats.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, int64(12), got.Stats.TotalMembers)
	assert.Equal(t, int64(7), got.Stats.TodayAttendance)
	assert.Equal(t, 1, fs.triggers)
}

func TestHealthAndMetrics(t *testing.T) {
	collector := metrics.NewCollector("test")
	reach := guard.NewStaticReachability(false)
	_, ts := newTestServer(t, Config{
		CheckIns:       &fakeCheckIns{},
		Reachability:   reach,
		Metrics:        collector,
		MetricsHandler: collector.Handler(),
	})

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	var health map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, false, health["online"])

	// The request is recorded after its response is flushed.
	require.Eventually(t, func() bool {
		resp, err := http.Get(ts.URL + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return false
		}
		return strings.Contains(string(body), `test_http_requests_total{method="GET",route="/healthz",status="200"} 1`)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCORSPreflight(t *testing.T) {
	_, ts := newTestServer(t, Config{
		CheckIns:        &fakeCheckIns{},
		AllowedOrigins:  []string{"https://desk.gym.test"},
		ReloadPerMinute: 600,
	})

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/api/checkins/reload", nil)
	req.Header.Set("Origin", "https://desk.gym.test")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://desk.gym.test", resp.Header.Get("Access-Control-Allow-Origin"))

	req, _ = http.NewRequest(http.MethodGet, ts.URL+"/api/checkins/recent", nil)
	req.Header.Set("Origin", "https://evil.test")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestCheckinsSocket(t *testing.T) {
	checkins := &fakeCheckIns{state: sampleState()}
	srv, ts := newTestServer(t, Config{CheckIns: checkins})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/checkins"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first Envelope
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, EventCheckInsState, first.Type)
	assert.Len(t, first.Data.Items, 2)

	next := sampleState()
	next.Items = append([]attendance.RecentItem{{ID: "3", Name: "Luis Pérez"}}, next.Items[:1]...)
	checkins.push(next)

	var second Envelope
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, []string{"3", "2"}, []string{second.Data.Items[0].ID, second.Data.Items[1].ID})

	srv.Close()
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)

	checkins.mu.Lock()
	defer checkins.mu.Unlock()
	assert.Equal(t, 1, checkins.cancelled)
}

func TestCheckinsSocket_RejectsForeignOrigin(t *testing.T) {
	_, ts := newTestServer(t, Config{CheckIns: &fakeCheckIns{}, AllowedOrigins: []string{"https://desk.gym.test"}})

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/checkins"
	header := http.Header{"Origin": []string{"https://evil.test"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
