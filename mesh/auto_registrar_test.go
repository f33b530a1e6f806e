package mesh

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwv/driftmesh/pointcloud"
)

func newTestRegistrar(t *testing.T, config *Config) (*AutoRegistrar, *StateTracker, *MockClient, *Metrics) {
	t.Helper()
	mock := NewMockClient()
	mock.SetConnected(true)
	st := NewStateTracker()
	m := NewMetrics()
	ar := NewAutoRegistrar(context.Background(), config, st, NewPublisher(mock, "lab", nil), m, nil)
	return ar, st, mock, m
}

func TestAutoRegistrar_RunsWhenBothCloudsArrive(t *testing.T) {
	ar, st, mock, m := newTestRegistrar(t, cubeConfig())

	ar.OnCloud("cube", RoleSource, unitCube(), nil)
	_, ok := st.GetResult("cube")
	assert.False(t, ok, "no run with only the source")

	ar.OnCloud("cube", RoleTarget, scaledCube(), nil)
	r, ok := st.GetResult("cube")
	require.True(t, ok, "run expected once both clouds are present")
	require.NotNil(t, r.Rigid)
	assert.InDelta(t, 2.0, r.Rigid.Scale, 1e-2)
	assert.False(t, st.IsStale("cube"))

	assert.Len(t, mock.PublishedOn("lab/cube"), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ingested.WithLabelValues("cube", "source")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("cube", "converged")))
}

func TestAutoRegistrar_DropsBadClouds(t *testing.T) {
	ar, st, _, m := newTestRegistrar(t, cubeConfig())

	ar.OnCloud("cube", RoleSource, nil, errors.New("decode failed"))
	ar.OnCloud("cube", RoleSource, pointcloud.New(nil), nil)

	assert.False(t, st.IsStale("cube"), "rejected clouds must not reach the tracker")
	assert.Equal(t, 0, testutil.CollectAndCount(m.ingested))
}

func TestAutoRegistrar_Debounce(t *testing.T) {
	ar, st, mock, _ := newTestRegistrar(t, cubeConfig())

	ar.OnCloud("cube", RoleSource, unitCube(), nil)
	ar.OnCloud("cube", RoleTarget, scaledCube(), nil)
	first, _ := st.GetResult("cube")

	// Within the debounce interval the new cloud is stored but not run.
	ar.OnCloud("cube", RoleTarget, scaledCube(), nil)
	second, _ := st.GetResult("cube")
	assert.Equal(t, first.RunID, second.RunID)
	assert.True(t, st.IsStale("cube"))
	assert.Len(t, mock.PublishedOn("lab/cube"), 1)

	ar.SetMinInterval(0)
	ar.RunStale()
	third, _ := st.GetResult("cube")
	assert.NotEqual(t, first.RunID, third.RunID)
	assert.False(t, st.IsStale("cube"))
}

func TestAutoRegistrar_RunErrors(t *testing.T) {
	ar, _, _, m := newTestRegistrar(t, cubeConfig())

	_, err := ar.Run(context.Background(), "ghost")
	assert.Error(t, err)

	_, err = ar.Run(context.Background(), "cube")
	assert.Error(t, err, "no clouds yet")

	ar.tracker.UpdateCloud("cube", RoleSource, unitCube())
	ar.tracker.UpdateCloud("cube", RoleTarget, scaledCube())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = ar.Run(ctx, "cube")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("cube", "error")))
}

func TestAutoRegistrar_RunNow(t *testing.T) {
	ar, st, mock, _ := newTestRegistrar(t, cubeConfig())
	st.UpdateCloud("cube", RoleSource, unitCube())
	st.UpdateCloud("cube", RoleTarget, scaledCube())

	// A run already in progress is reported, not joined.
	ar.mu.Lock()
	ar.running["cube"] = true
	ar.mu.Unlock()
	_, err := ar.RunNow(context.Background(), "cube")
	require.ErrorIs(t, err, ErrJobRunning)
	_, ok := st.GetResult("cube")
	assert.False(t, ok)

	ar.mu.Lock()
	ar.running["cube"] = false
	ar.mu.Unlock()

	first, err := ar.RunNow(context.Background(), "cube")
	require.NoError(t, err)
	stored, ok := st.GetResult("cube")
	require.True(t, ok)
	assert.Equal(t, first.RunID, stored.RunID)

	ar.mu.Lock()
	assert.False(t, ar.running["cube"], "guard released after the run")
	assert.False(t, ar.lastRun["cube"].IsZero())
	ar.mu.Unlock()

	// The debounce interval applies to triggers only.
	second, err := ar.RunNow(context.Background(), "cube")
	require.NoError(t, err)
	assert.NotEqual(t, first.RunID, second.RunID)
	assert.Len(t, mock.PublishedOn("lab/cube"), 2)
}

func TestAutoRegistrar_StaleRunIsNotPublished(t *testing.T) {
	ar, st, mock, _ := newTestRegistrar(t, cubeConfig())
	st.UpdateCloud("cube", RoleSource, unitCube())
	st.UpdateCloud("cube", RoleTarget, scaledCube())

	// A newer result is already stored when this run finishes.
	require.True(t, st.SetResult(&JobResult{JobID: "cube", RunID: "newer"}, 100))

	_, err := ar.RunNow(context.Background(), "cube")
	require.NoError(t, err)
	r, _ := st.GetResult("cube")
	assert.Equal(t, "newer", r.RunID)
	assert.Empty(t, mock.PublishedOn("lab/cube"))
}

func TestAutoRegistrar_FetchClouds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/source.xyz":
			_ = pointcloud.WriteXYZ(w, unitCube())
		case "/target.json":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"points":[[1,1,1],[3,1,1],[1,3,1],[3,3,1],[1,1,3],[3,1,3],[1,3,3],[3,3,3]]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	config := &Config{
		Registration: RegistrationConfig{MaxIterations: 100, Tolerance: 1e-6},
		Jobs: []JobConfig{
			{ID: "cube", SourceURL: stringPtr(srv.URL + "/source.xyz"), TargetURL: stringPtr(srv.URL + "/target.json")},
			{ID: "broken", SourceURL: stringPtr(srv.URL + "/missing"), TargetTopic: "broken/target"},
		},
	}
	ar, st, _, _ := newTestRegistrar(t, config)

	errs := ar.FetchClouds(context.Background(),
		pointcloud.WithMaxRetries(1),
		pointcloud.WithBaseBackoff(time.Millisecond),
		pointcloud.WithTimeout(2*time.Second))
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "broken")

	src, tgt, _, ok := st.Clouds("cube")
	require.True(t, ok)
	assert.Equal(t, 8, src.Len())
	assert.Equal(t, 8, tgt.Len())

	ar.RunStale()
	r, ok := st.GetResult("cube")
	require.True(t, ok)
	assert.Less(t, r.MeanError, 1e-2)
}
