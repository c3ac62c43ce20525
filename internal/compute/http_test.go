package compute

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/hone/internal/optimize"
	"github.com/dyluth/hone/pkg/experiment"
)

func testExperiment() *experiment.Experiment {
	return &experiment.Experiment{
		ID:   1,
		Name: "compute",
		Type: experiment.TypeOffline,
		Parameters: []experiment.Parameter{
			{Name: "x", Type: experiment.ParameterTypeDouble, Bounds: &experiment.Bounds{Min: -1, Max: 1}},
			{Name: "n", Type: experiment.ParameterTypeInt, Bounds: &experiment.Bounds{Min: 1, Max: 4}},
		},
	}
}

func newServer(t *testing.T, handler http.HandlerFunc) *HTTPAdapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	a, err := NewHTTPAdapter(srv.URL+"/", HTTPOptions{RequestsPerSecond: -1})
	require.NoError(t, err)
	return a
}

func TestHTTPAdapter_Endpoints(t *testing.T) {
	var paths []string
	a := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		switch r.URL.Path {
		case "/next-points":
			var req optimize.NextPointsRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, optimize.MethodGP, req.Method)
			assert.Equal(t, 2, req.Count)
			w.Write([]byte(`{"candidates":[{"assignments":{"x":0.5,"n":2}},{"assignments":{"x":-0.5,"n":1}}]}`))
		case "/rank":
			w.Write([]byte(`{"order":[1,0]}`))
		case "/hyperparameters":
			w.Write([]byte(`{"hyperparameters":{"noise":0.1}}`))
		case "/importances":
			w.Write([]byte(`{"importances":{"x":0.7,"n":0.3}}`))
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()
	exp := testExperiment()

	candidates, err := a.NextPoints(ctx, optimize.NextPointsRequest{Method: optimize.MethodGP, Experiment: exp, Count: 2})
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, 0.5, candidates[0].Assignments["x"])

	order, err := a.Rank(ctx, optimize.RankRequest{Experiment: exp, Candidates: []experiment.Assignments{{"x": 0.1}, {"x": 0.2}}})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 0}, order)

	blob, err := a.Hyperparameters(ctx, optimize.HyperparametersRequest{Experiment: exp})
	require.NoError(t, err)
	assert.JSONEq(t, `{"noise":0.1}`, string(blob))

	imp, err := a.Importances(ctx, optimize.ImportancesRequest{Experiment: exp})
	require.NoError(t, err)
	assert.Equal(t, 0.7, imp["x"])

	assert.Equal(t, []string{"/next-points", "/rank", "/hyperparameters", "/importances"}, paths)
}

func TestHTTPAdapter_Errors(t *testing.T) {
	t.Run("status error carries the body", func(t *testing.T) {
		a := newServer(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "model not fitted", http.StatusUnprocessableEntity)
		})
		_, err := a.Rank(context.Background(), optimize.RankRequest{Experiment: testExperiment()})
		var status *StatusError
		require.ErrorAs(t, err, &status)
		assert.Equal(t, http.StatusUnprocessableEntity, status.StatusCode)
		assert.Equal(t, "model not fitted", status.Body)
	})

	t.Run("deadline is a timeout", func(t *testing.T) {
		a := newServer(t, func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(time.Second):
			}
		})
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := a.NextPoints(ctx, optimize.NextPointsRequest{Experiment: testExperiment(), Count: 1})
		require.Error(t, err)
		assert.True(t, optimize.IsTimeout(err))
	})

	t.Run("bad json", func(t *testing.T) {
		a := newServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"order":`))
		})
		_, err := a.Rank(context.Background(), optimize.RankRequest{Experiment: testExperiment()})
		assert.ErrorContains(t, err, "decode")
	})

	t.Run("empty base url", func(t *testing.T) {
		_, err := NewHTTPAdapter("", HTTPOptions{})
		assert.Error(t, err)
	})
}

func TestHTTPAdapter_Throttled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"order":[]}`))
	}))
	t.Cleanup(srv.Close)
	a, err := NewHTTPAdapter(srv.URL, HTTPOptions{RequestsPerSecond: 0.5})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = a.Rank(ctx, optimize.RankRequest{Experiment: testExperiment()})
	require.NoError(t, err, "first call uses the burst")

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = a.Rank(short, optimize.RankRequest{Experiment: testExperiment()})
	assert.ErrorContains(t, err, "throttled")
}
