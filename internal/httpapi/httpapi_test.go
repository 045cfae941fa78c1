package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/runcore/core/internal/backfill"
	"github.com/runcore/core/internal/dispatcher"
	"github.com/runcore/core/internal/dlq"
	"github.com/runcore/core/internal/eventbus"
	"github.com/runcore/core/internal/executor"
	"github.com/runcore/core/internal/httpapi"
	"github.com/runcore/core/internal/model"
	"github.com/runcore/core/internal/qualitygate"
	"github.com/runcore/core/internal/registry"
	"github.com/runcore/core/internal/store/sqlite"
	"github.com/runcore/core/internal/watermark"
)

func newTestServer(t *testing.T) (*httptest.Server, *sqlite.Store) {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	reg := registry.New()
	require.NoError(t, reg.Register(model.KindTask, "echo", registry.HandlerFunc(func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return params, nil
	}), nil, false))

	bus := eventbus.NewInProcessBus(16)
	exec := executor.New(executor.DefaultConfig(), db, reg, bus, nil, zap.NewNop())
	exec.Start(context.Background())
	t.Cleanup(exec.Stop)

	disp := dispatcher.New(db, reg, exec, bus, nil, zap.NewNop())
	dlqSvc := dlq.New(db, db, disp, nil, zap.NewNop())

	gate, err := qualitygate.New(context.Background(), qualitygate.DefaultPolicy, zap.NewNop())
	require.NoError(t, err)
	watermarks := watermark.New(db, bus, zap.NewNop())
	backfills := backfill.New(db, bus, gate, zap.NewNop())

	srv := httpapi.New(disp, dlqSvc, watermarks, backfills, gate, db, zap.NewNop())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, db
}

func TestHealthEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSubmitAndGetRun(t *testing.T) {
	ts, _ := newTestServer(t)

	body, _ := json.Marshal(model.WorkSpec{Kind: model.KindTask, Name: "echo", Params: map[string]any{"x": 1}})
	resp, err := http.Post(ts.URL+"/runs/", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created httpapi.SuccessResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	data := created.Data.(map[string]any)
	runID := data["runId"].(string)
	require.NotEmpty(t, runID)

	resp2, err := http.Get(ts.URL + "/runs/" + runID)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestListRunsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/runs/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGetUnknownRunReturns404(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/runs/" + model.NewID().String())
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateAndMarkBackfillPlanDone(t *testing.T) {
	ts, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]any{
		"domain": "sec_filings", "source": "edgar", "reason": model.BackfillGap,
		"partitionKeys": []string{"10-K", "10-Q"}, "createdBy": "ops",
	})
	resp, err := http.Post(ts.URL+"/backfill-plans/", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created httpapi.SuccessResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	planID := created.Data.(map[string]any)["planId"].(string)

	startResp, err := http.Post(ts.URL+"/backfill-plans/"+planID+":start", "application/json", nil)
	require.NoError(t, err)
	defer startResp.Body.Close()
	assert.Equal(t, http.StatusOK, startResp.StatusCode)

	doneResp, err := http.Post(ts.URL+"/backfill-plans/"+planID+"/partitions/10-K:done", "application/json", nil)
	require.NoError(t, err)
	defer doneResp.Body.Close()
	assert.Equal(t, http.StatusOK, doneResp.StatusCode)
}

func TestWatermarkGapsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/watermarks/gaps?domain=sec_filings&source=edgar&expected=10-K&expected=10-Q")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
