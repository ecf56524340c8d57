package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/devghori1264/aerophoenix/bookd/internal/models"
	"github.com/devghori1264/aerophoenix/bookd/internal/server"
	"github.com/devghori1264/aerophoenix/bookd/internal/storage"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type env struct {
	srv *server.Server
	ts  *httptest.Server
}

func newEnv(t *testing.T) *env {
	t.Helper()
	return newEnvWith(t, server.Options{})
}

func newEnvWith(t *testing.T, opts server.Options) *env {
	t.Helper()
	srv, err := server.New(opts)
	require.NoError(t, err)
	ts := httptest.NewServer(NewHTTPHandler(srv, nil))
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, srv.Shutdown(ctx))
	})
	return &env{srv: srv, ts: ts}
}

func (e *env) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

func bookingPath(id int64, action string) string {
	return fmt.Sprintf("/booking/%d/%s", id, action)
}

func (e *env) wait(t *testing.T, id int64) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.ts.URL, "http") + bookingPath(id, "wait")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readResult(t *testing.T, conn *websocket.Conn) models.WaitResult {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var res models.WaitResult
	require.NoError(t, conn.ReadJSON(&res))
	return res
}

func decode[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v), string(raw))
	return v
}

func TestResourceRoutes(t *testing.T) {
	e := newEnv(t)

	code, body := e.do(t, http.MethodPost, "/resource", gin.H{"type": "gpu", "identifier": "gpu-1"})
	require.Equal(t, http.StatusCreated, code, string(body))
	res := decode[models.Resource](t, body)
	assert.Equal(t, "gpu-1", res.Identifier)
	assert.Nil(t, res.UsedBy)

	code, _ = e.do(t, http.MethodPost, "/resource", gin.H{"type": "gpu", "identifier": "gpu-1"})
	assert.Equal(t, http.StatusConflict, code)

	code, _ = e.do(t, http.MethodPost, "/resource", gin.H{"type": "gpu"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = e.do(t, http.MethodGet, "/resource/all", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decode[[]models.Resource](t, body), 1)

	code, _ = e.do(t, http.MethodGet, "/resource/gpu-1", nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = e.do(t, http.MethodGet, "/resource/nope", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestBookingLifecycleRoutes(t *testing.T) {
	e := newEnv(t)
	e.do(t, http.MethodPost, "/resource", gin.H{"type": "gpu", "identifier": "gpu-1"})

	code, body := e.do(t, http.MethodPost, "/booking", gin.H{"name": "ci", "resource": gin.H{"type": "gpu"}})
	require.Equal(t, http.StatusCreated, code, string(body))
	b := decode[models.Booking](t, body)
	assert.Equal(t, models.StatusOn, b.Status)

	code, body = e.do(t, http.MethodPost, "/booking", gin.H{"name": "ci", "resource": gin.H{"type": "gpu"}})
	require.Equal(t, http.StatusCreated, code)
	waiting := decode[models.Booking](t, body)
	assert.Equal(t, models.StatusWaiting, waiting.Status)

	code, body = e.do(t, http.MethodGet, "/booking/all", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decode[[]models.Booking](t, body), 2)

	code, body = e.do(t, http.MethodPost, bookingPath(b.ID, "cancel"), nil)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Contains(t, string(body), "did you mean finish?")

	code, body = e.do(t, http.MethodPost, bookingPath(waiting.ID, "finish"), nil)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Contains(t, string(body), "did you mean cancel?")

	code, _ = e.do(t, http.MethodPost, bookingPath(waiting.ID, "cancel"), nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = e.do(t, http.MethodPost, bookingPath(b.ID, "finish"), nil)
	assert.Equal(t, http.StatusOK, code)

	code, body = e.do(t, http.MethodPost, bookingPath(b.ID, "finish"), nil)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Contains(t, string(body), "already finished")
}

func TestBookingRouteErrors(t *testing.T) {
	e := newEnv(t)

	code, _ := e.do(t, http.MethodGet, "/booking/abc", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = e.do(t, http.MethodGet, "/booking/42", nil)
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = e.do(t, http.MethodPost, "/booking/42/cancel", nil)
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = e.do(t, http.MethodPost, "/booking", gin.H{"name": "ci", "resource": gin.H{"type": ""}})
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = e.do(t, http.MethodPost, "/booking", "not an object")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestWaitMessages(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	res := readResult(t, e.wait(t, 99))
	assert.Equal(t, models.WaitNoSuchBooking, res.Message)
	assert.Nil(t, res.Booking)

	cancelled, err := e.srv.CreateBooking(ctx, models.BookingRequest{Name: "a", Resource: models.RequestedResource{Type: "gpu"}})
	require.NoError(t, err)
	_, err = e.srv.CancelBooking(ctx, cancelled.ID)
	require.NoError(t, err)
	res = readResult(t, e.wait(t, cancelled.ID))
	assert.Equal(t, models.WaitAlreadyCancelled, res.Message)

	_, err = e.srv.RegisterResource(ctx, "gpu", "gpu-1")
	require.NoError(t, err)
	on, err := e.srv.CreateBooking(ctx, models.BookingRequest{Name: "b", Resource: models.RequestedResource{Type: "gpu"}})
	require.NoError(t, err)
	res = readResult(t, e.wait(t, on.ID))
	assert.Equal(t, models.WaitResourceIsYours, res.Message)
	assert.True(t, res.Acquired())

	_, err = e.srv.FinishBooking(ctx, on.ID)
	require.NoError(t, err)
	res = readResult(t, e.wait(t, on.ID))
	assert.Equal(t, models.WaitAlreadyFinished, res.Message)
}

func TestWaitBlocksUntilCancelled(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	b, err := e.srv.CreateBooking(ctx, models.BookingRequest{Name: "a", Resource: models.RequestedResource{Type: "gpu"}})
	require.NoError(t, err)
	conn := e.wait(t, b.ID)

	// The connection is already upgraded; cancelling now has to wake it.
	time.Sleep(20 * time.Millisecond)
	_, err = e.srv.CancelBooking(ctx, b.ID)
	require.NoError(t, err)

	res := readResult(t, conn)
	assert.Contains(t, []string{models.WaitCancelled, models.WaitAlreadyCancelled}, res.Message)
	require.NotNil(t, res.Booking)
	assert.Equal(t, models.StatusCancelled, res.Booking.Status)
}

func TestWaitBlocksUntilMatched(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	b, err := e.srv.CreateBooking(ctx, models.BookingRequest{Name: "a", Resource: models.RequestedResource{Type: "gpu"}})
	require.NoError(t, err)
	conn := e.wait(t, b.ID)
	_, err = e.srv.RegisterResource(ctx, "gpu", "gpu-1")
	require.NoError(t, err)

	res := readResult(t, conn)
	assert.Equal(t, models.WaitResourceIsYours, res.Message)
	require.NotNil(t, res.Booking.AssignedResource)
	assert.Equal(t, "gpu-1", *res.Booking.AssignedResource)
}

func TestDebugStateAndHealth(t *testing.T) {
	e := newEnv(t)
	e.do(t, http.MethodPost, "/resource", gin.H{"type": "gpu", "identifier": "gpu-1"})

	code, _ := e.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, code)

	code, body := e.do(t, http.MethodGet, "/debug/state", nil)
	require.Equal(t, http.StatusOK, code)
	snap := decode[storage.Snapshot](t, body)
	assert.Len(t, snap.Resources, 1)
	assert.Equal(t, int64(0), snap.NextBookingID)
}

func TestSnapshotHistory(t *testing.T) {
	store, err := storage.NewBadgerStore(storage.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	clk := clocktesting.NewFakeClock(time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC))
	e := newEnvWith(t, server.Options{Store: store, Clock: clk})
	ctx := context.Background()

	e.srv.Reconcile(ctx)
	_, err = e.srv.RegisterResource(ctx, "gpu", "gpu-1")
	require.NoError(t, err)
	clk.Step(time.Minute)
	e.srv.Reconcile(ctx)

	code, body := e.do(t, http.MethodGet, "/debug/state/history", nil)
	require.Equal(t, http.StatusOK, code)
	list := decode[[]storage.Snapshot](t, body)
	require.Len(t, list, 2)
	assert.Len(t, list[0].Resources, 1, "newest first")
	assert.Empty(t, list[1].Resources)

	code, body = e.do(t, http.MethodGet, "/debug/state/history?limit=1", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decode[[]storage.Snapshot](t, body), 1)

	code, _ = e.do(t, http.MethodGet, "/debug/state/history?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestSnapshotHistoryWithoutStore(t *testing.T) {
	e := newEnv(t)
	code, body := e.do(t, http.MethodGet, "/debug/state/history", nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, "[]", string(body))
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	srv, err := server.New(server.Options{Registerer: reg})
	require.NoError(t, err)
	_, err = srv.RegisterResource(context.Background(), "gpu", "gpu-1")
	require.NoError(t, err)

	mux := http.NewServeMux()
	RegisterMetrics(mux, reg)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `bookd_resources{state="free"} 1`)
	assert.Contains(t, rec.Body.String(), `bookd_events_total{kind="resource.registered"} 1`)
}
