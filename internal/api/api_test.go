package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/SirClappington/gatehouse/internal/access"
	"github.com/SirClappington/gatehouse/internal/i18n"
	"github.com/SirClappington/gatehouse/internal/policy"
	"github.com/SirClappington/gatehouse/internal/policy/policytest"
	"github.com/SirClappington/gatehouse/internal/queue"
	"github.com/SirClappington/gatehouse/internal/registry"
	"github.com/SirClappington/gatehouse/internal/schedule"
	mrd "github.com/alicebob/miniredis/v2"
	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type harness struct {
	t     *testing.T
	h     http.Handler
	reg   *registry.Registry
	perm  *policy.Engine
	root  string
	staff string
}

type response struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Success bool            `json:"success"`
	Detail  string          `json:"detail"`
}

func newHarness(t *testing.T, mutate ...func(*Deps)) *harness {
	t.Helper()
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	reg := registry.New(rdb, registry.WithQueueOptions(
		queue.WithPromoteInterval(10*time.Millisecond),
		queue.WithIdleSleep(5*time.Millisecond),
	))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = reg.StopAll(ctx)
	})
	reg.EnsurePresets()

	perm, err := policy.New(&policytest.Store{})
	require.NoError(t, err)
	_, err = perm.Seed(context.Background())
	require.NoError(t, err)

	tokens := access.NewTokens("test-key")
	root, err := tokens.Issue(access.Identity{User: "root"}, time.Hour)
	require.NoError(t, err)
	staff, err := tokens.Issue(access.Identity{User: "u1002", Domain: "hotelA", Region: "CN", Level: "20"}, time.Hour)
	require.NoError(t, err)

	d := Deps{
		Registry: reg,
		Scheduler: schedule.New(func(ctx context.Context, j registry.ScheduledJob) (string, error) {
			return reg.SubmitScheduled(ctx, j)
		}, nil),
		Policy:      perm,
		Tokens:      tokens,
		I18n:        i18n.New("en"),
		RequireAuth: true,
	}
	for _, m := range mutate {
		m(&d)
	}
	return &harness{t: t, h: New(d).Routes(), reg: reg, perm: perm, root: root, staff: staff}
}

func (h *harness) do(method, path, token string, body any, header ...string) (int, response) {
	h.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		b, err := sonic.Marshal(body)
		require.NoError(h.t, err)
		buf.Write(b)
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.h.ServeHTTP(rec, req)

	var resp response
	require.NoError(h.t, sonic.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return rec.Code, resp
}

func decodeData[T any](t *testing.T, r response) T {
	t.Helper()
	var v T
	require.NoError(t, sonic.Unmarshal(r.Data, &v))
	return v
}

func TestHealthz(t *testing.T) {
	h := newHarness(t)
	code, resp := h.do(http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, code)
	require.True(t, resp.Success)

	down := newHarness(t, func(d *Deps) {
		d.Ready = func(context.Context) error { return errors.New("redis down") }
	})
	code, resp = down.do(http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, "SERVICE_UNAVAILABLE", resp.Code)
	require.False(t, resp.Success)
}

func TestQueueLifecycle(t *testing.T) {
	h := newHarness(t)

	code, _ := h.do(http.MethodPost, "/api/queue/reports", h.root, map[string]any{"maxAttempts": 5, "retryDelay": 1000})
	require.Equal(t, http.StatusOK, code)
	code, resp := h.do(http.MethodPost, "/api/queue/reports", h.root, nil)
	require.Equal(t, http.StatusConflict, code)
	require.Equal(t, "QUEUE_EXISTS", resp.Code)

	code, resp = h.do(http.MethodPost, "/api/queue/reports/jobs", h.root, map[string]any{
		"data": map[string]any{"report": "daily"}, "priority": 5,
	})
	require.Equal(t, http.StatusOK, code, resp.Message)
	id := decodeData[map[string]string](t, resp)["jobId"]
	require.NotEmpty(t, id)

	code, resp = h.do(http.MethodGet, "/api/queue/reports/jobs/"+id, h.root, nil)
	require.Equal(t, http.StatusOK, code)
	job := decodeData[struct {
		Data        map[string]string `json:"data"`
		Priority    int               `json:"priority"`
		MaxAttempts int               `json:"maxAttempts"`
	}](t, resp)
	require.Equal(t, "daily", job.Data["report"])
	require.Equal(t, 5, job.Priority)
	require.Equal(t, 5, job.MaxAttempts)

	code, resp = h.do(http.MethodPost, "/api/queue/reports/jobs/batch", h.root, map[string]any{
		"jobs": []map[string]any{{"data": 1}, {"data": 2}, {"data": 3, "delay": 60000}},
	})
	require.Equal(t, http.StatusOK, code)
	ids := decodeData[struct {
		JobIDs []string `json:"jobIds"`
	}](t, resp).JobIDs
	require.Len(t, ids, 3)
	require.NotEqual(t, ids[0], ids[1])
	require.NotEqual(t, ids[1], ids[2])

	code, resp = h.do(http.MethodGet, "/api/queue/reports/stats", h.root, nil)
	require.Equal(t, http.StatusOK, code)
	st := decodeData[struct {
		Stats queue.Stats `json:"stats"`
	}](t, resp).Stats
	require.Equal(t, int64(3), st.Waiting)
	require.Equal(t, int64(1), st.Delayed)

	for range 2 {
		code, _ = h.do(http.MethodDelete, "/api/queue/reports/jobs/"+id, h.root, nil)
		require.Equal(t, http.StatusOK, code)
	}
	code, resp = h.do(http.MethodGet, "/api/queue/reports/jobs/"+id, h.root, nil)
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, "JOB_NOT_FOUND", resp.Code)

	code, resp = h.do(http.MethodDelete, "/api/queue/reports/clear", h.root, nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, float64(3), decodeData[map[string]any](t, resp)["removedCount"])

	code, _ = h.do(http.MethodDelete, "/api/queue/reports", h.root, nil)
	require.Equal(t, http.StatusOK, code)
	_, ok := h.reg.Get("reports")
	require.False(t, ok)
}

func TestQueueErrors(t *testing.T) {
	h := newHarness(t)

	code, resp := h.do(http.MethodPost, "/api/queue/nope/jobs", h.root, map[string]any{"data": 1})
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, "QUEUE_NOT_FOUND", resp.Code)
	require.Equal(t, "Queue nope not found", resp.Message)

	code, resp = h.do(http.MethodPost, "/api/queue/email/jobs", h.root, map[string]any{"priority": 1})
	require.Equal(t, http.StatusUnprocessableEntity, code)
	require.Equal(t, "DATA_REQUIRED", resp.Code)

	code, resp = h.do(http.MethodPost, "/api/queue/email/jobs", h.root, map[string]any{"data": 1, "delay": -5})
	require.Equal(t, http.StatusUnprocessableEntity, code)
	require.Equal(t, "INVALID_DELAY", resp.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/queue/email/jobs", bytes.NewBufferString("{not json"))
	req.Header.Set("Authorization", "Bearer "+h.root)
	rec := httptest.NewRecorder()
	h.h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQueueAuth(t *testing.T) {
	h := newHarness(t)

	code, resp := h.do(http.MethodGet, "/api/queues/stats", "", nil)
	require.Equal(t, http.StatusUnauthorized, code)
	require.Equal(t, "UNAUTHORIZED", resp.Code)

	code, resp = h.do(http.MethodGet, "/api/queues/stats", h.staff, nil)
	require.Equal(t, http.StatusForbidden, code)
	require.Equal(t, "FORBIDDEN", resp.Code)

	code, resp = h.do(http.MethodGet, "/api/queues/stats", h.root, nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, float64(5), decodeData[map[string]any](t, resp)["total"])

	open := newHarness(t, func(d *Deps) { d.RequireAuth = false })
	code, _ = open.do(http.MethodGet, "/api/queues/stats", "", nil)
	require.Equal(t, http.StatusOK, code)
}

func TestStartStop(t *testing.T) {
	h := newHarness(t)
	code, _ := h.do(http.MethodPost, "/api/queue/reports", h.root, nil)
	require.Equal(t, http.StatusOK, code)

	code, resp := h.do(http.MethodPost, "/api/queue/reports/start", h.root, map[string]any{"processorName": "nope"})
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, "PROCESSOR_NOT_FOUND", resp.Code)
	require.Equal(t, "Processor nope not found", resp.Message)

	code, resp = h.do(http.MethodPost, "/api/queue/reports/start", h.root, map[string]any{
		"processorName": "processData", "options": map[string]any{"retry": false, "timeout": 1000},
	})
	require.Equal(t, http.StatusOK, code, resp.Message)

	code, resp = h.do(http.MethodPost, "/api/queue/reports/start", h.root, map[string]any{"processorName": "processData"})
	require.Equal(t, http.StatusConflict, code)
	require.Equal(t, "ALREADY_PROCESSING", resp.Code)

	code, _ = h.do(http.MethodPost, "/api/queue/reports/jobs", h.root, map[string]any{
		"data": map[string]any{"type": "import", "data": map[string]any{"rows": 3}},
	})
	require.Equal(t, http.StatusOK, code)
	require.Eventually(t, func() bool {
		_, resp := h.do(http.MethodGet, "/api/queue/reports/stats", h.root, nil)
		return decodeData[struct {
			Stats queue.Stats `json:"stats"`
		}](t, resp).Stats.Completed == 1
	}, 2*time.Second, 10*time.Millisecond)

	code, _ = h.do(http.MethodPost, "/api/queue/reports/stop", h.root, nil)
	require.Equal(t, http.StatusOK, code)
	q, _ := h.reg.Get("reports")
	require.False(t, q.Processing())
}

func TestFactory(t *testing.T) {
	h := newHarness(t)

	code, resp := h.do(http.MethodPost, "/api/queue-factory/email", h.root, map[string]any{
		"to": "a@example.com", "subject": "hi", "content": "body", "priority": 4,
	})
	require.Equal(t, http.StatusOK, code, resp.Message)
	id := decodeData[map[string]string](t, resp)["jobId"]
	j, err := h.reg.Email().GetJob(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, 4, j.Priority)

	code, resp = h.do(http.MethodPost, "/api/queue-factory/email", h.root, map[string]any{"subject": "hi"})
	require.Equal(t, http.StatusUnprocessableEntity, code)
	require.Equal(t, "INVALID_PAYLOAD", resp.Code)

	code, resp = h.do(http.MethodPost, "/api/queue-factory/sms/batch", h.root, map[string]any{
		"sms": []map[string]any{{"to": "+1", "content": "a"}, {"to": []string{"+2", "+3"}, "content": "b", "priority": "urgent"}},
	})
	require.Equal(t, http.StatusOK, code, resp.Message)

	code, _ = h.do(http.MethodPost, "/api/queue-factory/notification", h.root, map[string]any{
		"userId": "u1", "type": "push", "title": "t", "content": "c",
	})
	require.Equal(t, http.StatusOK, code)

	code, _ = h.do(http.MethodPost, "/api/queue-factory/scheduled", h.root, map[string]any{
		"taskType": "cleanup", "delay": 60000,
	})
	require.Equal(t, http.StatusOK, code)
	st, err := h.reg.Scheduled().Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), st.Delayed)

	code, _ = h.do(http.MethodPost, "/api/queue-factory/custom", h.root, map[string]any{
		"name": "exports", "options": map[string]any{"concurrency": 2},
	})
	require.Equal(t, http.StatusOK, code)
	q, ok := h.reg.Get("exports")
	require.True(t, ok)
	require.Equal(t, 2, q.Config().Concurrency)

	code, resp = h.do(http.MethodGet, "/api/queue-factory/presets", h.root, nil)
	require.Equal(t, http.StatusOK, code)
	presets := decodeData[[]presetView](t, resp)
	require.Len(t, presets, 5)
	require.Equal(t, presetView{Category: "email", Processor: "sendEmail", MaxAttempts: 3, RetryDelayMs: 10000, Concurrency: 5, BatchSize: 20}, presets[0])
}

func TestCron(t *testing.T) {
	h := newHarness(t)

	code, resp := h.do(http.MethodPost, "/api/queue/scheduled/cron", h.root, map[string]any{"spec": "every day", "taskType": "x"})
	require.Equal(t, http.StatusUnprocessableEntity, code)
	require.Equal(t, "INVALID_CRON_SPEC", resp.Code)

	code, resp = h.do(http.MethodPost, "/api/queue/scheduled/cron", h.root, map[string]any{"spec": "@every 1h", "taskType": "cleanup"})
	require.Equal(t, http.StatusOK, code, resp.Message)
	entry := decodeData[schedule.Entry](t, resp)

	code, resp = h.do(http.MethodGet, "/api/queue/scheduled/cron", h.root, nil)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, decodeData[[]schedule.Entry](t, resp), 1)

	path := "/api/queue/scheduled/cron/" + strconv.Itoa(entry.ID)
	code, _ = h.do(http.MethodDelete, path, h.root, nil)
	require.Equal(t, http.StatusOK, code)
	code, resp = h.do(http.MethodDelete, path, h.root, nil)
	require.Equal(t, http.StatusNotFound, code)
	require.Equal(t, "CRON_ENTRY_NOT_FOUND", resp.Code)

	// The scheduled queue's own routes still resolve.
	code, _ = h.do(http.MethodGet, "/api/queue/scheduled/stats", h.root, nil)
	require.Equal(t, http.StatusOK, code)
}

func TestPermissionCheckAndCache(t *testing.T) {
	h := newHarness(t)
	check := map[string]string{"sub": "staff", "obj": "/api/report", "act": "GET", "domain": "hotelA", "region": "CN", "level": "20"}

	code, resp := h.do(http.MethodPost, "/api/permission/check", h.root, check)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, false, decodeData[map[string]any](t, resp)["allowed"])

	code, resp = h.do(http.MethodPost, "/api/permission/policies", h.root, map[string]string{
		"sub": "staff", "obj": "/api/report", "act": "GET", "domain": "hotelA", "region": "CN", "level": "20",
	})
	require.Equal(t, http.StatusOK, code, resp.Message)
	require.Equal(t, "Policy added", resp.Message)

	code, resp = h.do(http.MethodPost, "/api/permission/check", h.root, check)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, decodeData[map[string]any](t, resp)["allowed"])

	code, resp = h.do(http.MethodPost, "/api/permission/policies", h.root, map[string]string{
		"sub": "staff", "obj": "/api/report", "act": "GET", "domain": "hotelA", "region": "CN", "level": "20",
	})
	require.Equal(t, http.StatusConflict, code)
	require.Equal(t, "CONFLICT", resp.Code)

	code, resp = h.do(http.MethodPost, "/api/permission/check", h.root, map[string]string{"sub": "staff"})
	require.Equal(t, http.StatusUnprocessableEntity, code)
	require.Equal(t, "INVALID_PERMISSION_REQUEST", resp.Code)

	code, _ = h.do(http.MethodPost, "/api/permission/check", h.staff, check)
	require.Equal(t, http.StatusForbidden, code)
}

func TestPermissionAdminRoutes(t *testing.T) {
	h := newHarness(t)

	code, _ := h.do(http.MethodPost, "/api/permission/users/u3000/roles", h.root, map[string]string{"role": "staff", "domain": "hotelA"})
	require.Equal(t, http.StatusOK, code)
	code, resp := h.do(http.MethodGet, "/api/permission/users/u3000/roles?domain=hotelA", h.root, nil)
	require.Equal(t, http.StatusOK, code)
	roles := decodeData[struct {
		Roles []string `json:"roles"`
	}](t, resp).Roles
	require.Equal(t, []string{"staff"}, roles)

	code, resp = h.do(http.MethodGet, "/api/permission/roles/staff/users?domain=hotelA", h.root, nil)
	require.Equal(t, http.StatusOK, code)
	users := decodeData[struct {
		Users []string `json:"users"`
	}](t, resp).Users
	require.Equal(t, []string{"u1002", "u3000"}, users)

	code, _ = h.do(http.MethodDelete, "/api/permission/users/u3000/roles", h.root, map[string]string{"role": "staff", "domain": "hotelA"})
	require.Equal(t, http.StatusOK, code)
	code, _ = h.do(http.MethodDelete, "/api/permission/users/u3000/roles", h.root, map[string]string{"role": "staff", "domain": "hotelA"})
	require.Equal(t, http.StatusNotFound, code)

	code, _ = h.do(http.MethodPut, "/api/permission/policies", h.root, map[string]any{
		"old": map[string]string{"sub": "staff", "obj": "/api/booking", "act": "GET", "domain": "hotelA", "region": "CN", "level": "20"},
		"new": map[string]string{"sub": "staff", "obj": "/api/booking", "act": "POST", "domain": "hotelA", "region": "CN", "level": "20"},
	})
	require.Equal(t, http.StatusOK, code)

	code, _ = h.do(http.MethodPost, "/api/permission/policies/batch", h.root, map[string]any{
		"policies": []map[string]string{
			{"sub": "auditor", "obj": "/api/report", "act": "GET"},
			{"sub": "auditor", "obj": "/api/analytics", "act": "GET"},
		},
	})
	require.Equal(t, http.StatusOK, code)

	code, _ = h.do(http.MethodDelete, "/api/permission/policies", h.root, map[string]string{"sub": "auditor", "obj": "/api/report", "act": "GET"})
	require.Equal(t, http.StatusOK, code)

	code, _ = h.do(http.MethodDelete, "/api/permission/roles/auditor", h.root, nil)
	require.Equal(t, http.StatusOK, code)
	perms, err := h.perm.GetPermissionsForRole("auditor")
	require.NoError(t, err)
	require.Empty(t, perms)

	code, resp = h.do(http.MethodGet, "/api/permission/stats", h.root, nil)
	require.Equal(t, http.StatusOK, code)
	require.Positive(t, decodeData[policy.Stats](t, resp).Policies)

	code, resp = h.do(http.MethodPost, "/api/permission/cache/clear", h.root, nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "Permission cache cleared", resp.Message)
}

func TestPermissionMutationsRequireAdmin(t *testing.T) {
	h := newHarness(t)
	// Allow the path for staff so only the role gate rejects.
	p := policy.DefaultPolicies[2]
	p.Obj, p.Act = "/api/permission/cache/clear", "POST"
	added, err := h.perm.AddPolicy(context.Background(), p)
	require.NoError(t, err)
	require.True(t, added)

	code, resp := h.do(http.MethodPost, "/api/permission/cache/clear", h.staff, nil)
	require.Equal(t, http.StatusForbidden, code)
	require.Equal(t, "FORBIDDEN", resp.Code)
}

func TestErrorDetailAndLanguage(t *testing.T) {
	dev := newHarness(t)
	_, resp := dev.do(http.MethodPost, "/api/queue/nope/jobs", dev.root, map[string]any{"data": 1})
	require.NotEmpty(t, resp.Detail)

	prod := newHarness(t, func(d *Deps) { d.Production = true })
	_, resp = prod.do(http.MethodPost, "/api/queue/nope/jobs", prod.root, map[string]any{"data": 1}, "Accept-Language", "zh-CN")
	require.Empty(t, resp.Detail)
	require.Equal(t, "队列 nope 不存在", resp.Message)
}
