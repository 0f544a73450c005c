package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feira-labs/feira-notify/internal/config"
	"github.com/feira-labs/feira-notify/internal/model"
	"github.com/feira-labs/feira-notify/internal/realtime"
	"github.com/feira-labs/feira-notify/internal/service"
	"github.com/feira-labs/feira-notify/internal/storage/bolt"
)

type fixture struct {
	srv    *Server
	store  *bolt.Store
	auth   *service.AuthService
	broker *realtime.MemoryBroker
	admin  string
	vendor string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := &config.Config{}
	cfg.HTTP.CORSOrigins = []string{"*"}
	cfg.Storage.Driver = "bolt"
	cfg.Realtime.Driver = "memory"
	cfg.Auth.Enabled = true
	cfg.Auth.Username = "admin"
	cfg.Auth.Password = "admin123"
	cfg.Auth.JWTSecret = "test-secret"
	cfg.Auth.TokenTTL = time.Hour

	store, err := bolt.New(filepath.Join(t.TempDir(), "feira.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	broker := realtime.NewMemoryBroker()
	t.Cleanup(func() { broker.Close() })

	auth := service.NewAuthService(cfg)
	admin, err := auth.Authenticate("admin", "admin123")
	require.NoError(t, err)
	vendor, err := auth.Issue("vendor-1", service.RoleVendor)
	require.NoError(t, err)

	srv := New(cfg, Services{
		Dispatch:      service.NewDispatchService(store, broker, nil, nil, service.DispatchOptions{DefaultType: "general"}, nil),
		Tokens:        service.NewTokenService(store, nil),
		Notifications: service.NewNotificationService(store),
		Auth:          auth,
		Feed:          broker,
	}, nil)
	return &fixture{srv: srv, store: store, auth: auth, broker: broker, admin: admin, vendor: vendor}
}

func (f *fixture) do(t *testing.T, method, path, body, bearer string) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := f.srv.app.Test(req, 5000)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var payload map[string]any
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &payload), string(raw))
	}
	return resp.StatusCode, payload
}

func TestDispatch_CORSPreflight(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodOptions, "/functions/v1/send-push-notification", nil)
	req.Header.Set("Origin", "https://feira.example")
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", "authorization, content-type")

	resp, err := f.srv.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "POST")
}

func TestDispatch_Validation(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(t, http.MethodPost, "/functions/v1/send-push-notification", `{"title":"Teste","message":"Olá"}`, f.admin)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body["error"], "userId")

	status, _ = f.do(t, http.MethodPost, "/functions/v1/send-push-notification", `{"title":`, f.admin)
	assert.Equal(t, http.StatusBadRequest, status)

	all, err := f.store.ListNotifications(context.Background(), model.NotificationFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestDispatch_NoTokensResponse(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(t, http.MethodPost, "/functions/v1/send-push-notification", `{"title":"Teste","message":"Olá","userId":"u1"}`, f.admin)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, body["notificationsCreated"])
	assert.Equal(t, model.SkipNoTokens, body["pushSkipped"])
	assert.NotContains(t, body, "sent")

	status, body = f.do(t, http.MethodPost, "/api/dispatch", `{"title":"Teste","message":"Olá","userIds":["u1","u2"]}`, f.admin)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 2, body["notificationsCreated"])
}

func TestDispatch_RequiresAdmin(t *testing.T) {
	f := newFixture(t)
	payload := `{"title":"Teste","userId":"u1"}`

	status, _ := f.do(t, http.MethodPost, "/functions/v1/send-push-notification", payload, "")
	assert.Equal(t, http.StatusUnauthorized, status)
	status, _ = f.do(t, http.MethodPost, "/functions/v1/send-push-notification", payload, "garbage")
	assert.Equal(t, http.StatusUnauthorized, status)
	status, _ = f.do(t, http.MethodPost, "/functions/v1/send-push-notification", payload, f.vendor)
	assert.Equal(t, http.StatusForbidden, status)
}

func TestAuth_LoginAndProfile(t *testing.T) {
	f := newFixture(t)

	status, _ := f.do(t, http.MethodPost, "/auth/login", `{"username":"admin","password":"nope"}`, "")
	assert.Equal(t, http.StatusUnauthorized, status)

	status, body := f.do(t, http.MethodPost, "/auth/login", `{"username":"admin","password":"admin123"}`, "")
	require.Equal(t, http.StatusOK, status)
	token := body["data"].(map[string]any)["token"].(string)
	assert.NotEmpty(t, token)

	status, body = f.do(t, http.MethodGet, "/auth/profile", "", f.vendor)
	require.Equal(t, http.StatusOK, status)
	data := body["data"].(map[string]any)
	assert.Equal(t, "vendor-1", data["userId"])
	assert.Equal(t, service.RoleVendor, data["role"])
}

func TestTokens_Lifecycle(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(t, http.MethodPost, "/api/tokens", `{"token":"fcm-device-token","device":"Chrome"}`, f.vendor)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, model.SuccessCode, body["code"])
	assert.Equal(t, "fcm-************", body["data"].(map[string]any)["token"])

	status, body = f.do(t, http.MethodGet, "/api/tokens", "", f.vendor)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["data"], 1)

	status, _ = f.do(t, http.MethodPost, "/api/tokens", `{"device":"Chrome"}`, f.vendor)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = f.do(t, http.MethodDelete, "/api/tokens?token=fcm-device-token", "", f.vendor)
	assert.Equal(t, http.StatusOK, status)
	status, _ = f.do(t, http.MethodDelete, "/api/tokens", `{"token":"fcm-device-token"}`, f.vendor)
	assert.Equal(t, http.StatusNotFound, status)

	f.do(t, http.MethodPost, "/api/tokens", `{"token":"t1"}`, f.vendor)
	f.do(t, http.MethodPost, "/api/tokens", `{"token":"t2"}`, f.vendor)
	status, body = f.do(t, http.MethodDelete, "/api/tokens/all", "", f.vendor)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 2, body["data"].(map[string]any)["removed"])
}

func TestTokens_AdminRoutes(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/api/tokens", `{"token":"t1"}`, f.vendor)
	f.do(t, http.MethodPost, "/api/tokens?userId=u9", `{"token":"t9"}`, f.admin)

	status, _ := f.do(t, http.MethodGet, "/api/admin/tokens", "", f.vendor)
	assert.Equal(t, http.StatusForbidden, status)

	status, body := f.do(t, http.MethodGet, "/api/admin/tokens", "", f.admin)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, body["data"], 2)

	status, body = f.do(t, http.MethodDelete, "/api/admin/tokens", "", f.admin)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 2, body["data"].(map[string]any)["removed"])
}

func TestNotifications_ReadFlow(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		status, _ := f.do(t, http.MethodPost, "/api/dispatch", `{"title":"Pagamento","message":"Recebido","type":"payment_submitted","userId":"vendor-1"}`, f.admin)
		require.Equal(t, http.StatusOK, status)
	}

	status, body := f.do(t, http.MethodGet, "/api/notifications?pageSize=2", "", f.vendor)
	require.Equal(t, http.StatusOK, status)
	page := body["data"].(map[string]any)
	assert.EqualValues(t, 3, page["total"])
	assert.EqualValues(t, 3, page["unread"])
	assert.EqualValues(t, 2, page["pages"])
	first := page["data"].([]any)[0].(map[string]any)

	status, _ = f.do(t, http.MethodPost, "/api/notifications/"+first["id"].(string)+"/read", "", f.vendor)
	require.Equal(t, http.StatusOK, status)
	status, _ = f.do(t, http.MethodPost, "/api/notifications/missing/read", "", f.vendor)
	assert.Equal(t, http.StatusNotFound, status)

	_, body = f.do(t, http.MethodGet, "/api/notifications/unread-count", "", f.vendor)
	assert.EqualValues(t, 2, body["data"].(map[string]any)["unread"])

	_, body = f.do(t, http.MethodPost, "/api/notifications/read-all", "", f.vendor)
	assert.EqualValues(t, 2, body["data"].(map[string]any)["updated"])

	_, body = f.do(t, http.MethodGet, "/api/notifications?unread=true", "", f.vendor)
	assert.EqualValues(t, 0, body["data"].(map[string]any)["total"])

	status, body = f.do(t, http.MethodGet, "/api/admin/notifications/count/type", "", f.admin)
	require.Equal(t, http.StatusOK, status)
	stats := body["data"].([]any)
	require.Len(t, stats, 1)
	assert.Equal(t, "payment_submitted", stats[0].(map[string]any)["type"])
}

func TestMetricsAndHealth(t *testing.T) {
	f := newFixture(t)

	status, body := f.do(t, http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "disabled", body["push"])

	f.do(t, http.MethodPost, "/api/dispatch", `{"title":"x","userId":"u1"}`, f.admin)
	resp, err := f.srv.app.Test(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.NoError(t, err)
	raw, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "feira_notifications_created_total")
}

func TestStream_DeliversInserts(t *testing.T) {
	f := newFixture(t)
	f.srv.heartbeat = 50 * time.Millisecond
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go f.srv.Serve(ln)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		f.srv.Shutdown(ctx)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := realtime.NewSSESubscriber("http://"+ln.Addr().String(), f.vendor, nil, nil)
	events, err := sub.Subscribe(ctx, "")
	require.NoError(t, err)

	record := &model.Notification{ID: "rec-1", UserID: "vendor-1", Title: "Nova feira", Message: "Sábado"}
	deadline := time.After(5 * time.Second)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case got := <-events:
			assert.Equal(t, "rec-1", got.ID)
			assert.Equal(t, "Nova feira", got.Title)
			return
		case <-ticker.C:
			require.NoError(t, f.broker.Publish(context.Background(), record))
		case <-deadline:
			t.Fatal("no event received from stream")
		}
	}
}
