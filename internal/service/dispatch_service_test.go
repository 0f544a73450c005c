package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feira-labs/feira-notify/internal/credential"
	"github.com/feira-labs/feira-notify/internal/credential/credentialtest"
	"github.com/feira-labs/feira-notify/internal/fcm"
	"github.com/feira-labs/feira-notify/internal/model"
	"github.com/feira-labs/feira-notify/internal/realtime"
	"github.com/feira-labs/feira-notify/internal/storage"
	"github.com/feira-labs/feira-notify/internal/storage/bolt"
)

// fakeFCM answers sends by token prefix: "dead-" is unregistered, "slow-"
// never answers, "boom-" is a 500, "wait-" only succeeds once gateSize of
// them are in flight together; anything else succeeds. Like FCM, it rejects
// a web push link that is not absolute https.
type fakeFCM struct {
	*httptest.Server
	calls    atomic.Int64
	mu       sync.Mutex
	sent     []map[string]any
	gateSize atomic.Int64
	arrived  atomic.Int64
	gate     chan struct{}
	gateOnce sync.Once
}

func newFakeFCM(t *testing.T) *fakeFCM {
	t.Helper()
	f := &fakeFCM{gate: make(chan struct{})}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.calls.Add(1)
		var body struct {
			Message map[string]any `json:"message"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.sent = append(f.sent, body.Message)
		f.mu.Unlock()

		if webpush, ok := body.Message["webpush"].(map[string]any); ok {
			if opts, ok := webpush["fcm_options"].(map[string]any); ok {
				if link, _ := opts["link"].(string); !strings.HasPrefix(link, "https://") {
					w.WriteHeader(http.StatusBadRequest)
					w.Write([]byte(`{"error":{"code":400,"status":"INVALID_ARGUMENT","details":[{"errorCode":"INVALID_ARGUMENT"}]}}`))
					return
				}
			}
		}

		token, _ := body.Message["token"].(string)
		switch {
		case strings.HasPrefix(token, "wait-"):
			if !f.rendezvous(r.Context()) {
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"error":{"code":503,"status":"UNAVAILABLE"}}`))
				return
			}
			w.Write([]byte(`{"name":"projects/feira-test/messages/1"}`))
		case strings.HasPrefix(token, "dead-"):
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":{"code":404,"status":"NOT_FOUND","details":[{"errorCode":"UNREGISTERED"}]}}`))
		case strings.HasPrefix(token, "slow-"):
			<-r.Context().Done()
		case strings.HasPrefix(token, "boom-"):
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"error":{"code":500,"status":"INTERNAL"}}`))
		default:
			w.Write([]byte(`{"name":"projects/feira-test/messages/1"}`))
		}
	}))
	t.Cleanup(f.Close)
	return f
}

// rendezvous blocks until gateSize requests have arrived, or gives up
// after a second.
func (f *fakeFCM) rendezvous(ctx context.Context) bool {
	if f.arrived.Add(1) >= f.gateSize.Load() {
		f.gateOnce.Do(func() { close(f.gate) })
	}
	select {
	case <-f.gate:
		return true
	case <-ctx.Done():
		return false
	case <-time.After(time.Second):
		return false
	}
}

func (f *fakeFCM) messages() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any(nil), f.sent...)
}

type faultyStore struct {
	storage.Store
	insertErr error
	lookupErr error
}

func (f *faultyStore) InsertNotifications(ctx context.Context, records []*model.Notification) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	return f.Store.InsertNotifications(ctx, records)
}

func (f *faultyStore) ListTokensByUsers(ctx context.Context, userIDs []string) ([]*model.PushToken, error) {
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	return f.Store.ListTokensByUsers(ctx, userIDs)
}

type harness struct {
	store  *bolt.Store
	tokens *credentialtest.TokenServer
	fcm    *fakeFCM
	broker *realtime.MemoryBroker
	opts   DispatchOptions
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := bolt.New(filepath.Join(t.TempDir(), "feira.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	broker := realtime.NewMemoryBroker()
	t.Cleanup(func() { broker.Close() })
	return &harness{
		store:  store,
		tokens: credentialtest.NewTokenServer(t),
		fcm:    newFakeFCM(t),
		broker: broker,
		opts: DispatchOptions{
			SendTimeout:       2 * time.Second,
			PruneUnregistered: true,
			Icon:              "/icons/icon-192x192.png",
			ClickURL:          "/",
			AppOrigin:         "https://feira.example",
			DefaultType:       "general",
		},
	}
}

func (h *harness) service(t *testing.T, store storage.Store, creds CredentialSource) *DispatchService {
	t.Helper()
	client, err := fcm.New(h.fcm.URL, 0)
	require.NoError(t, err)
	return NewDispatchService(store, h.broker, creds, client, h.opts, nil)
}

func (h *harness) provider(t *testing.T) CredentialSource {
	return credential.NewProvider(h.tokens.ServiceAccountJSON(t))
}

func (h *harness) addTokens(t *testing.T, userID string, tokens ...string) {
	t.Helper()
	for _, tok := range tokens {
		require.NoError(t, h.store.UpsertToken(context.Background(), &model.PushToken{UserID: userID, Token: tok}))
	}
}

func (h *harness) records(t *testing.T, userID string) []*model.Notification {
	t.Helper()
	records, err := h.store.ListNotifications(context.Background(), model.NotificationFilter{UserID: userID})
	require.NoError(t, err)
	return records
}

func TestDispatch_NoTokens(t *testing.T) {
	h := newHarness(t)
	svc := h.service(t, h.store, h.provider(t))

	summary, err := svc.Dispatch(context.Background(), model.DispatchRequest{Title: "Teste", Message: "Olá", UserID: "u1"})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.NotificationsCreated)
	assert.False(t, summary.PushAttempted)
	assert.Equal(t, model.SkipNoTokens, summary.SkipReason)
	assert.Zero(t, summary.Total)
	assert.Len(t, h.records(t, "u1"), 1)
	assert.Zero(t, h.tokens.Calls())
	assert.Zero(t, h.fcm.calls.Load())

	body, ok := summary.Body().(model.PushSkippedBody)
	require.True(t, ok)
	assert.Equal(t, 1, body.NotificationsCreated)
}

func TestDispatch_AllSendsSucceed(t *testing.T) {
	h := newHarness(t)
	h.addTokens(t, "u1", "tok-a", "tok-b")
	svc := h.service(t, h.store, h.provider(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	feed, err := h.broker.Subscribe(ctx, "u1")
	require.NoError(t, err)

	summary, err := svc.Dispatch(context.Background(), model.DispatchRequest{Title: "Teste", Message: "Olá", UserID: "u1"})
	require.NoError(t, err)

	assert.True(t, summary.PushAttempted)
	assert.Equal(t, 2, summary.Sent)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, 2, summary.Total)
	records := h.records(t, "u1")
	require.Len(t, records, 1)
	assert.EqualValues(t, 1, h.tokens.Calls())

	for _, msg := range h.fcm.messages() {
		data := msg["data"].(map[string]any)
		assert.Equal(t, records[0].ID, data["id"])
		assert.Equal(t, "general", data["type"])
		assert.Equal(t, "/", data["url"])
		webpush := msg["webpush"].(map[string]any)
		assert.Equal(t, "https://feira.example/", webpush["fcm_options"].(map[string]any)["link"])
	}

	select {
	case live := <-feed:
		assert.Equal(t, records[0].ID, live.ID)
	case <-time.After(time.Second):
		t.Fatal("record was not published to the realtime feed")
	}

	body, ok := summary.Body().(model.PushResultBody)
	require.True(t, ok)
	require.Len(t, body.Results, 2)
	assert.Equal(t, "tok-*", body.Results[0].Token)
}

func TestDispatch_OneUnregisteredTokenIsPruned(t *testing.T) {
	h := newHarness(t)
	h.addTokens(t, "u1", "dead-token", "live-token")
	svc := h.service(t, h.store, h.provider(t))

	summary, err := svc.Dispatch(context.Background(), model.DispatchRequest{Title: "Teste", Message: "Olá", UserID: "u1"})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Sent)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 2, summary.Total)
	assert.Len(t, h.records(t, "u1"), 1)

	var dead model.DeliveryResult
	for _, r := range summary.Results {
		if !r.Success {
			dead = r
		}
	}
	assert.Equal(t, fcm.ErrorUnregistered, dead.ErrorCode)
	assert.Equal(t, http.StatusNotFound, dead.StatusCode)
	assert.True(t, dead.Pruned)

	left, err := h.store.ListTokensByUsers(context.Background(), []string{"u1"})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "live-token", left[0].Token)
}

func TestDispatch_PruningDisabledKeepsToken(t *testing.T) {
	h := newHarness(t)
	h.opts.PruneUnregistered = false
	h.addTokens(t, "u1", "dead-token")
	svc := h.service(t, h.store, h.provider(t))

	summary, err := svc.Dispatch(context.Background(), model.DispatchRequest{UserID: "u1", Title: "x"})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.False(t, summary.Results[0].Pruned)

	left, err := h.store.ListTokensByUsers(context.Background(), []string{"u1"})
	require.NoError(t, err)
	assert.Len(t, left, 1)
}

func TestDispatch_MissingTargetsRejectedBeforeWrites(t *testing.T) {
	h := newHarness(t)
	svc := h.service(t, h.store, h.provider(t))

	for _, req := range []model.DispatchRequest{
		{Title: "Teste", Message: "Olá"},
		{Title: "Teste", Message: "Olá", UserIDs: []string{}},
		{Title: "Teste", Message: "Olá", UserID: "  ", UserIDs: []string{""}},
	} {
		_, err := svc.Dispatch(context.Background(), req)
		assert.ErrorIs(t, err, ErrInvalidInput)
	}

	all, err := h.store.ListNotifications(context.Background(), model.NotificationFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Zero(t, h.tokens.Calls())
	assert.Zero(t, h.fcm.calls.Load())
}

func TestDispatch_PushNotConfigured(t *testing.T) {
	h := newHarness(t)
	h.addTokens(t, "u1", "tok-a")
	svc := h.service(t, h.store, nil)

	summary, err := svc.Dispatch(context.Background(), model.DispatchRequest{Title: "Teste", Message: "Olá", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, model.SkipNotConfigured, summary.SkipReason)
	assert.Len(t, h.records(t, "u1"), 1)
	assert.Zero(t, h.fcm.calls.Load())
}

func TestDispatch_CredentialFailureSkipsPushOnly(t *testing.T) {
	h := newHarness(t)
	h.addTokens(t, "u1", "tok-a")
	h.tokens.Reject(true)
	svc := h.service(t, h.store, h.provider(t))

	summary, err := svc.Dispatch(context.Background(), model.DispatchRequest{Title: "Teste", Message: "Olá", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, model.SkipCredentialError, summary.SkipReason)
	assert.Contains(t, summary.SkipDetail, "invalid_grant")
	assert.Len(t, h.records(t, "u1"), 1)
	assert.Zero(t, h.fcm.calls.Load())

	malformed := h.service(t, h.store, credential.NewProvider([]byte("{not json")))
	summary, err = malformed.Dispatch(context.Background(), model.DispatchRequest{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, model.SkipCredentialError, summary.SkipReason)
	assert.Len(t, h.records(t, "u1"), 2)
}

func TestDispatch_FanOutIsIsolated(t *testing.T) {
	h := newHarness(t)
	h.opts.SendTimeout = 200 * time.Millisecond
	h.addTokens(t, "u1", "slow-1", "boom-1", "ok-1")
	h.addTokens(t, "u2", "dead-2", "ok-2")
	h.addTokens(t, "u3", "ok-3")
	svc := h.service(t, h.store, h.provider(t))

	started := time.Now()
	summary, err := svc.Dispatch(context.Background(), model.DispatchRequest{
		Title: "Feira", Message: "Nova feira", UserIDs: []string{"u1", "u2", "u3"},
	})
	require.NoError(t, err)

	assert.Less(t, time.Since(started), 2*time.Second)
	assert.Equal(t, 6, summary.Total)
	assert.Equal(t, 3, summary.Sent)
	assert.Equal(t, 3, summary.Failed)
	assert.EqualValues(t, 6, h.fcm.calls.Load())
	assert.EqualValues(t, 1, h.tokens.Calls())
	assert.Equal(t, 3, summary.NotificationsCreated)

	byToken := make(map[string]model.DeliveryResult)
	for _, r := range summary.Results {
		byToken[r.Token] = r
	}
	assert.NotEmpty(t, byToken[model.MaskToken("slow-1")].Error)
	assert.Equal(t, http.StatusInternalServerError, byToken[model.MaskToken("boom-1")].StatusCode)
}

func TestDispatch_SendsRunConcurrently(t *testing.T) {
	h := newHarness(t)
	h.fcm.gateSize.Store(4)
	h.addTokens(t, "u1", "wait-1", "wait-2")
	h.addTokens(t, "u2", "wait-3", "wait-4")
	svc := h.service(t, h.store, h.provider(t))

	summary, err := svc.Dispatch(context.Background(), model.DispatchRequest{
		Title: "Feira", Message: "Nova feira", UserIDs: []string{"u1", "u2"},
	})
	require.NoError(t, err)
	assert.Equal(t, 4, summary.Sent)
	assert.Zero(t, summary.Failed)
}

func TestDispatch_MaxParallelBoundsInFlightSends(t *testing.T) {
	h := newHarness(t)
	h.opts.MaxParallel = 2
	h.fcm.gateSize.Store(4)
	h.addTokens(t, "u1", "wait-1", "wait-2", "wait-3", "wait-4")
	svc := h.service(t, h.store, h.provider(t))

	summary, err := svc.Dispatch(context.Background(), model.DispatchRequest{UserID: "u1", Title: "x"})
	require.NoError(t, err)
	// the first pair times out at the gate, the second pair completes it
	assert.Equal(t, 2, summary.Sent)
	assert.Equal(t, 2, summary.Failed)
}

func TestDispatch_RelativeLinkWithoutOriginOmitsWebLink(t *testing.T) {
	h := newHarness(t)
	h.opts.AppOrigin = ""
	h.addTokens(t, "u1", "tok-a")
	svc := h.service(t, h.store, h.provider(t))

	summary, err := svc.Dispatch(context.Background(), model.DispatchRequest{UserID: "u1", Title: "x"})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Sent)
	msgs := h.fcm.messages()
	require.Len(t, msgs, 1)
	_, hasOptions := msgs[0]["webpush"].(map[string]any)["fcm_options"]
	assert.False(t, hasOptions)
}

func TestDispatch_MaxParallelStillSendsAll(t *testing.T) {
	h := newHarness(t)
	h.opts.MaxParallel = 1
	h.addTokens(t, "u1", "a1", "a2", "a3", "a4")
	svc := h.service(t, h.store, h.provider(t))

	summary, err := svc.Dispatch(context.Background(), model.DispatchRequest{UserID: "u1", Title: "x"})
	require.NoError(t, err)
	assert.Equal(t, 4, summary.Sent)
	assert.EqualValues(t, 4, h.fcm.calls.Load())
}

func TestDispatch_SingleAndListTargetingAreEquivalent(t *testing.T) {
	h := newHarness(t)
	svc := h.service(t, h.store, nil)
	ctx := context.Background()

	single, err := svc.Dispatch(ctx, model.DispatchRequest{Title: "T", Message: "M", Type: "new_market", RelatedID: "m-1", UserID: "u1"})
	require.NoError(t, err)
	list, err := svc.Dispatch(ctx, model.DispatchRequest{Title: "T", Message: "M", Type: "new_market", RelatedID: "m-1", UserIDs: []string{"u1", "u1 "}})
	require.NoError(t, err)

	require.Len(t, single.Notifications, 1)
	require.Len(t, list.Notifications, 1)
	a, b := single.Notifications[0], list.Notifications[0]
	assert.Equal(t, a.UserID, b.UserID)
	assert.Equal(t, a.Title, b.Title)
	assert.Equal(t, a.Message, b.Message)
	assert.Equal(t, a.Type, b.Type)
	assert.Equal(t, a.RelatedID, b.RelatedID)
	assert.Equal(t, a.Read, b.Read)
}

func TestDispatch_RecordWriteFailureAbortsPush(t *testing.T) {
	h := newHarness(t)
	h.addTokens(t, "u1", "tok-a")
	store := &faultyStore{Store: h.store, insertErr: errors.New("disk full")}
	svc := h.service(t, store, h.provider(t))

	_, err := svc.Dispatch(context.Background(), model.DispatchRequest{Title: "Teste", UserID: "u1"})
	assert.ErrorIs(t, err, ErrRecordWrite)
	assert.Zero(t, h.tokens.Calls())
	assert.Zero(t, h.fcm.calls.Load())
}

func TestDispatch_TokenLookupFailureKeepsRecords(t *testing.T) {
	h := newHarness(t)
	store := &faultyStore{Store: h.store, lookupErr: errors.New("connection reset")}
	svc := h.service(t, store, h.provider(t))

	summary, err := svc.Dispatch(context.Background(), model.DispatchRequest{Title: "Teste", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, model.SkipTokenLookupFailed, summary.SkipReason)
	assert.Len(t, h.records(t, "u1"), 1)
	assert.Zero(t, h.tokens.Calls())
}
