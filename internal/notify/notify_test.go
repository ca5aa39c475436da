package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peertrade/settlement/internal/logging"
)

// recordingSink captures delivered events.
type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingSink) Deliver(ctx context.Context, event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestDispatcher_FansOut(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(logging.New("error", "text"), sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	d.Emit(ctx, NewEvent(EventTradeCreated, "trd_1", map[string]any{"amount": "100"}))
	d.Emit(ctx, NewEvent(EventTradePaid, "trd_1", nil))

	require.Eventually(t, func() bool { return sink.count() == 2 },
		time.Second, 10*time.Millisecond)
}

func TestDispatcher_FullQueueDrops(t *testing.T) {
	// Dispatcher not started: queue fills, Emit must not block.
	d := NewDispatcher(logging.New("error", "text"))
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 2000; i++ {
			d.Emit(ctx, NewEvent(EventTradeCreated, "trd_x", nil))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on full queue")
	}
}

func TestWebhookSink_SignsAndDelivers(t *testing.T) {
	var (
		mu        sync.Mutex
		gotBody   []byte
		gotSig    string
		gotEvent  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotBody = body
		gotSig = r.Header.Get("X-Settlement-Signature")
		gotEvent = r.Header.Get("X-Settlement-Event")
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := NewMemorySubscriptions()
	sub := NewSubscription(srv.URL, nil)
	require.NoError(t, store.Create(context.Background(), sub))

	sink := NewWebhookSink(store, logging.New("error", "text"))
	event := NewEvent(EventTradeCompleted, "trd_1", map[string]any{"amount": "50"})
	sink.Deliver(context.Background(), event)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, string(EventTradeCompleted), gotEvent)
	assert.True(t, VerifySignature(sub.Secret, gotBody, gotSig), "signature must verify")

	var delivered Event
	require.NoError(t, json.Unmarshal(gotBody, &delivered))
	assert.Equal(t, event.ID, delivered.ID)
}

func TestWebhookSink_FiltersEventTypes(t *testing.T) {
	var calls int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := NewMemorySubscriptions()
	sub := NewSubscription(srv.URL, []EventType{EventTradeCompleted})
	require.NoError(t, store.Create(context.Background(), sub))

	sink := NewWebhookSink(store, logging.New("error", "text"))
	sink.Deliver(context.Background(), NewEvent(EventTradePaid, "trd_1", nil))
	sink.Deliver(context.Background(), NewEvent(EventTradeCompleted, "trd_1", nil))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestWebhookSink_ClientErrorNotRetried(t *testing.T) {
	var calls int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	store := NewMemorySubscriptions()
	require.NoError(t, store.Create(context.Background(), NewSubscription(srv.URL, nil)))

	sink := NewWebhookSink(store, logging.New("error", "text"))
	sink.Deliver(context.Background(), NewEvent(EventTradePaid, "trd_1", nil))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls, "4xx responses must not be retried")
}

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"hello":"world"}`)
	sig := Sign("secret", payload)
	assert.True(t, VerifySignature("secret", payload, sig))
	assert.False(t, VerifySignature("wrong", payload, sig))
	assert.False(t, VerifySignature("secret", []byte("tampered"), sig))
}

func TestCreateSubscriptionDefaultSecret(t *testing.T) {
	gin.SetMode(gin.TestMode)

	newRouter := func(h *Handler) *gin.Engine {
		r := gin.New()
		h.RegisterRoutes(r.Group("/v1"))
		return r
	}
	post := func(r *gin.Engine) *httptest.ResponseRecorder {
		body := strings.NewReader(`{"url":"https://93.184.216.34/hook"}`)
		req := httptest.NewRequest(http.MethodPost, "/v1/webhooks", body)
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	// Without a configured secret, a generated one is returned once.
	store := NewMemorySubscriptions()
	w := post(newRouter(NewHandler(store, nil)))
	require.Equal(t, http.StatusCreated, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["secret"])

	// With a configured secret, subscriptions sign with it and the
	// response never echoes it.
	store = NewMemorySubscriptions()
	w = post(newRouter(NewHandler(store, nil).WithDefaultSecret("operator-secret")))
	require.Equal(t, http.StatusCreated, w.Code)
	resp = map[string]any{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	_, echoed := resp["secret"]
	assert.False(t, echoed, "configured secret must not be echoed")

	subs, err := store.List(context.Background())
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "operator-secret", subs[0].Secret)
}
