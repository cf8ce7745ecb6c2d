package notifier

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"AgriPool/internal/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var t0 = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

func samplePool() model.Pool {
	return model.Pool{
		ID:            "pool-1",
		TargetAmount:  decimal.NewFromInt(200000),
		CurrentAmount: decimal.NewFromInt(120000),
		State:         model.PoolMatching,
		CropType:      "maize",
		Region:        "north",
		ExpiresAt:     t0.Add(72 * time.Hour),
	}
}

func TestSend_PostsToChat(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bottoken/sendMessage", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tn := NewTelegramNotifier("token", "42", "", zap.NewNop())
	tn.APIBase = srv.URL
	require.NoError(t, tn.Send(context.Background(), "hello"))
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "hello", got["text"])
	assert.Equal(t, "HTML", got["parse_mode"])
}

func TestSend_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	tn := NewTelegramNotifier("token", "42", "", zap.NewNop())
	tn.APIBase = srv.URL
	err := tn.SendWithRetry(context.Background(), "hello", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401")
}

func TestStartPolling_RepliesToCommands(t *testing.T) {
	var (
		mu      sync.Mutex
		replies []string
		served  bool
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/bottoken/getUpdates":
			mu.Lock()
			first := !served
			served = true
			mu.Unlock()
			if first {
				_, _ = w.Write([]byte(`{"ok":true,"result":[{"update_id":7,"message":{"text":" /open "}}]}`))
				return
			}
			_, _ = w.Write([]byte(`{"ok":true,"result":[]}`))
		case "/bottoken/sendMessage":
			var payload map[string]string
			_ = json.NewDecoder(r.Body).Decode(&payload)
			mu.Lock()
			replies = append(replies, payload["text"])
			mu.Unlock()
			cancel()
		}
	}))
	defer srv.Close()

	tn := NewTelegramNotifier("token", "42", "", zap.NewNop())
	tn.APIBase = srv.URL

	var commands []string
	done := make(chan struct{})
	go func() {
		tn.StartPolling(ctx, func(cmd string) string {
			commands = append(commands, cmd)
			return "reply to " + cmd
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("polling did not stop")
	}
	assert.Equal(t, []string{"/open"}, commands)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"reply to /open"}, replies)
}

type fakeSender struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeSender) SendWithRetry(_ context.Context, text string, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func TestAlerter_ForwardsTransitionsOnly(t *testing.T) {
	sender := &fakeSender{}
	a := NewAlerter(sender, 4, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	p := samplePool()
	a.OnPoolEvent(p, model.PoolEvent{Type: model.EventJoined, PoolID: p.ID, At: t0})
	p.State = model.PoolFailed
	a.OnPoolEvent(p, model.PoolEvent{Type: model.EventExpired, PoolID: p.ID, At: t0})

	assert.Eventually(t, func() bool { return sender.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, sender.sent[0], "Pool expired")
	assert.Contains(t, sender.sent[0], "Short by: 80000.00")
}

func TestAlerter_DropsWhenFull(t *testing.T) {
	a := NewAlerter(&fakeSender{}, 1, zap.NewNop())
	p := samplePool()
	evt := model.PoolEvent{Type: model.EventCancelled, PoolID: p.ID, At: t0}

	a.OnPoolEvent(p, evt)
	a.OnPoolEvent(p, evt) // must not block
	assert.Len(t, a.queue, 1)
}

func TestFormatPoolDetail(t *testing.T) {
	p := samplePool()
	withdrawn := t0.Add(time.Hour)
	d := model.PoolDetail{
		Pool:         p,
		RemainingGap: p.RemainingGap(),
		Contributions: []model.Contribution{
			{ID: 1, FarmerID: "farmer-a", Amount: decimal.NewFromInt(50000), Status: model.ContributionActive},
			{ID: 2, FarmerID: "farmer-b", Amount: decimal.NewFromInt(10000), Status: model.ContributionWithdrawn, WithdrawnAt: &withdrawn},
			{ID: 3, FarmerID: "farmer-c", Amount: decimal.NewFromInt(70000), Status: model.ContributionActive},
		},
	}
	out := FormatPoolDetail(d)
	assert.Contains(t, out, "State: MATCHING")
	assert.Contains(t, out, "gap 80000.00")
	assert.Contains(t, out, "Members (2 active)")
	assert.Contains(t, out, "× farmer-b")
}

func TestFormatOpenPools(t *testing.T) {
	assert.Contains(t, FormatOpenPools(nil), "No pools")

	p := samplePool()
	out := FormatOpenPools([]model.PoolSummary{{
		ID: p.ID, RemainingGap: p.RemainingGap(), CropType: "maize", MemberCount: 2, ExpiresAt: p.ExpiresAt,
	}})
	assert.Contains(t, out, "Open pools</b> (1)")
	assert.Contains(t, out, "maize/-")
}
