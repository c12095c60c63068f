package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"sitewatch/internal/classify"
	"sitewatch/internal/eventbus"
	"sitewatch/internal/monitor/detect"
	"sitewatch/internal/prefs"
	"sitewatch/internal/storage"
	"sitewatch/internal/transport"
	logx "sitewatch/pkg/logx"
)

// captureAdapter records sent messages instead of talking to a chat service.
type captureAdapter struct {
	mu   sync.Mutex
	sent []capturedSend
}

type capturedSend struct {
	chatID int64
	text   string
	opts   *transport.SendOptions
}

func (a *captureAdapter) Start(context.Context, chan<- transport.Update) error { return nil }
func (a *captureAdapter) Stop(context.Context) error                           { return nil }
func (a *captureAdapter) EditText(context.Context, transport.MessageRef, string, *transport.SendOptions) error {
	return nil
}
func (a *captureAdapter) AnswerCallback(context.Context, string, string) error { return nil }

func (a *captureAdapter) SendText(_ context.Context, to transport.ChatTarget, text string, opts *transport.SendOptions) (transport.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, capturedSend{chatID: to.ChatID, text: text, opts: opts})
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(a.sent)}, nil
}

func (a *captureAdapter) snapshot() []capturedSend {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]capturedSend(nil), a.sent...)
}

func newTestPipeline(t *testing.T) (*Pipeline, *captureAdapter, *storage.Memory) {
	t.Helper()
	mem := storage.NewMemory()
	bus := eventbus.New()
	adapter := &captureAdapter{}
	model := prefs.New(prefs.Config{}, mem, logx.Nop())
	analyzer := classify.NewFallback(nil, logx.Nop())

	cfg := Config{FlushDelay: 10 * time.Millisecond, RetryMax: 1}
	delivery := NewService(cfg, adapter, mem, bus, logx.Nop())
	if err := delivery.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = delivery.Stop(ctx)
	})

	p := NewPipeline(cfg, analyzer, model, mem, delivery, bus, logx.Nop())
	t.Cleanup(p.Close)
	return p, adapter, mem
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestProcessChangeDeliversNotification(t *testing.T) {
	t.Parallel()
	p, adapter, mem := newTestPipeline(t)

	site := storage.Site{ID: 1, OwnerID: 100, URL: "https://example.com", Name: "example.com"}
	p.ProcessChange(context.Background(), site, detect.Change{
		OldHash: "a", NewHash: "b",
		Diff:   strings.Repeat("x", 2500), // content/high under the local heuristic
		OldLen: 100, NewLen: 2600,
	})

	waitFor(t, func() bool { return len(adapter.snapshot()) == 1 })
	sent := adapter.snapshot()[0]
	if sent.chatID != 100 {
		t.Errorf("chat id = %d", sent.chatID)
	}
	if !strings.Contains(sent.text, "example.com updated") {
		t.Errorf("text = %q", sent.text)
	}
	if sent.opts == nil || len(sent.opts.Buttons) == 0 {
		t.Fatal("notification sent without feedback buttons")
	}
	if !strings.HasPrefix(sent.opts.Buttons[0][0].Data, "fb|like|") {
		t.Errorf("first button data = %q", sent.opts.Buttons[0][0].Data)
	}

	// Delivery history must exist so feedback can resolve later.
	id := strings.TrimPrefix(sent.opts.Buttons[0][0].Data, "fb|like|")
	if _, ok, _ := mem.LookupNotification(context.Background(), id, 100); !ok {
		t.Error("delivered notification missing from history")
	}
}

func TestProcessChangeFiltersLowScore(t *testing.T) {
	t.Parallel()
	p, adapter, _ := newTestPipeline(t)

	site := storage.Site{ID: 1, OwnerID: 100, URL: "https://example.com", Name: "example.com"}
	// 100-char diff grades technical/low: 0.2 * 0.3 = 0.06, under threshold.
	p.ProcessChange(context.Background(), site, detect.Change{
		OldHash: "a", NewHash: "b",
		Diff: strings.Repeat("x", 100),
	})

	time.Sleep(100 * time.Millisecond)
	if got := adapter.snapshot(); len(got) != 0 {
		t.Fatalf("filtered change was delivered: %d sends", len(got))
	}
}

func TestProcessChangeIgnoresBaseline(t *testing.T) {
	t.Parallel()
	p, adapter, _ := newTestPipeline(t)

	site := storage.Site{ID: 1, OwnerID: 100, URL: "https://example.com", Name: "example.com"}
	p.ProcessChange(context.Background(), site, detect.Change{NewHash: "b", First: true})

	time.Sleep(100 * time.Millisecond)
	if got := adapter.snapshot(); len(got) != 0 {
		t.Fatalf("baseline observation was delivered: %d sends", len(got))
	}
}

func TestBurstGroupsIntoOneMessage(t *testing.T) {
	t.Parallel()
	p, adapter, _ := newTestPipeline(t)

	site := storage.Site{ID: 1, OwnerID: 100, URL: "https://example.com", Name: "example.com"}
	for i := 0; i < 3; i++ {
		p.ProcessChange(context.Background(), site, detect.Change{
			OldHash: "a", NewHash: "b",
			Diff: strings.Repeat("x", 2500),
		})
	}

	waitFor(t, func() bool { return len(adapter.snapshot()) >= 1 })
	time.Sleep(100 * time.Millisecond)
	sends := adapter.snapshot()
	if len(sends) != 1 {
		t.Fatalf("burst produced %d messages, want 1 grouped digest", len(sends))
	}
	if !strings.Contains(sends[0].text, "3 changes on example.com") {
		t.Errorf("digest text = %q", sends[0].text)
	}
}

func TestHandleFeedback(t *testing.T) {
	t.Parallel()
	p, _, mem := newTestPipeline(t)
	ctx := context.Background()

	if err := mem.RecordSent(ctx, storage.NotificationRecord{
		ID: "n1", UserID: 100, SiteName: "example.com",
		Category: "content", Importance: "high",
	}); err != nil {
		t.Fatal(err)
	}

	reply, err := p.HandleFeedback(ctx, 100, "n1", "like")
	if err != nil {
		t.Fatalf("HandleFeedback: %v", err)
	}
	if reply == "" {
		t.Error("empty acknowledgement")
	}

	rec, ok, _ := mem.LookupNotification(ctx, "n1", 100)
	if !ok || !rec.FeedbackReceived {
		t.Error("feedback not marked on history record")
	}
	if fb := mem.Feedback(); len(fb) != 1 || fb[0].Type != "like" || fb[0].Category != "content" {
		t.Errorf("feedback log = %+v", fb)
	}

	// Second press on the same notification is acknowledged but not re-counted.
	if _, err := p.HandleFeedback(ctx, 100, "n1", "like"); err != nil {
		t.Fatalf("repeat feedback: %v", err)
	}
	if fb := mem.Feedback(); len(fb) != 1 {
		t.Errorf("repeat feedback appended: %d entries", len(fb))
	}
}

func TestHandleFeedbackUnknownID(t *testing.T) {
	t.Parallel()
	p, _, _ := newTestPipeline(t)

	_, err := p.HandleFeedback(context.Background(), 100, "ghost", "like")
	if !errors.Is(err, ErrUnknownNotification) {
		t.Fatalf("want ErrUnknownNotification, got %v", err)
	}
}
