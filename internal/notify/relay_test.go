package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/efreitasn/spotexchange/internal/domain"
	"github.com/efreitasn/spotexchange/internal/metrics"
	"github.com/efreitasn/spotexchange/internal/store"
	"github.com/efreitasn/spotexchange/internal/store/memstore"
)

func enqueue(t *testing.T, s *memstore.Store, n int) {
	t.Helper()
	err := s.Atomic(context.Background(), func(ctx context.Context, tx store.Tx) error {
		for i := 0; i < n; i++ {
			if err := tx.EnqueueNotification(ctx, &store.Notification{
				Trade:    domain.Trade{ID: int64(i + 1), Symbol: "BTC"},
				BuyerID:  1,
				SellerID: 2,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
}

func pending(t *testing.T, s *memstore.Store) []*store.Notification {
	t.Helper()
	ns, err := s.PendingNotifications(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	return ns
}

func notificationCount(t *testing.T, m *metrics.Metrics, outcome string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range families {
		if f.GetName() != "spotexchange_notifications_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			for _, l := range metric.GetLabel() {
				if l.GetName() == "outcome" && l.GetValue() == outcome {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestRelayDrain_DeliversAcrossBatches(t *testing.T) {
	s := memstore.New()
	sink := &recordingSink{}
	m := metrics.New()
	r := NewRelay(s, sink, zap.NewNop(), WithBatchSize(2), WithMetrics(m))
	enqueue(t, s, 5)

	n, err := r.Drain(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 || sink.count() != 5 {
		t.Fatalf("delivered = %d, sink got %d, want 5", n, sink.count())
	}
	if len(pending(t, s)) != 0 {
		t.Error("outbox not empty after drain")
	}
	if got := notificationCount(t, m, "delivered"); got != 5 {
		t.Errorf("delivered metric = %v, want 5", got)
	}

	n, err = r.Drain(context.Background())
	if err != nil || n != 0 {
		t.Errorf("second drain = %d, %v; want 0, nil", n, err)
	}
}

func TestRelayDrain_FailureKeepsPendingThenAbandons(t *testing.T) {
	s := memstore.New()
	sink := &recordingSink{err: errors.New("sink down")}
	r := NewRelay(s, sink, zap.NewNop(), WithMaxAttempts(3))
	enqueue(t, s, 1)

	for attempt := 1; attempt <= 2; attempt++ {
		if _, err := r.Drain(context.Background()); err != nil {
			t.Fatal(err)
		}
		ns := pending(t, s)
		if len(ns) != 1 {
			t.Fatalf("attempt %d: pending = %d, want 1", attempt, len(ns))
		}
		if ns[0].Attempts != attempt || ns[0].LastError != "sink down" {
			t.Fatalf("attempt %d: %+v", attempt, ns[0])
		}
	}

	if _, err := r.Drain(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(pending(t, s)) != 0 {
		t.Fatal("notification still pending after max attempts")
	}

	// Recovery after abandonment does not resurrect the entry.
	sink.err = nil
	if n, _ := r.Drain(context.Background()); n != 0 {
		t.Errorf("delivered %d abandoned entries", n)
	}
}

func TestRelayStart_KickDelivers(t *testing.T) {
	s := memstore.New()
	sink := &recordingSink{}
	r := NewRelay(s, sink, zap.NewNop(), WithInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	enqueue(t, s, 2)
	r.Kick()
	r.Kick()

	deadline := time.Now().Add(2 * time.Second)
	for sink.count() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("sink got %d messages, want 2", sink.count())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
