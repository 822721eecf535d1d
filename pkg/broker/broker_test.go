package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestWaitReturnsRetainedMessagesAfterCursor(t *testing.T) {
	b := New()
	for _, p := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		if _, err := b.Publish("global", json.RawMessage(p)); err != nil {
			t.Fatal(err)
		}
	}
	next, payloads, err := b.Wait(context.Background(), "global", 1, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if next != 3 || len(payloads) != 2 || string(payloads[0]) != `{"n":2}` || string(payloads[1]) != `{"n":3}` {
		t.Fatalf("unexpected result %d %s", next, payloads)
	}
}

func TestWaitTimesOutWithSameCursor(t *testing.T) {
	b := New()
	next, payloads, err := b.Wait(context.Background(), "global", 0, time.Millisecond*10)
	if err != nil {
		t.Fatal(err)
	}
	if next != 0 || len(payloads) != 0 {
		t.Fatalf("unexpected result %d %s", next, payloads)
	}
}

func TestPublishWakesWaitersAndCountsThem(t *testing.T) {
	b := New()
	cursor, _ := b.ParseCursor("")

	var wg sync.WaitGroup
	results := make(chan int, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, payloads, err := b.Wait(context.Background(), "global", cursor, time.Second*5)
			if err != nil {
				t.Error(err)
			}
			results <- len(payloads)
		}()
	}
	deadline := time.Now().Add(time.Second * 5)
	for b.Subscribers("global") != 2 {
		if time.Now().After(deadline) {
			t.Fatal("subscribers never attached")
		}
		time.Sleep(time.Millisecond)
	}
	sent, err := b.Publish("global", json.RawMessage(`{"tick":true,"cells":""}`))
	if err != nil {
		t.Fatal(err)
	}
	if sent != 2 {
		t.Fatalf("expected 2 subscribers, got %d", sent)
	}
	wg.Wait()
	close(results)
	for n := range results {
		if n != 1 {
			t.Fatalf("expected one message, got %d", n)
		}
	}
	if b.Subscribers("global") != 0 {
		t.Fatal("subscribers not released")
	}
}

func TestTopicsAreIsolated(t *testing.T) {
	b := New()
	_, _ = b.Publish("other", json.RawMessage(`{}`))
	next, payloads, err := b.Wait(context.Background(), "global", 0, time.Millisecond*10)
	if err != nil {
		t.Fatal(err)
	}
	if len(payloads) != 0 || next != 0 {
		t.Fatalf("message leaked across topics: %d %s", next, payloads)
	}
}

func TestWaitHonoursContext(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := b.Wait(ctx, "global", 0, time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestRetentionEvicts(t *testing.T) {
	j := &memJournal{}
	b := New(WithRetention(2), WithJournal(j))
	for i := 0; i < 4; i++ {
		if _, err := b.Publish("global", json.RawMessage(`{}`)); err != nil {
			t.Fatal(err)
		}
	}
	next, payloads, _ := b.Wait(context.Background(), "global", 0, time.Millisecond)
	if next != 4 || len(payloads) != 2 {
		t.Fatalf("unexpected retained set %d %d", next, len(payloads))
	}
	if len(j.appended) != 4 || len(j.evicted) != 2 || j.evicted[0] != 1 || j.evicted[1] != 2 {
		t.Fatalf("unexpected journal activity %+v", j)
	}
}

func TestRejectsBadInput(t *testing.T) {
	b := New()
	if _, err := b.Publish("global", json.RawMessage(`{nope`)); !errors.Is(err, ErrBadPayload) {
		t.Fatalf("expected bad payload, got %v", err)
	}
	if _, err := b.ParseCursor("abc"); !errors.Is(err, ErrBadCursor) {
		t.Fatalf("expected bad cursor, got %v", err)
	}
}

func TestRestoreContinuesSequence(t *testing.T) {
	b := New()
	b.Restore([]Record{
		{Seq: 7, Topic: "global", Payload: json.RawMessage(`{"n":7}`)},
		{Seq: 3, Topic: "global", Payload: json.RawMessage(`{"n":3}`)},
	})
	if b.Tip() != 7 {
		t.Fatalf("unexpected tip %d", b.Tip())
	}
	_, _ = b.Publish("global", json.RawMessage(`{"n":8}`))
	next, payloads, _ := b.Wait(context.Background(), "global", 0, time.Millisecond)
	if next != 8 || len(payloads) != 3 || string(payloads[0]) != `{"n":3}` {
		t.Fatalf("unexpected restore %d %s", next, payloads)
	}
}

type memJournal struct {
	appended []Record
	evicted  []uint64
}

func (m *memJournal) Append(r Record) error {
	m.appended = append(m.appended, r)
	return nil
}

func (m *memJournal) Evict(_ string, seqs ...uint64) error {
	m.evicted = append(m.evicted, seqs...)
	return nil
}
