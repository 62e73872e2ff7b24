package engine_test

import (
	"testing"

	"github.com/seantiz/depflow/internal/engine"
	"github.com/seantiz/depflow/internal/model"
)

func TestEventBrokerMultipleSubscribers(t *testing.T) {
	b := engine.NewEventBroker()
	ch1, unsub1 := b.Subscribe()
	defer unsub1()
	ch2, unsub2 := b.Subscribe()
	defer unsub2()

	if !b.HasSubscribers() {
		t.Fatal("HasSubscribers() = false, want true")
	}
	b.Publish(model.OpRecord{Name: "hello"})
	b.Close()

	for i, ch := range []<-chan model.OpRecord{ch1, ch2} {
		var got []string
		for rec := range ch {
			got = append(got, rec.Name)
		}
		if len(got) != 1 || got[0] != "hello" {
			t.Errorf("subscriber %d got %v, want [hello]", i+1, got)
		}
	}
}

func TestEventBrokerUnsubscribe(t *testing.T) {
	b := engine.NewEventBroker()
	_, unsub := b.Subscribe()
	unsub()
	unsub()
	if b.HasSubscribers() {
		t.Error("HasSubscribers() = true after unsubscribe")
	}
	b.Publish(model.OpRecord{Name: "nobody"})
}

func TestEventBrokerSubscribeAfterClose(t *testing.T) {
	b := engine.NewEventBroker()
	b.Close()
	ch, unsub := b.Subscribe()
	defer unsub()
	if _, ok := <-ch; ok {
		t.Error("expected closed channel after Close")
	}
}

func TestEventBrokerDropsForSlowSubscriber(t *testing.T) {
	b := engine.NewEventBroker()
	ch, unsub := b.Subscribe()
	defer unsub()

	for i := 0; i < 1000; i++ {
		b.Publish(model.OpRecord{Name: "flood"})
	}
	b.Close()

	n := 0
	for range ch {
		n++
	}
	if n == 0 || n >= 1000 {
		t.Errorf("received %d events, want between 1 and 999", n)
	}
}
