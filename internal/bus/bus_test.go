package bus

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestPublishDeliversToConcreteSubscriber(t *testing.T) {
	b := New()

	var got []string
	Subscribe(b, func(ev LogEvent) {
		got = append(got, ev.Message)
	})

	b.Publish(LogEvent{Message: "first"})
	b.Publish(LogEvent{Message: "second"})

	assert.Equal(t, []string{"first", "second"}, got)
}

func TestPublishWithoutSubscribersIsSilent(t *testing.T) {
	b := New()
	assert.NotPanics(t, func() {
		b.Publish(ClearTerminalEvent{})
		b.Publish(nil)
	})
}

func TestInterfaceSubscriberReceivesAllEvents(t *testing.T) {
	b := New()

	var count int
	Subscribe(b, func(ev any) { count++ })

	b.Publish(LogEvent{Message: "x"})
	b.Publish(AgentTokenEvent{Token: "t"})
	b.Publish(SearchNextEvent{})

	assert.Equal(t, 3, count)
}

func TestUnsubscribeStopsDeliveryImmediately(t *testing.T) {
	b := New()

	var count int
	sub := Subscribe(b, func(ev LogEvent) { count++ })

	b.Publish(LogEvent{Message: "one"})
	b.Unsubscribe(sub)
	b.Publish(LogEvent{Message: "two"})

	assert.Equal(t, 1, count)
}

func TestSubscriberPanicDoesNotEscapePublish(t *testing.T) {
	b := New()

	Subscribe(b, func(ev LogEvent) { panic("boom") })
	var delivered bool
	Subscribe(b, func(ev LogEvent) { delivered = true })

	assert.NotPanics(t, func() { b.Publish(LogEvent{Message: "x"}) })
	assert.True(t, delivered, "later subscribers still run after a panic")
}

func TestDeliveryOrderFollowsRegistration(t *testing.T) {
	b := New()

	var order []int
	Subscribe(b, func(ev LogEvent) { order = append(order, 1) })
	Subscribe(b, func(ev any) { order = append(order, 2) })
	Subscribe(b, func(ev LogEvent) { order = append(order, 3) })

	b.Publish(LogEvent{Message: "x"})
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestSubscribeChanDropsWhenFull(t *testing.T) {
	b := New()

	ch := make(chan AgentTokenEvent, 1)
	SubscribeChan(b, ch)

	b.Publish(AgentTokenEvent{Token: "a"})
	b.Publish(AgentTokenEvent{Token: "b"}) // dropped, channel full

	require.Len(t, ch, 1)
	assert.Equal(t, "a", (<-ch).Token)
}

func TestConcurrentPublishIsSafe(t *testing.T) {
	b := New()

	var mu sync.Mutex
	var count int
	Subscribe(b, func(ev LogEvent) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Publish(LogEvent{Message: "x"})
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 800, count)
}

func TestDefaultSeverityIsInfo(t *testing.T) {
	ev := LogEvent{Message: "hello"}
	assert.Equal(t, SeverityInfo, ev.Severity)
	assert.Equal(t, "INFO", ev.Severity.String())
}
