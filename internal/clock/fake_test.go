package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeAfterFiresOnAdvance(t *testing.T) {
	c := Fake(epoch)
	ch := c.After(3 * time.Second)

	c.Advance(2 * time.Second)
	select {
	case <-ch:
		t.Fatal("After fired before its deadline")
	default:
	}

	c.Advance(time.Second)
	select {
	case got := <-ch:
		if want := epoch.Add(3 * time.Second); !got.Equal(want) {
			t.Fatalf("fired with %v, want %v", got, want)
		}
	default:
		t.Fatal("After did not fire at its deadline")
	}
}

func TestFakeTickerRepeatsUntilStopped(t *testing.T) {
	c := Fake(epoch)
	ticker := c.NewTicker(time.Minute)

	for i := 0; i < 3; i++ {
		c.Advance(time.Minute)
		select {
		case <-ticker.C:
		default:
			t.Fatalf("tick %d missing", i+1)
		}
	}

	ticker.Stop()
	c.Advance(time.Minute)
	select {
	case <-ticker.C:
		t.Fatal("stopped ticker fired")
	default:
	}
}

func TestFakeWaitForTimers(t *testing.T) {
	c := Fake(epoch)
	done := make(chan struct{})
	go func() {
		<-c.After(time.Second)
		close(done)
	}()
	c.WaitForTimers(1)
	c.Advance(time.Second)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine was not released by Advance")
	}
}
