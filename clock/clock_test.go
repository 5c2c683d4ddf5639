package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeAdvanceFiresTicker(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)
	tk := f.NewTicker(time.Hour)
	defer tk.Stop()

	f.Advance(30 * time.Minute)
	select {
	case <-tk.C():
		t.Fatal("ticker fired before its interval elapsed")
	default:
	}

	f.Advance(30 * time.Minute)
	select {
	case got := <-tk.C():
		assert.Equal(t, start.Add(time.Hour), got)
	default:
		t.Fatal("expected ticker to fire")
	}
	assert.Equal(t, start.Add(time.Hour), f.Now())
}

func TestFakeStoppedTickerDoesNotFire(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	tk := f.NewTicker(time.Minute)
	require.Equal(t, 1, f.Tickers())

	tk.Stop()
	assert.Equal(t, 0, f.Tickers())

	f.Advance(5 * time.Minute)
	select {
	case <-tk.C():
		t.Fatal("stopped ticker fired")
	default:
	}
}

func TestFakeSetSkipsMissedTicks(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	tk := f.NewTicker(time.Minute)

	f.Set(time.Unix(0, 0).Add(10 * time.Minute))
	select {
	case <-tk.C():
		t.Fatal("Set must not fire tickers")
	default:
	}

	f.Advance(time.Minute)
	select {
	case <-tk.C():
	default:
		t.Fatal("expected tick one interval after Set")
	}
}
