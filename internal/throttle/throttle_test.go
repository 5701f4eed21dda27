package throttle

import (
	"context"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shaiso/Stepwise/internal/cache"
)

func newCache(t *testing.T) (*cache.Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return cache.New(client), mr
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestShared_BanVisibleToEveryProcess(t *testing.T) {
	c, mr := newCache(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)

	a := NewShared(c, "203.0.113.7", Binance(), WithClock(fixedClock(now)))
	b := NewShared(c, "203.0.113.7", Binance(), WithClock(fixedClock(now)))

	if banned, _ := b.IsCurrentlyBanned(ctx); banned {
		t.Fatal("banned before RecordBan")
	}

	if err := a.RecordBan(ctx, 2*time.Minute); err != nil {
		t.Fatalf("RecordBan: %v", err)
	}

	for name, th := range map[string]*Shared{"a": a, "b": b} {
		banned, err := th.IsCurrentlyBanned(ctx)
		if err != nil {
			t.Fatalf("%s: IsCurrentlyBanned: %v", name, err)
		}
		if !banned {
			t.Errorf("%s: IsCurrentlyBanned = false, want true", name)
		}
	}

	if !mr.Exists("binance:203.0.113.7:banned_until") {
		t.Error("ban key not written in expected format")
	}

	d, err := b.IsSafeToMakeRequest(ctx, "")
	if err != nil {
		t.Fatalf("IsSafeToMakeRequest: %v", err)
	}
	if d != 2*time.Minute {
		t.Errorf("delay = %v, want 2m", d)
	}
}

func TestShared_BanScopedToNetworkIdentity(t *testing.T) {
	c, _ := newCache(t)
	ctx := context.Background()

	a := NewShared(c, "10.0.0.1", Binance())
	other := NewShared(c, "10.0.0.2", Binance())

	_ = a.RecordBan(ctx, time.Minute)
	if banned, _ := other.IsCurrentlyBanned(ctx); banned {
		t.Error("ban leaked to another network identity")
	}
}

func TestShared_BanNeverShortened(t *testing.T) {
	c, _ := newCache(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)
	th := NewShared(c, "ip", Binance(), WithClock(fixedClock(now)))

	_ = th.RecordBan(ctx, 10*time.Minute)
	_ = th.RecordBan(ctx, time.Minute)

	d, _ := th.IsSafeToMakeRequest(ctx, "")
	if d != 10*time.Minute {
		t.Errorf("delay = %v, want 10m", d)
	}
}

func TestShared_BanExpires(t *testing.T) {
	c, mr := newCache(t)
	ctx := context.Background()
	now := time.Now()
	clock := now
	th := NewShared(c, "ip", Binance(), WithClock(func() time.Time { return clock }))

	_ = th.RecordBan(ctx, 30*time.Second)
	clock = now.Add(31 * time.Second)
	mr.FastForward(31 * time.Second)

	if banned, _ := th.IsCurrentlyBanned(ctx); banned {
		t.Error("ban still active after expiry")
	}
}

func TestShared_WindowSafetyMargin(t *testing.T) {
	c, _ := newCache(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 10, 0, 20, 0, time.UTC)

	a := NewShared(c, "ip", Binance(), WithClock(fixedClock(now)))
	b := NewShared(c, "ip", Binance(), WithClock(fixedClock(now)))

	// 4000 из 6000 — ниже 85%.
	h := http.Header{}
	h.Set("X-MBX-USED-WEIGHT-1M", "4000")
	if err := a.RecordResponseHeaders(ctx, h, ""); err != nil {
		t.Fatalf("RecordResponseHeaders: %v", err)
	}
	if d, _ := b.IsSafeToMakeRequest(ctx, ""); d != 0 {
		t.Errorf("delay at 4000/6000 = %v, want 0", d)
	}

	// 5200 из 6000 — выше 85%, ждём до конца минуты.
	h.Set("X-MBX-USED-WEIGHT-1M", "5200")
	_ = a.RecordResponseHeaders(ctx, h, "")
	d, err := b.IsSafeToMakeRequest(ctx, "")
	if err != nil {
		t.Fatalf("IsSafeToMakeRequest: %v", err)
	}
	if d != 40*time.Second {
		t.Errorf("delay at 5200/6000 = %v, want 40s", d)
	}

	// Более старый ответ с меньшим значением не перезаписывает окно.
	h.Set("X-MBX-USED-WEIGHT-1M", "100")
	_ = a.RecordResponseHeaders(ctx, h, "")
	if d, _ := b.IsSafeToMakeRequest(ctx, ""); d != 40*time.Second {
		t.Errorf("delay after stale header = %v, want 40s", d)
	}
}

func TestShared_PerAccountWindow(t *testing.T) {
	c, mr := newCache(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 10, 0, 3, 0, time.UTC)
	th := NewShared(c, "ip", Binance(), WithClock(fixedClock(now)))

	h := http.Header{}
	h.Set("X-MBX-ORDER-COUNT-10S", "95")
	_ = th.RecordResponseHeaders(ctx, h, "acct-1")

	if !mr.Exists("binance:ip:orders_10s:account:acct-1") {
		t.Fatalf("per-account key missing; keys = %v", mr.Keys())
	}

	if d, _ := th.IsSafeToMakeRequest(ctx, "acct-1"); d != 7*time.Second {
		t.Errorf("acct-1 delay = %v, want 7s", d)
	}
	if d, _ := th.IsSafeToMakeRequest(ctx, "acct-2"); d != 0 {
		t.Errorf("acct-2 delay = %v, want 0", d)
	}
}

func TestShared_RemainingWithResetHeader(t *testing.T) {
	c, _ := newCache(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	th := NewShared(c, "ip", Bybit(), WithClock(fixedClock(now)))

	reset := now.Add(1500 * time.Millisecond)
	h := http.Header{}
	h.Set("X-Bapi-Limit", "20")
	h.Set("X-Bapi-Limit-Status", "2")
	h.Set("X-Bapi-Limit-Reset-Timestamp", strconv.FormatInt(reset.UnixMilli(), 10))
	_ = th.RecordResponseHeaders(ctx, h, "uid-9")

	// Израсходовано 18 из 20 (90%).
	d, err := th.IsSafeToMakeRequest(ctx, "uid-9")
	if err != nil {
		t.Fatalf("IsSafeToMakeRequest: %v", err)
	}
	if d != 1500*time.Millisecond {
		t.Errorf("delay = %v, want 1.5s", d)
	}
}

func TestShared_LocalLimiterNeverBlocks(t *testing.T) {
	c, _ := newCache(t)
	ctx := context.Background()
	now := time.Now()
	p := Profile{
		System:     "test",
		Windows:    []Window{{Name: "w", Header: "X-Used", Limit: 100, Period: time.Minute}},
		LocalRate:  1,
		LocalBurst: 1,
	}
	th := NewShared(c, "ip", p, WithClock(fixedClock(now)))

	if d, _ := th.IsSafeToMakeRequest(ctx, ""); d != 0 {
		t.Fatalf("first request delay = %v, want 0", d)
	}
	start := time.Now()
	d, _ := th.IsSafeToMakeRequest(ctx, "")
	if d <= 0 || d > time.Second {
		t.Errorf("second request delay = %v, want (0, 1s]", d)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("IsSafeToMakeRequest slept")
	}
}

func TestNew_SimpleIsNoop(t *testing.T) {
	c, _ := newCache(t)
	th := New(c, "ip", Simple("coingecko"))
	if _, ok := th.(Noop); !ok {
		t.Fatalf("New(Simple) = %T, want Noop", th)
	}

	ctx := context.Background()
	_ = th.RecordBan(ctx, time.Hour)
	if banned, _ := th.IsCurrentlyBanned(ctx); banned {
		t.Error("Noop reports ban")
	}
	if d, _ := th.IsSafeToMakeRequest(ctx, "x"); d != 0 {
		t.Errorf("Noop delay = %v", d)
	}
}

func TestRegistry_UnknownIsNoop(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Get("kraken").(Noop); !ok {
		t.Error("unknown system should fall back to Noop")
	}
	var nilReg *Registry
	if _, ok := nilReg.Get("x").(Noop); !ok {
		t.Error("nil registry should return Noop")
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{"seconds", "120", 2 * time.Minute},
		{"fractional", "1.5", 1500 * time.Millisecond},
		{"missing", "", 30 * time.Second},
		{"garbage", "soon", 30 * time.Second},
		{"zero", "0", 30 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			if tt.value != "" {
				h.Set("Retry-After", tt.value)
			}
			if got := ParseRetryAfter(h, 30*time.Second); got != tt.want {
				t.Errorf("ParseRetryAfter(%q) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}

func TestObserve_RecordsBanOn418(t *testing.T) {
	c, _ := newCache(t)
	ctx := context.Background()
	th := NewShared(c, "ip", Binance())

	resp := &http.Response{StatusCode: http.StatusTeapot, Header: http.Header{}}
	resp.Header.Set("Retry-After", "300")
	if err := Observe(ctx, th, resp, ""); err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if banned, _ := th.IsCurrentlyBanned(ctx); !banned {
		t.Error("418 did not record a ban")
	}
}

func TestShared_SubMillisecondBan(t *testing.T) {
	c, mr := newCache(t)
	ctx := context.Background()
	th := NewShared(c, "203.0.113.7", Binance(), WithClock(fixedClock(time.Now())))

	if err := th.RecordBan(ctx, 500*time.Microsecond); err != nil {
		t.Fatalf("RecordBan: %v", err)
	}
	if ttl := mr.TTL("binance:203.0.113.7:banned_until"); ttl <= 0 {
		t.Errorf("ban TTL = %v, want positive", ttl)
	}
	if got := pxMillis(300 * time.Microsecond); got != 1 {
		t.Errorf("pxMillis(300µs) = %d, want 1", got)
	}
}
