package relay

import "testing"

func Test_rate_limiter_allows_burst_then_blocks(t *testing.T) {
	l := NewIPRateLimiter(1, 3)

	for i := 0; i < 3; i++ {
		if !l.Allow("10.0.0.1:5555") {
			t.Fatalf("expected request %d within burst to be allowed", i)
		}
	}
	if l.Allow("10.0.0.1:5555") {
		t.Fatal("expected request beyond burst to be denied")
	}
}

func Test_rate_limiter_tracks_ips_independently(t *testing.T) {
	l := NewIPRateLimiter(1, 1)

	if !l.Allow("10.0.0.1:1") {
		t.Fatal("expected first client's first request to be allowed")
	}
	if !l.Allow("10.0.0.2:1") {
		t.Fatal("expected second client's first request to be allowed regardless of the first")
	}
	if l.Allow("10.0.0.1:1") {
		t.Fatal("expected first client's second request to be denied")
	}
}

func Test_rate_limiter_strips_port_from_address(t *testing.T) {
	l := NewIPRateLimiter(1, 1)

	if !l.Allow("10.0.0.1:1111") {
		t.Fatal("expected first request to be allowed")
	}
	if l.Allow("10.0.0.1:2222") {
		t.Fatal("expected same host on a different port to share the same bucket")
	}
}

func Test_rate_limiter_handles_address_without_port(t *testing.T) {
	l := NewIPRateLimiter(1, 1)
	if !l.Allow("10.0.0.1") {
		t.Fatal("expected address without a port to still be tracked")
	}
}
