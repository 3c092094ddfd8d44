package ratelimiter

import (
	"strconv"
	"testing"
	"time"
)

func TestKeyLimiterBurstPerKey(t *testing.T) {
	l := New(1, 2, time.Minute)
	now := time.Now()
	if !l.Allow("s1", now) || !l.Allow("s1", now) {
		t.Fatal("burst of 2 must be allowed")
	}
	if l.Allow("s1", now) {
		t.Fatal("third request in the same instant must be throttled")
	}
	if !l.Allow("s2", now) {
		t.Fatal("keys must not share buckets")
	}
	if !l.Allow("s1", now.Add(time.Second)) {
		t.Fatal("token must refill after one second")
	}
}

func TestKeyLimiterNilAndBlankKeys(t *testing.T) {
	var l *KeyLimiter
	if !l.Allow("x", time.Now()) {
		t.Fatal("nil limiter must allow")
	}
	l.Forget("x")
	if l.Len() != 0 {
		t.Fatal("nil limiter has no buckets")
	}
	if New(0, 1, 0) != nil || New(1, 0, 0) != nil {
		t.Fatal("invalid args must disable the limiter")
	}
	enabled := New(1, 1, 0)
	if !enabled.Allow("  ", time.Now()) || !enabled.Allow("", time.Now()) {
		t.Fatal("blank keys are never throttled")
	}
	if enabled.Len() != 0 {
		t.Fatalf("blank keys must not allocate buckets, got %d", enabled.Len())
	}
}

func TestKeyLimiterSweepsIdleBuckets(t *testing.T) {
	l := New(100, 100, time.Second)
	start := time.Now()
	l.Allow("stale", start)
	later := start.Add(time.Minute)
	for i := 0; i < sweepEvery; i++ {
		l.Allow("k"+strconv.Itoa(i%4), later)
	}
	if l.Len() != 4 {
		t.Fatalf("expected stale bucket to be swept, have %d buckets", l.Len())
	}
	l.Forget("k0")
	if l.Len() != 3 {
		t.Fatalf("forget must drop the bucket, have %d", l.Len())
	}
}
