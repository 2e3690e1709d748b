package sessioncache

import (
	"testing"
	"time"
)

func TestTTLCacheExpiresEntries(test *testing.T) {
	test.Parallel()
	cache := NewTTLCache[string, int]()
	cache.Set("short", 1, 10*time.Millisecond)
	cache.Set("forever", 2, 0)

	if value, ok := cache.Get("short"); !ok || value != 1 {
		test.Fatalf("expected live entry, got %d %v", value, ok)
	}
	time.Sleep(25 * time.Millisecond)
	if _, ok := cache.Get("short"); ok {
		test.Fatal("expected entry to expire")
	}
	if value, ok := cache.Get("forever"); !ok || value != 2 {
		test.Fatalf("expected zero-TTL entry to persist, got %d %v", value, ok)
	}
}

func TestTTLCacheDelete(test *testing.T) {
	test.Parallel()
	cache := NewTTLCache[string, int]()
	cache.Set("key", 1, 0)
	cache.Delete("key")
	if _, ok := cache.Get("key"); ok {
		test.Fatal("expected deleted entry to be gone")
	}
}

func TestTTLCacheNilSafety(test *testing.T) {
	test.Parallel()
	var cache *TTLCache[string, int]
	cache.Set("key", 1, 0)
	cache.Delete("key")
	if _, ok := cache.Get("key"); ok {
		test.Fatal("expected nil cache to hold nothing")
	}
	cache.Range(func(string, int) bool { return true })
}

func TestSessionsRefreshUserRewritesAllSessions(test *testing.T) {
	test.Parallel()
	sessions := NewSessions(time.Hour)
	sessions.Put("session-a", Snapshot{UserID: "user-1", CurrentCredits: 10})
	sessions.Put("session-b", Snapshot{UserID: "user-1", CurrentCredits: 10})
	sessions.Put("session-c", Snapshot{UserID: "user-2", CurrentCredits: 99})

	sessions.RefreshUser("user-1", func(snapshot Snapshot) Snapshot {
		snapshot.CurrentCredits = 25
		return snapshot
	})

	for _, sessionID := range []string{"session-a", "session-b"} {
		snapshot, ok := sessions.Get(sessionID)
		if !ok || snapshot.CurrentCredits != 25 {
			test.Fatalf("expected %s refreshed to 25, got %+v %v", sessionID, snapshot, ok)
		}
	}
	other, ok := sessions.Get("session-c")
	if !ok || other.CurrentCredits != 99 {
		test.Fatalf("expected other user's session untouched, got %+v", other)
	}
}

func TestSessionsDrop(test *testing.T) {
	test.Parallel()
	sessions := NewSessions(time.Hour)
	sessions.Put("session-a", Snapshot{UserID: "user-1"})
	sessions.Drop("session-a")
	if _, ok := sessions.Get("session-a"); ok {
		test.Fatal("expected dropped session to be gone")
	}
}
