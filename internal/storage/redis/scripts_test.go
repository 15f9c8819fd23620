package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// setupTestRedis creates a miniredis instance for testing Lua scripts
func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	return client, mr
}

func TestCreateSessionScript(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer client.Close()

	ctx := context.Background()

	run := func(id, email, passkey string) int64 {
		t.Helper()
		keys := []string{sessionKey(id), activeSetKey, lookupKey(email, passkey), passkeySetKey}
		result, err := client.Eval(ctx, createSessionScript, keys,
			id, email, passkey, "2026-03-01T12:00:00Z", 1000).Int64()
		if err != nil {
			t.Fatalf("Script execution failed: %v", err)
		}
		return result
	}

	tests := []struct {
		name    string
		id      string
		email   string
		passkey string
		want    int64
	}{
		{"create active session", "s-1", "a@example.com", "11", 1},
		{"passkey held", "s-2", "b@example.com", "11", 0},
		{"duplicate id", "s-1", "c@example.com", "22", -1},
		{"second session", "s-3", "c@example.com", "33", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := run(tt.id, tt.email, tt.passkey); got != tt.want {
				t.Errorf("script result = %d, want %d", got, tt.want)
			}
		})
	}

	if got := mr.HGet(sessionKey("s-1"), "email"); got != "a@example.com" {
		t.Errorf("s-1 email = %q, want a@example.com", got)
	}
	if mr.Exists(sessionKey("s-2")) {
		t.Error("rejected session was written")
	}

	members, err := mr.ZMembers(activeSetKey)
	if err != nil {
		t.Fatalf("ZMembers failed: %v", err)
	}
	if len(members) != 2 {
		t.Errorf("active set = %v, want 2 members", members)
	}

	if got, _ := mr.Get(lookupKey("c@example.com", "33")); got != "s-3" {
		t.Errorf("lookup key = %q, want s-3", got)
	}
}

func TestEndSessionScript(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer client.Close()

	ctx := context.Background()

	keys := []string{sessionKey("s-1"), activeSetKey, lookupKey("a@example.com", "11"), passkeySetKey}
	if err := client.Eval(ctx, createSessionScript, keys,
		"s-1", "a@example.com", "11", "2026-03-01T12:00:00Z", 1000).Err(); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	endKeys := []string{lookupKey("a@example.com", "11"), activeSetKey, passkeySetKey}
	fields, err := client.Eval(ctx, endSessionScript, endKeys, "11", "2026-03-01T13:00:00Z", sessionPrefix).StringSlice()
	if err != nil {
		t.Fatalf("end failed: %v", err)
	}

	// The reply carries the ended record, so callers need no second read.
	reply := hashFields(fields)
	if reply["id"] != "s-1" || reply["email"] != "a@example.com" || reply["active"] != "0" ||
		reply["ended_at"] != "2026-03-01T13:00:00Z" {
		t.Errorf("end returned %v", reply)
	}
	ended, err := parseSession(reply)
	if err != nil {
		t.Fatalf("parseSession(reply) error = %v", err)
	}
	if ended.Active || ended.EndedAt == nil {
		t.Errorf("ended session = %+v", ended)
	}

	if got := mr.HGet(sessionKey("s-1"), "active"); got != "0" {
		t.Errorf("active = %q, want 0", got)
	}
	if got := mr.HGet(sessionKey("s-1"), "ended_at"); got != "2026-03-01T13:00:00Z" {
		t.Errorf("ended_at = %q", got)
	}
	if ok, _ := mr.SIsMember(passkeySetKey, "11"); ok {
		t.Error("passkey still marked in use")
	}

	// Nothing left to end.
	err = client.Eval(ctx, endSessionScript, endKeys, "11", "2026-03-01T14:00:00Z", sessionPrefix).Err()
	if err != redis.Nil {
		t.Errorf("second end error = %v, want redis.Nil", err)
	}
}
