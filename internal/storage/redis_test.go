package storage

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*RedisClient, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}

	client, err := NewRedisClient(mr.Addr(), "", 0)
	if err != nil {
		mr.Close()
		t.Fatalf("Failed to create Redis client: %v", err)
	}

	return client, mr
}

func TestNewRedisClient(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	defer mr.Close()

	client, err := NewRedisClient(mr.Addr(), "", 0)
	if err != nil {
		t.Fatalf("NewRedisClient() error = %v", err)
	}
	defer client.Close()

	if client == nil {
		t.Fatal("NewRedisClient returned nil")
	}
}

func TestNewRedisClientInvalid(t *testing.T) {
	_, err := NewRedisClient("invalid:9999", "", 0)
	if err == nil {
		t.Error("NewRedisClient should return error for invalid address")
	}
}

func TestBlacklist(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	address := "203.0.113.9"

	blacklisted, err := client.IsBlacklisted(address)
	if err != nil {
		t.Fatalf("IsBlacklisted() error = %v", err)
	}
	if blacklisted {
		t.Error("address should not be blacklisted initially")
	}

	if err := client.AddToBlacklist(address); err != nil {
		t.Fatalf("AddToBlacklist() error = %v", err)
	}

	blacklisted, err = client.IsBlacklisted(address)
	if err != nil {
		t.Fatalf("IsBlacklisted() error = %v", err)
	}
	if !blacklisted {
		t.Error("address should be blacklisted")
	}

	list, err := client.GetBlacklist()
	if err != nil {
		t.Fatalf("GetBlacklist() error = %v", err)
	}
	if len(list) != 1 {
		t.Errorf("GetBlacklist() returned %d items, want 1", len(list))
	}

	if err := client.RemoveFromBlacklist(address); err != nil {
		t.Fatalf("RemoveFromBlacklist() error = %v", err)
	}
	blacklisted, _ = client.IsBlacklisted(address)
	if blacklisted {
		t.Error("address should not be blacklisted after removal")
	}
}

func TestWhitelist(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	ip := "192.168.1.100"

	whitelisted, err := client.IsWhitelisted(ip)
	if err != nil {
		t.Fatalf("IsWhitelisted() error = %v", err)
	}
	if whitelisted {
		t.Error("IP should not be whitelisted initially")
	}

	if err := client.AddToWhitelist(ip); err != nil {
		t.Fatalf("AddToWhitelist() error = %v", err)
	}

	whitelisted, err = client.IsWhitelisted(ip)
	if err != nil {
		t.Fatalf("IsWhitelisted() error = %v", err)
	}
	if !whitelisted {
		t.Error("IP should be whitelisted")
	}

	list, err := client.GetWhitelist()
	if err != nil {
		t.Fatalf("GetWhitelist() error = %v", err)
	}
	if len(list) != 1 {
		t.Errorf("GetWhitelist() returned %d items, want 1", len(list))
	}

	if err := client.RemoveFromWhitelist(ip); err != nil {
		t.Fatalf("RemoveFromWhitelist() error = %v", err)
	}
	whitelisted, _ = client.IsWhitelisted(ip)
	if whitelisted {
		t.Error("IP should not be whitelisted after removal")
	}
}

func TestConnectionSnapshot(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	got, err := client.GetConnectionSnapshot()
	if err != nil {
		t.Fatalf("GetConnectionSnapshot() error = %v", err)
	}
	if got != nil {
		t.Fatal("expected nil snapshot before any save")
	}

	snap := ConnectionSnapshot{
		TakenAt:     time.Now().Unix(),
		Connections: map[string]int64{"p1": 2, "a2": 1},
	}
	if err := client.SaveConnectionSnapshot(snap); err != nil {
		t.Fatalf("SaveConnectionSnapshot() error = %v", err)
	}

	got, err = client.GetConnectionSnapshot()
	if err != nil {
		t.Fatalf("GetConnectionSnapshot() error = %v", err)
	}
	if got == nil {
		t.Fatal("expected a snapshot after save")
	}
	if got.Connections["p1"] != 2 || got.Connections["a2"] != 1 {
		t.Errorf("unexpected snapshot contents: %+v", got.Connections)
	}
}

func TestRecordAndGetRecentSessions(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	sessions, err := client.GetRecentSessions("p1", 10)
	if err != nil {
		t.Fatalf("GetRecentSessions() error = %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("expected no sessions before recording, got %d", len(sessions))
	}

	rec := SessionRecord{
		ClientIP:     "198.51.100.4",
		InputName:    "input1",
		ProviderName: "p1",
		State:        "available",
		StartedAt:    time.Now().Add(-time.Minute),
		EndedAt:      time.Now(),
	}
	if err := client.RecordSessionEnd(rec); err != nil {
		t.Fatalf("RecordSessionEnd() error = %v", err)
	}

	sessions, err = client.GetRecentSessions("p1", 10)
	if err != nil {
		t.Fatalf("GetRecentSessions() error = %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	if sessions[0].ClientIP != rec.ClientIP {
		t.Errorf("ClientIP = %s, want %s", sessions[0].ClientIP, rec.ClientIP)
	}
}

func TestPurgeOlderThan(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer mr.Close()
	defer client.Close()

	old := SessionRecord{
		ClientIP: "198.51.100.4", ProviderName: "p1",
		StartedAt: time.Now().Add(-2 * time.Hour),
		EndedAt:   time.Now().Add(-2 * time.Hour),
	}
	recent := SessionRecord{
		ClientIP: "198.51.100.5", ProviderName: "p1",
		StartedAt: time.Now(),
		EndedAt:   time.Now(),
	}
	client.RecordSessionEnd(old)
	client.RecordSessionEnd(recent)

	if err := client.PurgeOlderThan(time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("PurgeOlderThan() error = %v", err)
	}

	sessions, err := client.GetRecentSessions("p1", 10)
	if err != nil {
		t.Fatalf("GetRecentSessions() error = %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session to survive purge, got %d", len(sessions))
	}
	if sessions[0].ClientIP != recent.ClientIP {
		t.Errorf("expected the recent session to survive, got %s", sessions[0].ClientIP)
	}
}
