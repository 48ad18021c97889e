package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"go.uber.org/zap"

	"canvas-backend/internal/cache"
	"canvas-backend/internal/config"
	"canvas-backend/internal/docstore"
	"canvas-backend/internal/presence"
)

// inspect_room prints a room's presence records as stored in Redis and
// marks the ones the next observer would evict.
func main() {
	roomID := flag.String("room", "", "room ID to inspect")
	flag.Parse()
	if *roomID == "" {
		fmt.Fprintln(os.Stderr, "usage: inspect_room -room <roomId>")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	redisClient, err := cache.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, zap.NewNop())
	if err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer redisClient.Close()

	store := docstore.NewRedis(redisClient.Client(), cfg.Docstore.Prefix, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// 서버 시계 기준으로 판단
	now, err := redisClient.Client().Time(ctx).Result()
	if err != nil {
		log.Fatalf("Failed to read server time: %v", err)
	}

	isPublic, err := presence.ReadShareState(ctx, store, *roomID)
	if err != nil {
		log.Fatalf("Failed to read room: %v", err)
	}
	fmt.Printf("Room %s (public: %v, server time: %s)\n\n", *roomID, isPublic, now.Format(time.RFC3339))

	docs, err := store.Find(ctx, docstore.Query{Collection: presence.PresenceCollection(*roomID)})
	if err != nil {
		log.Fatalf("Failed to list presence records: %v", err)
	}
	if len(docs) == 0 {
		fmt.Println("No presence records")
		return
	}

	records := make([]presence.Record, 0, len(docs))
	for _, doc := range docs {
		records = append(records, presence.RecordFromDocument(doc))
	}
	sort.Slice(records, func(i, j int) bool { return records[i].UserID < records[j].UserID })

	_, stale := presence.Project(records, "", now, cfg.Presence.StaleThreshold)
	evict := make(map[string]bool, len(stale))
	for _, rec := range stale {
		evict[rec.UserID] = true
	}

	fmt.Printf("%-40s %-20s %-8s %-12s %-10s %s\n", "USER", "NAME", "ACTIVE", "CURSOR", "AGE", "NOTE")
	for _, rec := range records {
		age := "-"
		if !rec.LastSeen.IsZero() {
			age = now.Sub(rec.LastSeen).Truncate(time.Second).String()
		}
		note := ""
		if evict[rec.UserID] {
			note = "stale, will be evicted"
		}
		fmt.Printf("%-40s %-20s %-8v %-12s %-10s %s\n",
			rec.UserID,
			rec.Name(),
			rec.IsActive,
			fmt.Sprintf("%d,%d", rec.Cursor.X, rec.Cursor.Y),
			age,
			note,
		)
	}
}
