// Command bootstrap-pool seeds a starter channel pool in the datastore.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"classcast/internal/storage"
)

func main() {
	var (
		jsonPath     string
		postgresDSN  string
		count        int
		namePrefix   string
		ingestBase   string
		playbackBase string
	)

	flag.StringVar(&jsonPath, "json", "", "Path to the JSON datastore (classcast.json)")
	flag.StringVar(&postgresDSN, "postgres-dsn", "", "Postgres connection string")
	flag.IntVar(&count, "count", 4, "Number of channels to provision")
	flag.StringVar(&namePrefix, "name-prefix", "pool", "Name prefix for seeded channels")
	flag.StringVar(&ingestBase, "ingest-base", "rtmp://localhost/live", "Base URL for ingest endpoints")
	flag.StringVar(&playbackBase, "playback-base", "http://localhost/hls", "Base URL for playback endpoints")
	flag.Parse()

	if jsonPath == "" && postgresDSN == "" {
		fatalf("either --json or --postgres-dsn must be provided")
	}
	if jsonPath != "" && postgresDSN != "" {
		fatalf("only one datastore option may be provided")
	}
	if count <= 0 {
		fatalf("--count must be positive")
	}
	namePrefix = strings.TrimSpace(namePrefix)
	if namePrefix == "" {
		fatalf("--name-prefix cannot be empty")
	}

	repo, err := openRepository(jsonPath, postgresDSN)
	if err != nil {
		fatalf("open datastore: %v", err)
	}
	defer closeRepository(repo)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	seeded := 0
	for i := 1; i <= count; i++ {
		name := fmt.Sprintf("%s-%02d", namePrefix, i)
		_, err := repo.CreateChannel(ctx, storage.CreateChannelParams{
			ProviderChannelID: name,
			Name:              name,
			IngestEndpoint:    fmt.Sprintf("%s/%s", strings.TrimRight(ingestBase, "/"), name),
			PlaybackEndpoint:  fmt.Sprintf("%s/%s.m3u8", strings.TrimRight(playbackBase, "/"), name),
			Enabled:           true,
		})
		if err != nil {
			fatalf("create channel %s: %v", name, err)
		}
		seeded++
	}

	fmt.Printf("Seeded %d channels with prefix %q.\n", seeded, namePrefix)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func openRepository(jsonPath, postgresDSN string) (storage.Repository, error) {
	if jsonPath != "" {
		return storage.NewJSONRepository(jsonPath)
	}
	return storage.NewPostgresRepository(postgresDSN)
}

func closeRepository(repo storage.Repository) {
	type closer interface {
		Close(context.Context) error
	}
	if c, ok := repo.(closer); ok {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Close(ctx)
	}
}
