// Compares tile store backends under the full acquire and commit
// cycle. Results print as a markdown table.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-mural/v1/adapter"
	"github.com/mirkobrombin/go-mural/v1/core"
	"github.com/mirkobrombin/go-mural/v1/lock"
)

var (
	concurrency = flag.Int("c", 50, "Concurrency")
	requests    = flag.Int("n", 20000, "Edit cycles per target")
	dataSize    = flag.Int("d", 256, "Payload size")
	gridSize    = flag.Int("g", 64, "Canvas grid side length")
	target      = flag.String("target", "memory", "Targets: memory, memory-cached, redis (comma separated, or all)")
	redisAddr   = flag.String("redis-addr", "localhost:6379", "Redis address")
)

func main() {
	flag.Parse()

	payload := make([]byte, *dataSize)
	for i := range payload {
		payload[i] = 'x'
	}

	targets := strings.Split(*target, ",")
	if *target == "all" {
		targets = []string{"memory", "memory-cached", "redis"}
	}

	fmt.Printf("| %-14s | %-10s | %-12s | %-12s |\n", "Store", "Ops/sec", "Avg Latency", "P99 Latency")
	fmt.Println("|:---|:---|:---|:---|")
	for _, tg := range targets {
		runBenchmark(strings.TrimSpace(tg), payload)
	}
}

func runBenchmark(name string, payload []byte) {
	var coord *core.Coordinator
	switch name {
	case "memory":
		coord = core.New(adapter.NewInMemoryTileStore())
	case "memory-cached":
		coord = core.New(adapter.NewInMemoryTileStore(), core.WithTileCache())
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: *redisAddr})
		if err := client.Ping(context.Background()).Err(); err != nil {
			log.Printf("skipping %s: %v", name, err)
			return
		}
		coord = core.New(adapter.NewRedisTileStore(client), core.WithTileCache())
	default:
		log.Printf("unknown target %q", name)
		return
	}
	defer coord.Close()

	ctx := context.Background()
	latencies := make([]time.Duration, 0, *requests)
	var mu sync.Mutex
	var wg sync.WaitGroup

	perWorker := *requests / *concurrency
	start := time.Now()
	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			user := fmt.Sprintf("painter-%d", seed)
			local := make([]time.Duration, 0, perWorker)
			for j := 0; j < perWorker; j++ {
				key := lock.TileKey{Canvas: "bench", X: rng.Intn(*gridSize), Y: rng.Intn(*gridSize)}
				opStart := time.Now()
				grant, err := coord.Acquire(ctx, key, user, "")
				if err != nil {
					// Another painter owns the tile right now.
					continue
				}
				if err := coord.SubmitEdit(ctx, key, grant.Token, payload, ""); err != nil {
					continue
				}
				local = append(local, time.Since(opStart))
			}
			mu.Lock()
			latencies = append(latencies, local...)
			mu.Unlock()
		}(int64(i))
	}
	wg.Wait()
	elapsed := time.Since(start)

	if len(latencies) == 0 {
		log.Printf("no successful cycles for %s", name)
		return
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	var total time.Duration
	for _, l := range latencies {
		total += l
	}
	avg := total / time.Duration(len(latencies))
	p99 := latencies[len(latencies)*99/100]

	fmt.Printf("| %-14s | %-10.0f | %-12v | %-12v |\n",
		name, float64(len(latencies))/elapsed.Seconds(), avg, p99)
}
