// Command mural-bench drives acquire, submit and release cycles
// against an in-process coordinator and reports throughput.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	muralerrors "github.com/mirkobrombin/go-mural/v1/errors"
	"github.com/mirkobrombin/go-mural/v1/lock"
	"github.com/mirkobrombin/go-mural/v1/presets"
)

var (
	concurrency = flag.Int("c", 50, "Number of concurrent painters")
	requests    = flag.Int("n", 100000, "Total number of edit cycles")
	gridSize    = flag.Int("g", 32, "Canvas grid side length")
	dataSize    = flag.Int("d", 256, "Tile payload size in bytes")
)

func main() {
	flag.Parse()

	log.Printf("Starting benchmark: %d cycles, %d painters, %dx%d grid, %d bytes per tile",
		*requests, *concurrency, *gridSize, *gridSize, *dataSize)

	coord := presets.NewStandalone()
	defer coord.Close()

	ctx := context.Background()
	pixels := make([]byte, *dataSize)
	for i := range pixels {
		pixels[i] = 'x'
	}

	var cycles, conflicts, failures int64
	var wg sync.WaitGroup

	start := time.Now()
	perWorker := *requests / *concurrency

	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			user := fmt.Sprintf("painter-%d", seed)
			for j := 0; j < perWorker; j++ {
				key := lock.TileKey{
					Canvas: "bench",
					X:      rng.Intn(*gridSize),
					Y:      rng.Intn(*gridSize),
				}
				grant, err := coord.Acquire(ctx, key, user, "")
				if err != nil {
					if errors.Is(err, muralerrors.ErrLockConflict) {
						atomic.AddInt64(&conflicts, 1)
					} else {
						atomic.AddInt64(&failures, 1)
					}
					continue
				}
				if err := coord.SubmitEdit(ctx, key, grant.Token, pixels, ""); err != nil {
					atomic.AddInt64(&failures, 1)
					continue
				}
				atomic.AddInt64(&cycles, 1)
			}
		}(int64(i))
	}

	wg.Wait()
	elapsed := time.Since(start)

	log.Printf("Finished in %v", elapsed)
	log.Printf("Committed cycles: %d (%.2f/s)", cycles, float64(cycles)/elapsed.Seconds())
	log.Printf("Conflicts: %d", conflicts)
	log.Printf("Events published: %d", coord.Seq("bench"))
	if failures > 0 {
		log.Printf("Failures: %d", failures)
	}
}
