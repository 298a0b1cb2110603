package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/aeolun/pixelcanvas/pkg/database"
	"github.com/aeolun/pixelcanvas/pkg/server"
)

var debugLogger = log.New(io.Discard, "", 0)

// getCPULoad returns the 1-minute load average
func getCPULoad() float64 {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}

	// Format: "0.52 0.58 0.59 1/285 12345"
	var load1, load5, load15 float64
	fmt.Sscanf(string(data), "%f %f %f", &load1, &load5, &load15)
	return load1
}

func initLogging() error {
	// Truncate on each run to avoid confusion
	logFile, err := os.OpenFile("loadtest.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return fmt.Errorf("failed to create loadtest.log: %w", err)
	}

	debugLogFile, err := os.OpenFile("loadtest_debug.log", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return fmt.Errorf("failed to create loadtest_debug.log: %w", err)
	}

	log.SetOutput(io.MultiWriter(os.Stdout, logFile))
	log.SetFlags(log.LstdFlags)
	debugLogger = log.New(debugLogFile, "", log.LstdFlags|log.Lmicroseconds)

	return nil
}

// botLogin is the login token of bot id
func botLogin(id int) string {
	return fmt.Sprintf("token:bot-%d", id)
}

// seedBots creates one account per bot in the server's database. Existing
// accounts are kept.
func seedBots(dbPath string, n int) error {
	db, err := database.Open(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	seeds := make([]database.SeedUser, 0, n)
	for i := 0; i < n; i++ {
		seeds = append(seeds, database.SeedUser{Name: fmt.Sprintf("bot-%d", i), Login: botLogin(i), Role: int(server.RoleUser)})
	}
	return db.SeedUsers(seeds)
}

func main() {
	serverAddr := flag.String("server", "localhost:4567", "Server address (host:port or ws:// URL)")
	numClients := flag.Int("clients", 10, "Number of concurrent clients")
	duration := flag.Duration("duration", 1*time.Minute, "Test duration")
	minDelay := flag.Duration("min-delay", 100*time.Millisecond, "Minimum delay between placements")
	maxDelay := flag.Duration("max-delay", 1*time.Second, "Maximum delay between placements")
	dbPath := flag.String("db", "", "Server database to create bot accounts in (observers connect anonymously without it)")
	width := flag.Int("width", 100, "Board width")
	height := flag.Int("height", 100, "Board height")
	palette := flag.Int("palette", 16, "Palette size")
	chatRatio := flag.Float64("chat", 0.1, "Chance per iteration that a bot also chats")
	flag.Parse()

	if err := initLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	log.Printf("Load test logs will be written to loadtest.log")

	authenticated := *dbPath != ""
	if authenticated {
		if err := seedBots(*dbPath, *numClients); err != nil {
			log.Fatalf("Failed to create bot accounts: %v", err)
		}
	}

	// Ramp up over 25% of the test duration
	rampUpDuration := *duration / 4
	staggerDelay := rampUpDuration / time.Duration(*numClients)
	if staggerDelay < 1*time.Millisecond {
		staggerDelay = 1 * time.Millisecond
	}

	log.Printf("Starting load test:")
	log.Printf("  Server: %s", *serverAddr)
	log.Printf("  Clients: %d (authenticated: %v)", *numClients, authenticated)
	log.Printf("  Duration: %v", *duration)
	log.Printf("  Ramp-up: %v (%v per client)", rampUpDuration, staggerDelay)
	log.Printf("  Delay: %v - %v", *minDelay, *maxDelay)
	log.Printf("")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stats := &Stats{}
	board := Board{Width: *width, Height: *height, Palette: *palette}
	var wg sync.WaitGroup

	stopStats := make(chan struct{})
	var stopOnce sync.Once
	stop := func() { stopOnce.Do(func() { close(stopStats) }) }
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		startTime := time.Now()
		for {
			select {
			case <-ticker.C:
				placed, rejected, chats, connErrors, avgUs := stats.snapshot()
				elapsed := time.Since(startTime).Seconds()
				log.Printf("Stats: %d placed (%.1f/s), %d rejected, %d chats, %d conn errors, avg %.2fms, load %.2f, goroutines %d",
					placed, float64(placed)/elapsed, rejected, chats, connErrors, avgUs/1000.0, getCPULoad(), runtime.NumGoroutine())
			case <-stopStats:
				return
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Printf("Shutdown signal received, stopping test...")
		cancel()
		stop()
	}()

	var launched atomic.Int64
	for i := 0; i < *numClients && ctx.Err() == nil; i++ {
		wg.Add(1)
		launched.Add(1)

		// Reverse order for ramp-down
		shutdownDelay := staggerDelay * time.Duration(*numClients-i-1)

		go func(id int, shutdownDelay time.Duration) {
			defer wg.Done()

			login := ""
			if authenticated {
				login = botLogin(id)
			}
			bot := NewBotClient(id, login, board, stats)
			if err := bot.Connect(ctx, *serverAddr); err != nil {
				stats.connectionErrors.Add(1)
				debugLogger.Printf("[Bot %d] connect failed: %v", id, err)
				if bot.conn != nil {
					bot.conn.Close()
				}
				return
			}
			stats.successfulClients.Add(1)

			// Only log every 100th client during ramp-up
			if id%100 == 0 {
				log.Printf("[Bot %d] Connected", id)
			}

			if !authenticated {
				// Observers only listen
				time.Sleep(*duration + shutdownDelay)
				bot.conn.Close()
				return
			}
			bot.Run(*duration, *minDelay, *maxDelay, shutdownDelay, *chatRatio)
		}(i, shutdownDelay)

		time.Sleep(staggerDelay)
	}

	wg.Wait()
	stop()

	placed, rejected, chats, connErrors, avgUs := stats.snapshot()
	successfulClients := stats.successfulClients.Load()

	log.Printf("")
	log.Printf("=== Final Results ===")
	log.Printf("Clients: %d launched, %d successful (%.1f%%)", launched.Load(), successfulClients,
		float64(successfulClients)/float64(max(launched.Load(), 1))*100)
	log.Printf("Duration: %v", *duration)
	log.Printf("Pixels placed: %d (%.1f/s)", placed, float64(placed)/duration.Seconds())
	log.Printf("Pixels rejected: %d", rejected)
	log.Printf("Chat lines sent: %d", chats)
	log.Printf("  - Timeouts: %d", stats.timeouts.Load())
	log.Printf("  - Disconnections: %d", stats.disconnections.Load())
	log.Printf("Connection errors: %d", connErrors)
	if connErrors > 0 {
		log.Printf("  - Dial failed: %d", stats.connectDialFailed.Load())
		log.Printf("  - Userinfo timeout: %d", stats.connectUserInfoTimeout.Load())
	}
	log.Printf("Average place round trip: %.2fms", avgUs/1000.0)
	if placed+rejected > 0 {
		log.Printf("Acceptance rate: %.1f%%", float64(placed)/float64(placed+rejected)*100)
	}
}
