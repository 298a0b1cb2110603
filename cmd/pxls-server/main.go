package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/aeolun/pixelcanvas/pkg/canvas"
	"github.com/aeolun/pixelcanvas/pkg/database"
	"github.com/aeolun/pixelcanvas/pkg/server"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	configPath := flag.String("config", "~/.pxls/config.toml", "Path to the TOML config file")
	debug := flag.Bool("debug", false, "Write debug logs to debug.log")
	noConsole := flag.Bool("no-console", false, "Do not read console chat from stdin")
	flag.Parse()

	// PXLS_* overrides may come from a .env file in the working directory
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	config, err := server.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	dbPath, err := config.GetDatabasePath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid database path: %v\n", err)
		os.Exit(1)
	}

	dataDir := filepath.Dir(dbPath)
	if err := server.InitLoggers(dataDir); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	if *debug {
		server.EnableDebugLogging(dataDir)
	}

	db, err := database.Open(dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	seeds, err := config.SeedUsers()
	if err != nil {
		log.Fatalf("Invalid [[users]] config: %v", err)
	}
	if err := db.SeedUsers(seeds); err != nil {
		log.Fatalf("Failed to seed users: %v", err)
	}

	cfg := config.ToServerConfig()
	board := canvas.NewBoard(cfg.BoardWidth, cfg.BoardHeight, cfg.PaletteSize, byte(cfg.DefaultColor))
	if cfg.DefaultMapPath != "" {
		if err := board.LoadDefaultsFile(cfg.DefaultMapPath); err != nil {
			log.Fatalf("Failed to load default map: %v", err)
		}
	}
	if cfg.PlacemapPath != "" {
		if err := board.LoadPlacemapFile(cfg.PlacemapPath); err != nil {
			log.Fatalf("Failed to load placemap: %v", err)
		}
	}

	n, err := server.ReplayBoard(db, board)
	if err != nil {
		log.Fatalf("Failed to replay pixel history: %v", err)
	}
	log.Printf("Loaded %d pixels onto a %dx%d board", n, cfg.BoardWidth, cfg.BoardHeight)

	srv, err := server.NewServer(cfg, db, board, server.Options{Registerer: prometheus.DefaultRegisterer})
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}
	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	if !*noConsole {
		go readConsole(srv)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	if err := srv.Stop(); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
}

// readConsole posts every stdin line to chat as the console author
func readConsole(srv *server.Server) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := srv.ConsoleChat(line); err != nil {
			log.Printf("Console chat failed: %v", err)
		}
	}
}
