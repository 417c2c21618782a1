package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"telarchive/internal/archive"
	"telarchive/internal/crypto"
	"telarchive/internal/database"
	"telarchive/internal/httpapi"
	"telarchive/internal/jobs"
	"telarchive/internal/services/pipeline"
	"telarchive/internal/services/remote"
	"telarchive/internal/services/scheduler"
	"telarchive/internal/services/settings"
	"telarchive/internal/services/workspace"
	"telarchive/internal/telegram"
	"telarchive/internal/video"
)

func main() {
	loadDotEnv()

	if err := crypto.InitEncryption(); err != nil {
		log.Fatalf("ERROR: failed to initialize encryption: %v", err)
	}

	db, err := database.Init()
	if err != nil {
		log.Fatalf("ERROR: failed to initialize database: %v", err)
	}
	defer database.Close()

	workspaceRoot := os.Getenv("TELARCHIVE_WORKSPACE")
	if workspaceRoot == "" {
		workspaceRoot = "archive"
	}
	ws, err := workspace.NewService(workspaceRoot)
	if err != nil {
		log.Fatalf("ERROR: failed to prepare workspace: %v", err)
	}
	log.Printf("Workspace root: %s", ws.Root())

	registry := jobs.NewRegistry()
	settingsSvc := settings.NewService(db)
	archiver := archive.NewArchiver()
	transcoder := video.NewTranscoder()

	remoteSvc := remote.NewService(db, registry, ws, settingsSvc, archiver,
		func(token string) remote.Transport { return telegram.NewClient(token) })

	pipelineSvc := pipeline.NewService(registry, settingsSvc, ws, transcoder, archiver, remoteSvc,
		func(token string) pipeline.Uploader { return telegram.NewClient(token) })

	sched := scheduler.NewService(db, pipelineSvc, registry)
	if err := sched.Start(); err != nil {
		log.Fatalf("ERROR: failed to start scheduler: %v", err)
	}
	defer sched.Stop()

	server := httpapi.Server{
		Registry:  registry,
		Pipeline:  pipelineSvc,
		Remote:    remoteSvc,
		Workspace: ws,
		Settings:  settingsSvc,
		Scheduler: sched,
		Extractor: archiver,
		Verify: func(ctx context.Context, token, chatID string) (*telegram.Chat, error) {
			return telegram.NewClient(token).VerifyDestination(ctx, chatID)
		},
	}

	addr := os.Getenv("TELARCHIVE_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	log.Printf("Listening on %s", addr)
	if err := http.ListenAndServe(addr, server.Router()); err != nil {
		log.Fatalf("ERROR: server stopped: %v", err)
	}
}

// loadDotEnv looks for a .env file in the working directory and up to
// five parent directories.
func loadDotEnv() {
	dir, err := os.Getwd()
	if err != nil {
		return
	}
	for i := 0; i < 5; i++ {
		candidate := filepath.Join(dir, ".env")
		if _, err := os.Stat(candidate); err == nil {
			if err := godotenv.Load(candidate); err != nil {
				log.Printf("WARNING: failed to load %s: %v", candidate, err)
			}
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}
