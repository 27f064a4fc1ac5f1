package main

import (
	"log"
	"os"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"visage_back/avatar"
	"visage_back/cache"
	"visage_back/chat"
	"visage_back/generation"
	"visage_back/monitoring"
	"visage_back/storage"
	"visage_back/voice"
)

func mustLoadEnv() {
	_ = godotenv.Load()
}

func main() {
	mustLoadEnv()

	locator := avatar.NewLocatorFromEnv()
	if err := locator.EnsureDirs(); err != nil {
		log.Fatalf("prepare data directories: %v", err)
	}

	artifacts, err := storage.NewArtifactsFromEnv()
	if err != nil {
		log.Fatalf("init artifact storage: %v", err)
	}

	generator, err := generation.NewClientFromEnv(locator, artifacts)
	if err != nil {
		log.Fatalf("init generation client: %v", err)
	}

	chatClient, err := chat.NewChatClientFromEnv()
	if err != nil {
		log.Fatalf("init chat client: %v", err)
	}

	synthesizer, err := voice.NewClientFromEnv(locator)
	if err != nil {
		log.Fatalf("init voice client: %v", err)
	}

	store := avatar.NewStore()
	resolver := avatar.NewResolver(locator, cache.NewFingerprintIndex())
	orchestrator := avatar.NewOrchestrator(locator, store, resolver, avatar.Generators{
		Segmenter:   generator,
		Variations:  generator,
		Expressions: generator,
		Personality: chat.NewPersonalityService(chatClient, locator),
	})

	r := gin.Default()
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	if _, err := avatar.RegisterRoutes(r, orchestrator); err != nil {
		log.Fatalf("register avatar routes: %v", err)
	}
	if _, err := chat.RegisterRoutes(r, orchestrator, chatClient, synthesizer); err != nil {
		log.Fatalf("register chat routes: %v", err)
	}
	if _, err := voice.RegisterRoutes(r, locator, nil); err != nil {
		log.Fatalf("register voice routes: %v", err)
	}
	monitoring.RegisterRoutes(r)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	if err := r.Run(":" + port); err != nil {
		log.Fatalf("start server: %v", err)
	}
}
