package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/buildvector/TicTacToe/handlers"
	"github.com/buildvector/TicTacToe/ledger"
	"github.com/buildvector/TicTacToe/middleware"
	"github.com/buildvector/TicTacToe/models"
	"github.com/buildvector/TicTacToe/services"
	"github.com/buildvector/TicTacToe/store"
	"github.com/buildvector/TicTacToe/utils"
	"github.com/buildvector/TicTacToe/workers"
)

func envInt64(name string, def int64) int64 {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		log.Fatalf("%s must be an integer, got %q", name, v)
	}
	return n
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found, reading environment variables directly")
	}

	app := fiber.New(fiber.Config{})

	app.Use(middleware.ServiceAuthMiddleware())

	allowedOriginsEnv := os.Getenv("ALLOWED_ORIGINS")
	if allowedOriginsEnv == "" {
		log.Println("⚠️  ALLOWED_ORIGINS environment variable not set, using default: http://localhost:3000")
		allowedOriginsEnv = "http://localhost:3000"
	}
	allowedOriginsList := strings.Split(allowedOriginsEnv, ",")
	for i, origin := range allowedOriginsList {
		allowedOriginsList[i] = strings.TrimSpace(origin)
	}
	allowedOriginsString := strings.Join(allowedOriginsList, ",")

	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOriginsString,
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, X-Requested-With",
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		log.Fatal("REDIS_URL environment variable not set")
	}
	kv, err := store.Open(redisURL)
	if err != nil {
		log.Fatal("failed to connect to redis:", err)
	}
	defer kv.Close()

	rpcURL := os.Getenv("SOLANA_RPC_URL")
	if rpcURL == "" {
		log.Fatal("SOLANA_RPC_URL environment variable not set")
	}
	secretEnv := os.Getenv("TREASURY_SECRET_KEY")
	if secretEnv == "" {
		log.Fatal("TREASURY_SECRET_KEY environment variable not set")
	}
	secret, err := utils.ParseSecretKey(secretEnv)
	if err != nil {
		log.Fatal("failed to parse TREASURY_SECRET_KEY:", err)
	}
	chain, err := ledger.NewSolana(rpcURL, secret)
	if err != nil {
		log.Fatal("failed to initialize solana client:", err)
	}
	if want := os.Getenv("TREASURY_PUBKEY"); want != "" && want != chain.HouseAddress() {
		log.Fatalf("TREASURY_PUBKEY %s does not match secret key address %s", want, chain.HouseAddress())
	}

	feeBps := envInt64("FEE_BPS", 300)
	moveMs := envInt64("MOVE_MS", 90_000)
	ledgerTimeout := time.Duration(envInt64("LEDGER_TIMEOUT_MS", 30_000)) * time.Millisecond

	sessionService := services.NewSessionService(kv)
	verifier := services.NewPaymentVerifier(kv, chain)
	settlement := services.NewSettlementEngine(kv, chain, feeBps)
	resolver := services.NewTimeoutResolver(kv, settlement, moveMs)
	matchService := services.NewMatchService(kv, sessionService, verifier, settlement, resolver, moveMs, feeBps, ledgerTimeout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Optional durable archive of completed matches.
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
		if err != nil {
			log.Fatal("failed to connect to database:", err)
		}
		if err := db.AutoMigrate(&models.MatchArchive{}); err != nil {
			log.Fatal("failed to migrate database:", err)
		}
		archiveWorker := workers.NewArchiveWorker(db, kv)
		go workers.PollHistory(ctx, archiveWorker, 30*time.Second)
		log.Println("✅ History archive worker running (every 30s)")
	} else {
		log.Println("⚠️  DATABASE_URL not set — history archive disabled")
	}

	matchService.StartLobbySweeper()

	handlers.SetupMatchRoutes(app, matchService)

	port := os.Getenv("PORT")
	if port == "" {
		port = "5200"
	}
	go func() {
		if err := app.Listen(":" + port); err != nil {
			log.Printf("Server error: %v", err)
		}
	}()

	log.Printf("✅ Server running on http://localhost:%s", port)
	log.Printf("✅ House address: %s", chain.HouseAddress())
	log.Printf("✅ Turn clock: %dms per move, fee %d bps", moveMs, feeBps)
	log.Printf("✅ CORS configured for origins: %s", allowedOriginsString)

	<-ctx.Done()
	log.Println("Shutting down server...")
	_ = app.Shutdown()
}
