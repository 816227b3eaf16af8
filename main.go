package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"
	"github.com/redis/go-redis/v9"

	"github.com/chainchat/relay-go/call"
	"github.com/chainchat/relay-go/hub"
	"github.com/chainchat/relay-go/ledger"
	"github.com/chainchat/relay-go/relay"
	"github.com/chainchat/relay-go/store"
)

// Command-line flags
var (
	redisAddr     = flag.String("redis", "redis://localhost:6379", "Redis server dsn")
	eventsChannel = flag.String("events-channel", "chat_events", "Redis channel for chat events")
	serverPort    = flag.Int("port", 8085, "Server port")
	prefork       = flag.Bool("prefork", false, "Use prefork")
	pg            = flag.String("pg", "", "PostgreSQL connection string")
	ledgerRPC     = flag.String("ledger-rpc", "", "JSON-RPC endpoint of the chain node")
	relayKey      = flag.String("relay-key", "", "Hex private key of the relay wallet (empty disables anchoring)")
	contractAddr  = flag.String("contract", "", "Chat contract address")
	ringTimeout   = flag.Duration("ring-timeout", 30*time.Second, "Time before an unanswered call is marked missed")
)

func main() {
	flag.Parse()

	options, err := redis.ParseURL(*redisAddr)
	if err != nil {
		log.Fatalf("Error parsing Redis URL: %v", err)
	}
	rdb := redis.NewClient(options)
	ctx := context.Background()

	if *pg == "" {
		log.Fatalf("PostgreSQL connection string is required")
	}
	dbClient, err := store.NewDbClient(*pg, 10, 100)
	if err != nil {
		log.Fatalf("Failed to connect to PostgreSQL: %v", err)
	}
	st := store.NewPgStore(dbClient)

	// The ledger side is optional: without a node the relay runs in pure
	// off-chain mode and anchored requests degrade gracefully.
	var node ledger.Node
	var verifier *ledger.Verifier
	if *ledgerRPC != "" {
		ethNode, err := ledger.NewEthNode(ctx, *ledgerRPC)
		if err != nil {
			log.Fatalf("Failed to connect to chain node: %v", err)
		}
		node = ethNode
		verifier = ledger.NewVerifier(node)
		log.Printf("Connected to chain node: %s", *ledgerRPC)
	} else {
		log.Printf("Chain node RPC is not provided, running off-chain only")
	}

	signer, err := ledger.NewSigner(ctx, node, *relayKey, *contractAddr)
	if err != nil {
		log.Fatalf("Failed to initialize relay signer: %v", err)
	}
	if signer.Configured() {
		log.Printf("Relay signer configured for contract %s", *contractAddr)
	} else {
		log.Printf("Relay signer is not configured, messages will not be anchored")
	}

	manager := hub.NewHub()
	go manager.Run()

	bus := hub.NewBus(rdb, *eventsChannel)
	go bus.Subscribe(ctx, manager)

	callManager := call.NewManager(st, bus, *ringTimeout)
	svc := relay.NewService(st, signer, verifier, callManager, bus, *contractAddr)

	app := fiber.New(fiber.Config{
		AppName:     "Chat Relay API",
		Prefork:     *prefork,
		ReadTimeout: 5 * time.Second,
		ProxyHeader: fiber.HeaderXForwardedFor,
	})

	app.Use(logger.New())
	app.Get("/healthz", healthzHandler(rdb, dbClient, node))

	api := app.Group("/api/chat")

	api.Post("/v1/conversations", createConversationHandler(svc))
	api.Get("/v1/conversations/:id/messages", historyHandler(svc))
	api.Delete("/v1/conversations/:id/messages", clearConversationHandler(svc))
	api.Post("/v1/conversations/:id/read", markReadHandler(svc))
	api.Post("/v1/messages", sendMessageHandler(svc))
	api.Post("/v1/messages/:id/transaction", attachTransactionHandler(svc))
	api.Post("/v1/messages/:id/reactions", reactionHandler(svc))
	api.Post("/v1/status", postStatusHandler(svc))
	api.Post("/v1/calls", placeCallHandler(svc))
	api.Post("/v1/calls/:id/accept", callAcceptHandler(callManager))
	api.Post("/v1/calls/:id/decline", callDeclineHandler(callManager))
	api.Post("/v1/calls/:id/cancel", callCancelHandler(callManager))
	api.Post("/v1/calls/:id/end", callEndHandler(callManager))

	handlerCfg := hub.HandlerConfig{Hub: manager, Store: st, Publisher: bus}

	// SSE endpoint
	api.Post("/v1/sse", hub.SSEHandler(handlerCfg))

	// WebSocket endpoint
	api.Use("/v1/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	api.Get("/v1/ws", websocket.New(hub.WebSocketHandler(handlerCfg)))

	log.Printf("Starting server on port %d", *serverPort)
	log.Fatal(app.Listen(fmt.Sprintf(":%d", *serverPort)))
}
