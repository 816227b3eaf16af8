package main

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/chainchat/relay-go/ledger"
	"github.com/chainchat/relay-go/store"
)

const healthTimeout = 2 * time.Second

type componentHealth struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type healthzResponse struct {
	OK         bool                       `json:"ok"`
	Now        int64                      `json:"now"`
	Components map[string]componentHealth `json:"components"`
}

func healthzHandler(rdb *redis.Client, db *store.DbClient, node ledger.Node) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(context.Background(), healthTimeout)
		defer cancel()

		response := healthzResponse{
			OK:         true,
			Now:        time.Now().Unix(),
			Components: make(map[string]componentHealth),
		}

		redisStatus := componentHealth{OK: true}
		if err := rdb.Ping(ctx).Err(); err != nil {
			redisStatus = componentHealth{OK: false, Error: err.Error()}
		}
		response.Components["redis"] = redisStatus

		pgStatus := componentHealth{OK: true}
		if db == nil {
			pgStatus = componentHealth{OK: false, Error: "no database configured"}
		} else if err := db.Pool.Ping(ctx); err != nil {
			pgStatus = componentHealth{OK: false, Error: err.Error()}
		}
		response.Components["postgres"] = pgStatus

		// Ledger is optional; off-chain deployments simply omit the component.
		if node != nil {
			ledgerStatus := componentHealth{OK: true}
			if _, err := node.SuggestGasPrice(ctx); err != nil {
				ledgerStatus = componentHealth{OK: false, Error: err.Error()}
			}
			response.Components["ledger"] = ledgerStatus
		}

		for _, comp := range response.Components {
			if !comp.OK {
				response.OK = false
			}
		}

		status := fiber.StatusOK
		if !response.OK {
			status = fiber.StatusServiceUnavailable
		}
		return c.Status(status).JSON(response)
	}
}
