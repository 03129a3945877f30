// Package api is the REST surface: room listing, room detail, fairness
// verification for settled rooms, health, and the websocket upgrade
// endpoint. Everything mutating goes through the websocket; REST is
// read-only.
package api

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"

	"github.com/kasplay/roulette-engine/internal/hub"
	"github.com/kasplay/roulette-engine/internal/rng"
	"github.com/kasplay/roulette-engine/pkg/models"
)

// RoomSource is the live room registry. Implemented by game.Manager.
type RoomSource interface {
	ListRooms() []*models.Room
	RoomSnapshot(roomID string) (*models.Room, error)
}

// Archive is the durable room record, consulted when a room has been
// swept from the live registry. Implemented by store.Postgres.
type Archive interface {
	GetRoom(ctx context.Context, id string) (*models.Room, error)
}

// ChainStatus reports node reachability for the health endpoint.
type ChainStatus interface {
	IsConnected() bool
}

type Handler struct {
	rooms   RoomSource
	archive Archive
	chain   ChainStatus
	wsHub   *hub.Hub
}

// SetupRouter builds the gin engine with CORS, a per-IP rate limit on
// the REST routes, and the websocket endpoint.
func SetupRouter(rooms RoomSource, archive Archive, chain ChainStatus, wsHub *hub.Hub) *gin.Engine {
	r := gin.Default()

	// CORS — configurable via ALLOWED_ORIGINS env var
	// Production: ALLOWED_ORIGINS=https://play.example.com
	// Development: leave empty for *
	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	handler := &Handler{rooms: rooms, archive: archive, chain: chain, wsHub: wsHub}
	limiter := hub.NewLimiter(120, 30)
	rateLimit := func(c *gin.Context) {
		if !limiter.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}

	api := r.Group("/api/v1", rateLimit)
	{
		api.GET("/rooms", handler.handleListRooms)
		api.GET("/rooms/:id", handler.handleGetRoom)
		api.GET("/rooms/:id/fairness", handler.handleFairness)
		api.GET("/health", handler.handleHealth)
	}
	// The websocket endpoint carries its own connection limiter.
	r.GET("/ws", wsHub.HandleWS)

	return r
}

// handleListRooms returns every room still in play: lobby, funding,
// locked, or mid-game. Settled and aborted rooms are reachable by id.
func (h *Handler) handleListRooms(c *gin.Context) {
	var open []*models.Room
	for _, room := range h.rooms.ListRooms() {
		if !room.State.Terminal() {
			open = append(open, room)
		}
	}
	if open == nil {
		open = []*models.Room{}
	}
	c.JSON(http.StatusOK, gin.H{"rooms": open, "count": len(open)})
}

// handleGetRoom serves the live registry first and falls back to the
// archive for rooms already swept.
func (h *Handler) handleGetRoom(c *gin.Context) {
	id := c.Param("id")
	if room, err := h.rooms.RoomSnapshot(id); err == nil {
		c.JSON(http.StatusOK, room)
		return
	}
	room, err := h.archive.GetRoom(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load room", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, room.PublicSnapshot())
}

// handleFairness replays a settled room's commit-reveal transcript and
// returns the per-round verdicts, so anyone can audit an outcome.
func (h *Handler) handleFairness(c *gin.Context) {
	id := c.Param("id")
	room, err := h.rooms.RoomSnapshot(id)
	if err != nil {
		room, err = h.archive.GetRoom(c.Request.Context(), id)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load room", "details": err.Error()})
			return
		}
	}
	if !room.State.Terminal() || room.ServerSeed == "" {
		c.JSON(http.StatusConflict, gin.H{"error": "room has not settled; the server seed is still sealed"})
		return
	}

	var clientSeeds []string
	for i := range room.Seats {
		if room.Seats[i].Confirmed && room.Seats[i].ClientSeed != "" {
			clientSeeds = append(clientSeeds, room.Seats[i].ClientSeed)
		}
	}
	records := make([]rng.RoundRecord, len(room.Rounds))
	for i, round := range room.Rounds {
		records[i] = rng.RoundRecord{
			Index:      round.Index,
			Shooter:    round.ShooterSeat,
			Died:       round.Died,
			Randomness: round.Randomness,
		}
	}

	valid, checks, err := rng.Verify(rng.VerifyInput{
		RoomID:         room.ID,
		ServerSeed:     room.ServerSeed,
		ServerCommit:   room.ServerCommit,
		ClientSeeds:    clientSeeds,
		SettlementHash: room.SettlementBlockHash,
		Rounds:         records,
	})
	if err != nil {
		c.JSON(http.StatusOK, gin.H{
			"roomId": room.ID,
			"valid":  false,
			"error":  err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"roomId":              room.ID,
		"valid":               valid,
		"serverCommit":        room.ServerCommit,
		"serverSeed":          room.ServerSeed,
		"clientSeeds":         clientSeeds,
		"settlementBlockHash": room.SettlementBlockHash,
		"rounds":              checks,
	})
}

// handleHealth reports engine status for load balancers and the lobby
// page.
func (h *Handler) handleHealth(c *gin.Context) {
	open := 0
	for _, room := range h.rooms.ListRooms() {
		if !room.State.Terminal() {
			open++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":          "operational",
		"nodeConnected":   h.chain.IsConnected(),
		"openRooms":       open,
		"connectedUsers":  h.wsHub.UniqueWallets(),
		"protocolVersion": 1,
	})
}
