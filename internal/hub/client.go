package hub

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kasplay/roulette-engine/pkg/models"
)

// client is one websocket connection. The wallet binds on the first
// frame that carries one and never changes for the connection's life.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	quit chan struct{}

	id string
	ip string

	// Owned by the hub lock for writes; read only from readPump.
	wallet string
	rooms  map[string]bool
}

// enqueue hands a frame to the write pump without blocking. A client
// that cannot drain its buffer loses frames; the 1Hz snapshot tick
// restores its view.
func (c *client) enqueue(raw []byte) {
	if raw == nil {
		return
	}
	select {
	case c.send <- raw:
	default:
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case raw := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.quit:
			return
		}
	}
}

func (c *client) readPump() {
	defer func() {
		c.hub.drop(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[hub] client %s read error: %v", c.id, err)
			}
			return
		}
		if !c.hub.frameLimiter.Allow(c.id) {
			c.closePolicy("message rate limit exceeded")
			return
		}
		c.handleFrame(raw)
	}
}

// closePolicy closes the connection with 1008 per the wire contract.
func (c *client) closePolicy(reason string) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	c.conn.Close()
}

// ── inbound frames ───────────────────────────────────────────────────

type inFrame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type roomPayload struct {
	RoomID        string `json:"roomId"`
	WalletAddress string `json:"walletAddress"`
	SeatIndex     int    `json:"seatIndex"`
	ClientSeed    string `json:"clientSeed"`
	TurnID        int64  `json:"turnId"`
}

type queuePayload struct {
	Mode          models.GameMode `json:"mode"`
	SeatPrice     int64           `json:"seatPrice"` // sompi; 0 selects quick match
	Players       int             `json:"players"`   // 0 selects quick match
	WalletAddress string          `json:"walletAddress"`
}

func (c *client) sendError(message string) {
	c.enqueue(encodeFrame("error", map[string]string{"message": message}))
}

// identify enforces the wallet binding discipline: the first wallet
// seen binds the connection, a different wallet later is rejected
// without any mutation. Frames that carry no wallet fall back to the
// bound one.
func (c *client) identify(payloadWallet string) (string, bool) {
	if payloadWallet == "" {
		if c.wallet == "" {
			c.sendError("no wallet bound to this connection")
			return "", false
		}
		return c.wallet, true
	}
	if c.wallet == "" {
		c.hub.bind(c, payloadWallet)
		return payloadWallet, true
	}
	if payloadWallet != c.wallet {
		c.sendError("wallet mismatch: connection is bound to another wallet")
		return "", false
	}
	return c.wallet, true
}

func (c *client) handleFrame(raw []byte) {
	var frame inFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		c.sendError("malformed frame")
		return
	}
	ctx := context.Background()

	switch frame.Event {
	case "join_room":
		var p roomPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil || p.RoomID == "" {
			c.sendError("join_room requires roomId")
			return
		}
		wallet, ok := c.identify(p.WalletAddress)
		if !ok {
			return
		}
		if _, err := c.hub.games.JoinRoom(ctx, p.RoomID, wallet); err != nil {
			c.sendError(err.Error())
			return
		}
		c.hub.subscribe(c, p.RoomID)
		c.pushSnapshot(p.RoomID)

	case "subscribe_room":
		var p roomPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil || p.RoomID == "" {
			c.sendError("subscribe_room requires roomId")
			return
		}
		if _, ok := c.identify(p.WalletAddress); !ok {
			return
		}
		c.hub.subscribe(c, p.RoomID)
		c.pushSnapshot(p.RoomID)

	case "leave_room":
		var p roomPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil || p.RoomID == "" {
			c.sendError("leave_room requires roomId")
			return
		}
		wallet, ok := c.identify(p.WalletAddress)
		if !ok {
			return
		}
		if err := c.hub.games.LeaveRoom(ctx, p.RoomID, wallet); err != nil {
			c.sendError(err.Error())
			return
		}
		c.hub.unsubscribe(c, p.RoomID)

	case "join_queue":
		var p queuePayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			c.sendError("malformed join_queue payload")
			return
		}
		if p.Mode != models.ModeRegular && p.Mode != models.ModeExtreme {
			c.sendError("unknown game mode")
			return
		}
		wallet, ok := c.identify(p.WalletAddress)
		if !ok {
			return
		}
		var pos int
		var err error
		if p.SeatPrice == 0 && p.Players == 0 {
			pos, err = c.hub.queue.JoinQuick(ctx, wallet, p.Mode)
		} else {
			pos, err = c.hub.queue.JoinCustom(ctx, wallet, p.Mode, p.SeatPrice, p.Players)
		}
		if err != nil {
			c.sendError(err.Error())
			return
		}
		c.enqueue(encodeFrame("queue:joined", map[string]interface{}{"mode": p.Mode, "position": pos}))

	case "leave_queue":
		wallet, ok := c.identify("")
		if !ok {
			return
		}
		if err := c.hub.queue.Leave(wallet); err != nil {
			c.sendError(err.Error())
			return
		}
		c.enqueue(encodeFrame("queue:left", map[string]interface{}{}))

	case "submit_client_seed":
		var p roomPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil || p.RoomID == "" {
			c.sendError("submit_client_seed requires roomId")
			return
		}
		wallet, ok := c.identify(p.WalletAddress)
		if !ok {
			return
		}
		if err := c.hub.games.SubmitClientSeed(ctx, p.RoomID, wallet, p.SeatIndex, p.ClientSeed); err != nil {
			c.sendError(err.Error())
		}

	case "ready_for_turn":
		var p roomPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil || p.RoomID == "" {
			c.sendError("ready_for_turn requires roomId")
			return
		}
		wallet, ok := c.identify(p.WalletAddress)
		if !ok {
			return
		}
		if err := c.hub.games.ReadyForTurn(p.RoomID, wallet); err != nil {
			c.sendError(err.Error())
		}

	case "pull_trigger":
		var p roomPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil || p.RoomID == "" {
			c.sendError("pull_trigger requires roomId")
			return
		}
		wallet, ok := c.identify(p.WalletAddress)
		if !ok {
			return
		}
		if err := c.hub.games.PullTrigger(ctx, p.RoomID, wallet); err != nil {
			c.sendError(err.Error())
		}

	case "confirm_results_shown":
		var p roomPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil || p.RoomID == "" {
			c.sendError("confirm_results_shown requires roomId")
			return
		}
		wallet, ok := c.identify(p.WalletAddress)
		if !ok {
			return
		}
		if err := c.hub.games.ConfirmResultsShown(ctx, p.RoomID, wallet); err != nil {
			c.sendError(err.Error())
		}

	default:
		c.sendError("unknown event " + frame.Event)
	}
}

func (c *client) pushSnapshot(roomID string) {
	snap, err := c.hub.games.RoomSnapshot(roomID)
	if err != nil {
		return
	}
	c.enqueue(encodeFrame("room:update", snap))
}
