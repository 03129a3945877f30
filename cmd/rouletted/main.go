package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kasplay/roulette-engine/internal/api"
	"github.com/kasplay/roulette-engine/internal/config"
	"github.com/kasplay/roulette-engine/internal/game"
	"github.com/kasplay/roulette-engine/internal/hub"
	"github.com/kasplay/roulette-engine/internal/kaspa"
	"github.com/kasplay/roulette-engine/internal/monitor"
	"github.com/kasplay/roulette-engine/internal/store"
	"github.com/kasplay/roulette-engine/internal/wallet"
)

const terminalRetention = 5 * time.Minute

// chainView adapts the node client to the game manager's tip interface.
type chainView struct {
	client *kaspa.Client
}

func (v chainView) CurrentTip(ctx context.Context) (game.TipInfo, error) {
	daa, tip, err := v.client.VirtualTip(ctx)
	if err != nil {
		return game.TipInfo{}, err
	}
	return game.TipInfo{DaaScore: daa, TipHash: tip}, nil
}

func main() {
	log.Println("Starting kasplay roulette engine...")

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The engine moves real funds: it refuses to start without the
	// database and the node, rather than degrade.
	db, err := store.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("FATAL: connect to PostgreSQL: %v", err)
	}
	defer db.Close()
	if err := db.InitSchema(ctx); err != nil {
		log.Fatalf("FATAL: init schema: %v", err)
	}

	node, err := kaspa.NewClient(kaspa.Config{
		URL:  cfg.KaspaRPCURL,
		User: os.Getenv("KASPA_RPC_USER"),
		Pass: os.Getenv("KASPA_RPC_PASS"),
	})
	if err != nil {
		log.Fatalf("FATAL: connect to kaspad: %v", err)
	}
	go node.Run(ctx)

	hot, err := wallet.New(cfg.WalletMnemonic, cfg.Network, node)
	if err != nil {
		log.Fatalf("FATAL: derive hot wallet: %v", err)
	}
	log.Printf("Hot wallet main address: %s", hot.MainAddress())

	mgr := game.NewManager(cfg, db, chainView{client: node}, hot, cfg.TreasuryAddress)
	queue := game.NewQueue(cfg, mgr)

	wsHub := hub.New(mgr, queue)
	mgr.SetEmitter(wsHub)
	queue.SetMatchedFunc(wsHub.RoomAssigned)

	if err := mgr.Recover(ctx); err != nil {
		log.Fatalf("FATAL: recover persisted rooms: %v", err)
	}

	deposits := monitor.New(node, mgr)

	go mgr.Run(ctx)
	go queue.Run(ctx)
	go deposits.Run(ctx)
	go wsHub.Run(ctx)
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				mgr.SweepTerminal(terminalRetention)
			}
		}
	}()

	// Shut down on SIGINT/SIGTERM so in-flight payouts are not orphaned
	// mid-submit.
	go func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		<-sigs
		log.Println("Shutdown signal received")
		cancel()
	}()

	r := api.SetupRouter(mgr, db, node, wsHub)
	log.Printf("Engine listening on :%s (network=%s)", cfg.HTTPPort, cfg.Network)
	if err := r.Run(":" + cfg.HTTPPort); err != nil {
		log.Fatalf("FATAL: http server: %v", err)
	}
}
