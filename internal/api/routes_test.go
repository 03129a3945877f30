package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"

	"github.com/kasplay/roulette-engine/internal/hub"
	"github.com/kasplay/roulette-engine/internal/rng"
	"github.com/kasplay/roulette-engine/pkg/models"
)

type fakeRooms struct {
	rooms map[string]*models.Room
}

func (f *fakeRooms) ListRooms() []*models.Room {
	var out []*models.Room
	for _, r := range f.rooms {
		out = append(out, r.PublicSnapshot())
	}
	return out
}

func (f *fakeRooms) RoomSnapshot(id string) (*models.Room, error) {
	r, ok := f.rooms[id]
	if !ok {
		return nil, fmt.Errorf("room %s not live", id)
	}
	return r.PublicSnapshot(), nil
}

type fakeArchive struct {
	rooms map[string]*models.Room
}

func (f *fakeArchive) GetRoom(_ context.Context, id string) (*models.Room, error) {
	r, ok := f.rooms[id]
	if !ok {
		return nil, fmt.Errorf("store: scan room: %w", pgx.ErrNoRows)
	}
	return r.Snapshot(), nil
}

type fakeChain struct{ up bool }

func (f *fakeChain) IsConnected() bool { return f.up }

type nopGames struct{}

func (nopGames) JoinRoom(context.Context, string, string) (int, error) { return 0, nil }
func (nopGames) LeaveRoom(context.Context, string, string) error       { return nil }
func (nopGames) SubmitClientSeed(context.Context, string, string, int, string) error {
	return nil
}
func (nopGames) ReadyForTurn(string, string) error                 { return nil }
func (nopGames) PullTrigger(context.Context, string, string) error { return nil }
func (nopGames) ConfirmResultsShown(context.Context, string, string) error {
	return nil
}
func (nopGames) RoomSnapshot(string) (*models.Room, error) { return nil, fmt.Errorf("no rooms") }
func (nopGames) ListRooms() []*models.Room                 { return nil }

type nopQueue struct{}

func (nopQueue) JoinQuick(context.Context, string, models.GameMode) (int, error) { return 0, nil }
func (nopQueue) JoinCustom(context.Context, string, models.GameMode, int64, int) (int, error) {
	return 0, nil
}
func (nopQueue) Leave(string) error { return nil }

func newRouter(t *testing.T, live *fakeRooms, archive *fakeArchive, chain *fakeChain) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	return SetupRouter(live, archive, chain, hub.New(nopGames{}, nopQueue{}))
}

func get(t *testing.T, r *gin.Engine, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var body map[string]interface{}
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("GET %s: non-JSON body %q", path, w.Body.String())
		}
	}
	return w, body
}

// settledRoom builds a terminal room whose shot log genuinely
// recomputes from its public inputs.
func settledRoom(t *testing.T, id string) *models.Room {
	t.Helper()
	serverSeed := strings.Repeat("ab", 32)
	clientSeeds := []string{"0001", "0002", "0003"}
	settlementHash := strings.Repeat("cd", 32)

	room := &models.Room{
		ID:                  id,
		Mode:                models.ModeRegular,
		State:               models.StateSettled,
		SeatPrice:           10 * models.SompiPerKAS,
		ServerSeed:          serverSeed,
		ServerCommit:        rng.Commit(serverSeed),
		SettlementBlockHash: settlementHash,
		UpdatedAt:           time.Now(),
	}
	for i, seed := range clientSeeds {
		room.Seats = append(room.Seats, models.Seat{
			Index: i, WalletAddress: fmt.Sprintf("kaspa:p%d", i),
			Confirmed: true, ClientSeed: seed, Alive: i != 0,
		})
	}
	for i := 0; i < 2; i++ {
		randomness, err := rng.RoundRandomness(serverSeed, clientSeeds, id, i, settlementHash)
		if err != nil {
			t.Fatalf("round randomness: %v", err)
		}
		room.Rounds = append(room.Rounds, models.Round{
			Index: i, ShooterSeat: i, TargetSeat: i, Died: i == 1, Randomness: randomness,
		})
	}
	return room
}

func TestListRoomsExcludesTerminal(t *testing.T) {
	live := &fakeRooms{rooms: map[string]*models.Room{
		"open":    {ID: "open", State: models.StateFunding},
		"settled": settledRoom(t, "settled"),
	}}
	r := newRouter(t, live, &fakeArchive{}, &fakeChain{up: true})

	w, body := get(t, r, "/api/v1/rooms")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if int(body["count"].(float64)) != 1 {
		t.Errorf("count = %v, want 1 open room", body["count"])
	}
}

func TestGetRoomFallsBackToArchive(t *testing.T) {
	archived := settledRoom(t, "old")
	r := newRouter(t,
		&fakeRooms{rooms: map[string]*models.Room{}},
		&fakeArchive{rooms: map[string]*models.Room{"old": archived}},
		&fakeChain{up: true})

	w, body := get(t, r, "/api/v1/rooms/old")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 from archive", w.Code)
	}
	if body["id"] != "old" {
		t.Errorf("id = %v", body["id"])
	}
	// Terminal room: the revealed seed is public.
	if body["serverSeed"] != archived.ServerSeed {
		t.Errorf("server seed withheld on a settled room")
	}

	w, _ = get(t, r, "/api/v1/rooms/missing")
	if w.Code != http.StatusNotFound {
		t.Errorf("missing room status = %d, want 404", w.Code)
	}
}

func TestFairnessVerifiesSettledRoom(t *testing.T) {
	room := settledRoom(t, "r1")
	r := newRouter(t,
		&fakeRooms{rooms: map[string]*models.Room{"r1": room}},
		&fakeArchive{}, &fakeChain{up: true})

	w, body := get(t, r, "/api/v1/rooms/r1/fairness")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %v", w.Code, body)
	}
	if body["valid"] != true {
		t.Fatalf("valid = %v, want true: %v", body["valid"], body)
	}
	if len(body["rounds"].([]interface{})) != 2 {
		t.Errorf("rounds = %v, want 2 checks", body["rounds"])
	}
}

func TestFairnessFlagsTamperedLog(t *testing.T) {
	room := settledRoom(t, "r1")
	room.Rounds[1].Randomness = strings.Repeat("00", 32)
	r := newRouter(t,
		&fakeRooms{rooms: map[string]*models.Room{"r1": room}},
		&fakeArchive{}, &fakeChain{up: true})

	_, body := get(t, r, "/api/v1/rooms/r1/fairness")
	if body["valid"] != false {
		t.Errorf("valid = %v, want false for a tampered round", body["valid"])
	}
}

func TestFairnessRejectsUnsettledRoom(t *testing.T) {
	r := newRouter(t,
		&fakeRooms{rooms: map[string]*models.Room{
			"r1": {ID: "r1", State: models.StatePlaying, ServerSeed: "aa", ServerCommit: "bb"},
		}},
		&fakeArchive{}, &fakeChain{up: true})

	w, _ := get(t, r, "/api/v1/rooms/r1/fairness")
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409 while the seed is sealed", w.Code)
	}
}

func TestHealthReportsNodeState(t *testing.T) {
	r := newRouter(t,
		&fakeRooms{rooms: map[string]*models.Room{"open": {ID: "open", State: models.StateLobby}}},
		&fakeArchive{}, &fakeChain{up: false})

	w, body := get(t, r, "/api/v1/health")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if body["nodeConnected"] != false {
		t.Errorf("nodeConnected = %v, want false", body["nodeConnected"])
	}
	if int(body["openRooms"].(float64)) != 1 {
		t.Errorf("openRooms = %v, want 1", body["openRooms"])
	}
}
