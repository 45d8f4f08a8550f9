// Package adapter is the coordination layer: it owns the control RPC server,
// the game-control server, the peer-relay registry and the game task queue,
// and braids their event streams together.
package adapter

import (
	"fmt"
	"sync"

	"github.com/faforge/go-ice-adapter/internal/config"
	"github.com/faforge/go-ice-adapter/internal/gpgnet"
	"github.com/faforge/go-ice-adapter/internal/relay"
	"github.com/faforge/go-ice-adapter/internal/rpc"
	"github.com/faforge/go-ice-adapter/internal/telemetry"
	"github.com/faforge/go-ice-adapter/internal/util"
)

// GameServer is the slice of the game-control server the controller needs.
// *gpgnet.Server satisfies it; tests substitute a fake.
type GameServer interface {
	HasConnectedClient() bool
	ListenPort() int
	SendMessage(gpgnet.Message) error
	SendCreateLobby(initMode gpgnet.LobbyInitMode, port int, login string, playerID int, natTraversalProvider int) error
	SendHostGame(mapName string) error
	SendJoinGame(addr string, login string, playerID int) error
	SendConnectToPeer(addr string, login string, playerID int) error
	SendDisconnectFromPeer(playerID int) error
}

// PeerRelay is the slice of a relay the controller needs. *relay.Relay
// satisfies it; tests substitute a fake.
type PeerRelay interface {
	SetIceMessageCallback(func(interface{}))
	SetStateCallback(func(string))
	SetDataChannelOpenCallback(func())
	Reinit() error
	AddIceMessage(map[string]interface{}) error
	LocalUDPPort() int
	Status() map[string]interface{}
	Close() error
}

// Adapter mediates between the lobby client (JSON-RPC), the local game
// (GPGNet) and the per-peer relays. All state mutation is serialized under
// one mutex; callbacks from other goroutines re-enter through the exported
// Handle* methods.
type Adapter struct {
	opts       config.Options
	rpcServer  *rpc.Server
	gameServer GameServer
	reporter   *telemetry.Reporter

	// newRelay creates a peer relay. Replaced by tests.
	newRelay func(remoteID int, remoteLogin string, createOffer bool, servers []config.IceServer) (PeerRelay, error)

	mu            sync.Mutex
	relays        map[int]PeerRelay
	tasks         []gameTask
	gameState     string
	taskString    string
	lobbyInitMode string
	iceServers    []config.IceServer

	done     chan struct{}
	quitOnce sync.Once
}

// New wires an Adapter onto the given servers and registers its RPC methods.
// The caller remains responsible for starting the listeners and for hooking
// the game server's callbacks to HandleGameConnected / HandleGameDisconnected
// / HandleGameMessage.
func New(opts config.Options, rpcServer *rpc.Server, gameServer GameServer, reporter *telemetry.Reporter) *Adapter {
	a := &Adapter{
		opts:          opts,
		rpcServer:     rpcServer,
		gameServer:    gameServer,
		reporter:      reporter,
		relays:        make(map[int]PeerRelay),
		gameState:     "None",
		taskString:    "Idle",
		lobbyInitMode: "normal",
		iceServers:    opts.IceServers,
		done:          make(chan struct{}),
	}
	a.newRelay = func(remoteID int, remoteLogin string, createOffer bool, servers []config.IceServer) (PeerRelay, error) {
		return relay.New(remoteID, remoteLogin, createOffer, opts.LobbyPort, servers)
	}
	a.registerRPCMethods()
	return a
}

// Done is closed when the quit RPC method fires.
func (a *Adapter) Done() <-chan struct{} {
	return a.done
}

// Quit terminates the adapter. Idempotent.
func (a *Adapter) Quit() {
	a.quitOnce.Do(func() { close(a.done) })
}

// ---------------------------------------------------------------------------
// Game events
// ---------------------------------------------------------------------------

// HandleGameConnected reacts to the game's control connection appearing.
func (a *Adapter) HandleGameConnected() {
	a.rpcServer.SendRequest("onConnectionStateChanged", []interface{}{"Connected"}, nil, nil)
	a.reporter.Event("game_connection", map[string]interface{}{"state": "Connected"})
	a.mu.Lock()
	a.tryExecuteTasksLocked()
	a.mu.Unlock()
}

// HandleGameDisconnected resets the adapter's game-side state: task string,
// game state, and every relay.
func (a *Adapter) HandleGameDisconnected() {
	a.rpcServer.SendRequest("onConnectionStateChanged", []interface{}{"Disconnected"}, nil, nil)
	a.reporter.Event("game_connection", map[string]interface{}{"state": "Disconnected"})

	a.mu.Lock()
	a.taskString = "Idle"
	a.gameState = "None"
	relays := a.relays
	a.relays = make(map[int]PeerRelay)
	a.mu.Unlock()

	for id, r := range relays {
		util.LogInfo("removing relay for peer %d after game disconnect", id)
		r.Close()
	}
}

// HandleGameMessage adopts GameState transitions, answers "Idle" with
// CreateLobby, re-runs the task queue, and forwards every message to the
// control client.
func (a *Adapter) HandleGameMessage(msg gpgnet.Message) {
	util.LogDebug("game message: %s", msg)
	if msg.Header == "GameState" && len(msg.Chunks) == 1 {
		if state, ok := msg.Chunks[0].(string); ok {
			a.mu.Lock()
			a.gameState = state
			if state == "Idle" {
				initMode := gpgnet.InitModeFromString(a.lobbyInitMode)
				if err := a.gameServer.SendCreateLobby(initMode, a.opts.LobbyPort, a.opts.PlayerLogin, a.opts.PlayerID, 1); err != nil {
					util.LogError("failed to send CreateLobby: %v", err)
				}
			}
			a.tryExecuteTasksLocked()
			a.mu.Unlock()
		}
	}
	a.rpcServer.SendRequest("onGpgNetMessageReceived", []interface{}{msg.Header, msg.Chunks}, nil, nil)
}

// ---------------------------------------------------------------------------
// Control operations
// ---------------------------------------------------------------------------

// HostGame queues hosting the given map once the game reaches the lobby.
func (a *Adapter) HostGame(mapName string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.taskString = fmt.Sprintf("Hosting map %s.", mapName)
	a.queueTaskLocked(gameTask{kind: taskHostGame, hostMap: mapName})
}

// JoinGame creates the answering relay for the hosting player and queues the
// JoinGame message.
func (a *Adapter) JoinGame(remoteLogin string, remoteID int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.createPeerRelayLocked(remoteID, remoteLogin, false); err != nil {
		return err
	}
	a.taskString = fmt.Sprintf("Joining game from player %s.", remoteLogin)
	a.queueTaskLocked(gameTask{kind: taskJoinGame, remoteLogin: remoteLogin, remoteID: remoteID})
	return nil
}

// ConnectToPeer creates a relay for one additional peer and queues the
// ConnectToPeer message.
func (a *Adapter) ConnectToPeer(remoteLogin string, remoteID int, createOffer bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.createPeerRelayLocked(remoteID, remoteLogin, createOffer); err != nil {
		return err
	}
	a.queueTaskLocked(gameTask{kind: taskConnectToPeer, remoteLogin: remoteLogin, remoteID: remoteID})
	return nil
}

// DisconnectFromPeer tears down the peer's relay and tells the game to drop
// the connection. Unknown ids are a no-op, so calling it twice destroys the
// relay once.
func (a *Adapter) DisconnectFromPeer(remoteID int) {
	a.mu.Lock()
	r, ok := a.relays[remoteID]
	if !ok {
		a.mu.Unlock()
		util.LogDebug("no relay for remote peer %d found", remoteID)
		return
	}
	delete(a.relays, remoteID)
	a.purgeConnectTasksLocked(remoteID)
	a.queueTaskLocked(gameTask{kind: taskDisconnectFromPeer, remoteID: remoteID})
	a.mu.Unlock()

	r.Close()
	util.LogInfo("removed relay for peer %d", remoteID)
}

// SetLobbyInitMode stores the lobby init mode used for subsequent
// CreateLobby messages.
func (a *Adapter) SetLobbyInitMode(mode string) {
	a.mu.Lock()
	a.lobbyInitMode = mode
	a.mu.Unlock()
}

// IceMsg routes a remote signaling payload into the peer's relay. An unknown
// relay is logged and the payload dropped.
func (a *Adapter) IceMsg(remoteID int, msg map[string]interface{}) {
	a.mu.Lock()
	r, ok := a.relays[remoteID]
	a.mu.Unlock()
	if !ok {
		util.LogError("no relay for remote peer %d found", remoteID)
		return
	}
	if err := r.AddIceMessage(msg); err != nil {
		util.LogError("relay %d rejected ICE message: %v", remoteID, err)
	}
}

// SendToGpgNet forwards a raw message from the control client to the game.
func (a *Adapter) SendToGpgNet(msg gpgnet.Message) error {
	if !a.gameServer.HasConnectedClient() {
		return fmt.Errorf("no game connected")
	}
	return a.gameServer.SendMessage(msg)
}

// SetIceServers replaces the ice-server list. Only relays created afterwards
// see the new list.
func (a *Adapter) SetIceServers(servers []config.IceServer) {
	a.mu.Lock()
	a.iceServers = servers
	a.mu.Unlock()
}

// Status assembles the status RPC result.
func (a *Adapter) Status() map[string]interface{} {
	a.mu.Lock()
	defer a.mu.Unlock()

	relays := make([]interface{}, 0, len(a.relays))
	for _, r := range a.relays {
		relays = append(relays, r.Status())
	}
	return map[string]interface{}{
		"version": config.Version,
		"options": map[string]interface{}{
			"player_id":    a.opts.PlayerID,
			"player_login": a.opts.PlayerLogin,
			"rpc_port":     a.opts.RPCPort,
			"gpgnet_port":  a.opts.GPGNetPort,
			"lobby_port":   a.opts.LobbyPort,
			"log_file":     a.opts.LogFile,
		},
		"gpgnet": map[string]interface{}{
			"local_port":  a.gameServer.ListenPort(),
			"connected":   a.gameServer.HasConnectedClient(),
			"game_state":  a.gameState,
			"task_string": a.taskString,
		},
		"relays": relays,
	}
}

// ---------------------------------------------------------------------------
// Relay registry
// ---------------------------------------------------------------------------

// createPeerRelayLocked instantiates a relay for the remote player and wires
// its callbacks to control-channel notifications. An existing relay for the
// same id is closed and replaced.
func (a *Adapter) createPeerRelayLocked(remoteID int, remoteLogin string, createOffer bool) error {
	if old, ok := a.relays[remoteID]; ok {
		util.LogWarn("replacing existing relay for peer %d", remoteID)
		old.Close()
		delete(a.relays, remoteID)
	}

	r, err := a.newRelay(remoteID, remoteLogin, createOffer, append([]config.IceServer(nil), a.iceServers...))
	if err != nil {
		return fmt.Errorf("failed to create relay for peer %d: %w", remoteID, err)
	}

	localID := a.opts.PlayerID
	r.SetIceMessageCallback(func(msg interface{}) {
		a.rpcServer.SendRequest("onIceMsg", []interface{}{localID, remoteID, msg}, nil, nil)
	})
	r.SetStateCallback(func(state string) {
		a.rpcServer.SendRequest("onIceConnectionStateChanged", []interface{}{localID, remoteID, state}, nil, nil)
		a.reporter.Event("ice_state", map[string]interface{}{
			"remote_id": remoteID,
			"state":     state,
		})
	})
	r.SetDataChannelOpenCallback(func() {
		a.rpcServer.SendRequest("onDatachannelOpen", []interface{}{localID, remoteID}, nil, nil)
	})

	a.relays[remoteID] = r

	if err := r.Reinit(); err != nil {
		delete(a.relays, remoteID)
		r.Close()
		return fmt.Errorf("failed to init relay for peer %d: %w", remoteID, err)
	}
	return nil
}
