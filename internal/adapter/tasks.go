package adapter

import (
	"fmt"

	"github.com/faforge/go-ice-adapter/internal/util"
)

// taskKind enumerates the lobby-state-dependent game commands.
type taskKind int

const (
	taskHostGame taskKind = iota
	taskJoinGame
	taskConnectToPeer
	taskDisconnectFromPeer
)

// gameTask is one queued game command. Tasks execute strictly in enqueue
// order; a blocked head freezes the queue behind it.
type gameTask struct {
	kind        taskKind
	hostMap     string
	remoteLogin string
	remoteID    int
}

// queueTaskLocked appends a task and immediately attempts execution.
func (a *Adapter) queueTaskLocked(t gameTask) {
	a.tasks = append(a.tasks, t)
	a.tryExecuteTasksLocked()
}

// purgeConnectTasksLocked drops queued JoinGame/ConnectToPeer tasks for a
// peer whose relay is being torn down, so the queue never reaches a connect
// task whose relay is gone.
func (a *Adapter) purgeConnectTasksLocked(remoteID int) {
	kept := a.tasks[:0]
	for _, t := range a.tasks {
		if (t.kind == taskJoinGame || t.kind == taskConnectToPeer) && t.remoteID == remoteID {
			continue
		}
		kept = append(kept, t)
	}
	a.tasks = kept
}

// tryExecuteTasksLocked drains the task queue head-first. HostGame, JoinGame
// and ConnectToPeer require the game to sit in the lobby; DisconnectFromPeer
// only requires a connected game. A task is popped only after its message
// went out; an unmet requirement leaves the head in place and stops the
// drain.
func (a *Adapter) tryExecuteTasksLocked() {
	if !a.gameServer.HasConnectedClient() {
		return
	}
	for len(a.tasks) > 0 {
		t := a.tasks[0]
		switch t.kind {
		case taskHostGame:
			if a.gameState != "Lobby" {
				return
			}
			if err := a.gameServer.SendHostGame(t.hostMap); err != nil {
				util.LogError("failed to send HostGame: %v", err)
				return
			}

		case taskJoinGame, taskConnectToPeer:
			if a.gameState != "Lobby" {
				return
			}
			r, ok := a.relays[t.remoteID]
			if !ok {
				// Can only happen when the game dropped and reconnected
				// between enqueue and lobby: the task is stale, drop it.
				util.LogError("no relay found for joining player %d, dropping task", t.remoteID)
			} else {
				addr := fmt.Sprintf("127.0.0.1:%d", r.LocalUDPPort())
				var err error
				if t.kind == taskJoinGame {
					err = a.gameServer.SendJoinGame(addr, t.remoteLogin, t.remoteID)
				} else {
					err = a.gameServer.SendConnectToPeer(addr, t.remoteLogin, t.remoteID)
				}
				if err != nil {
					util.LogError("failed to send peer connect message: %v", err)
					return
				}
			}

		case taskDisconnectFromPeer:
			if err := a.gameServer.SendDisconnectFromPeer(t.remoteID); err != nil {
				util.LogError("failed to send DisconnectFromPeer: %v", err)
				return
			}
		}
		a.tasks = a.tasks[1:]
	}
}
