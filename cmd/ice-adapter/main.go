// The ice-adapter daemon mediates peer-to-peer connectivity between a local
// game process and remote players. A lobby client drives it over a loopback
// JSON-RPC channel; the game speaks the GPGNet control protocol; every remote
// player gets a WebRTC relay terminating in a local UDP port.
package main

import (
	"os"
	"time"

	"github.com/faforge/go-ice-adapter/internal/adapter"
	"github.com/faforge/go-ice-adapter/internal/config"
	"github.com/faforge/go-ice-adapter/internal/gpgnet"
	"github.com/faforge/go-ice-adapter/internal/rpc"
	"github.com/faforge/go-ice-adapter/internal/telemetry"
	"github.com/faforge/go-ice-adapter/internal/util"
)

func main() {
	opts, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	util.SetLogLevel(opts.LogLevel)
	if opts.LogFile != "" {
		if err := util.SetLogFile(opts.LogFile); err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}
	}

	util.LogInfo("ice-adapter %s starting for player %s (%d)", config.Version, opts.PlayerLogin, opts.PlayerID)

	rpcServer := rpc.NewServer()
	gameServer := gpgnet.NewServer()
	reporter := telemetry.NewReporter(opts.TelemetryServer, opts.PlayerID, opts.PlayerLogin)

	a := adapter.New(opts, rpcServer, gameServer, reporter)

	gameServer.OnClientConnected = a.HandleGameConnected
	gameServer.OnClientDisconnected = a.HandleGameDisconnected
	gameServer.OnMessage = a.HandleGameMessage

	if err := gameServer.Listen(opts.GPGNetPort); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	if err := rpcServer.Listen(opts.RPCPort); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	<-a.Done()

	// Give the quit response a moment to reach the control client before
	// the sockets go away.
	time.Sleep(100 * time.Millisecond)

	util.LogInfo("shutting down")
	rpcServer.Close()
	gameServer.Close()
	reporter.Close()
}
