package adapter

import (
	"github.com/faforge/go-ice-adapter/internal/config"
	"github.com/faforge/go-ice-adapter/internal/gpgnet"
	"github.com/faforge/go-ice-adapter/internal/rpc"
)

// asInt converts a decoded JSON value to int. JSON numbers arrive as
// float64.
func asInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}

func asString(v interface{}) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asBool(v interface{}) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

// registerRPCMethods installs the control-channel method table.
func (a *Adapter) registerRPCMethods() {
	s := a.rpcServer

	s.SetCallback("quit", func(params []interface{}, client *rpc.Client) (interface{}, interface{}) {
		a.Quit()
		return "ok", nil
	})

	s.SetCallback("hostGame", func(params []interface{}, client *rpc.Client) (interface{}, interface{}) {
		if len(params) < 1 {
			return nil, "Need 1 parameter: mapName (string)"
		}
		mapName, ok := asString(params[0])
		if !ok {
			return nil, "Need 1 parameter: mapName (string)"
		}
		a.HostGame(mapName)
		return "ok", nil
	})

	s.SetCallback("joinGame", func(params []interface{}, client *rpc.Client) (interface{}, interface{}) {
		if len(params) < 2 {
			return nil, "Need 2 parameters: remotePlayerLogin (string), remotePlayerId (int)"
		}
		login, okLogin := asString(params[0])
		id, okID := asInt(params[1])
		if !okLogin || !okID {
			return nil, "Need 2 parameters: remotePlayerLogin (string), remotePlayerId (int)"
		}
		if err := a.JoinGame(login, id); err != nil {
			return nil, err.Error()
		}
		return "ok", nil
	})

	s.SetCallback("connectToPeer", func(params []interface{}, client *rpc.Client) (interface{}, interface{}) {
		if len(params) < 3 {
			return nil, "Need 3 parameters: remotePlayerLogin (string), remotePlayerId (int), createOffer (bool)"
		}
		login, okLogin := asString(params[0])
		id, okID := asInt(params[1])
		offer, okOffer := asBool(params[2])
		if !okLogin || !okID || !okOffer {
			return nil, "Need 3 parameters: remotePlayerLogin (string), remotePlayerId (int), createOffer (bool)"
		}
		if err := a.ConnectToPeer(login, id, offer); err != nil {
			return nil, err.Error()
		}
		return "ok", nil
	})

	s.SetCallback("disconnectFromPeer", func(params []interface{}, client *rpc.Client) (interface{}, interface{}) {
		if len(params) < 1 {
			return nil, "Need 1 parameter: remotePlayerId (int)"
		}
		id, ok := asInt(params[0])
		if !ok {
			return nil, "Need 1 parameter: remotePlayerId (int)"
		}
		a.DisconnectFromPeer(id)
		return "ok", nil
	})

	s.SetCallback("setLobbyInitMode", func(params []interface{}, client *rpc.Client) (interface{}, interface{}) {
		if len(params) < 1 {
			return nil, "Need 1 parameter: initMode (string)"
		}
		mode, ok := asString(params[0])
		if !ok {
			return nil, "Need 1 parameter: initMode (string)"
		}
		a.SetLobbyInitMode(mode)
		return "ok", nil
	})

	s.SetCallback("iceMsg", func(params []interface{}, client *rpc.Client) (interface{}, interface{}) {
		if len(params) < 2 {
			return nil, "Need 2 parameters: remotePlayerId (int), msg (object)"
		}
		id, okID := asInt(params[0])
		msg, okMsg := params[1].(map[string]interface{})
		if !okID || !okMsg {
			return nil, "Need 2 parameters: remotePlayerId (int), msg (object)"
		}
		a.IceMsg(id, msg)
		return "ok", nil
	})

	s.SetCallback("sendToGpgNet", func(params []interface{}, client *rpc.Client) (interface{}, interface{}) {
		if len(params) < 2 {
			return nil, "Need 2 parameters: header (string), chunks (array)"
		}
		header, okHeader := asString(params[0])
		chunks, okChunks := params[1].([]interface{})
		if !okHeader || !okChunks {
			return nil, "Need 2 parameters: header (string), chunks (array)"
		}
		if err := a.SendToGpgNet(gpgnet.Message{Header: header, Chunks: chunks}); err != nil {
			return nil, err.Error()
		}
		return "ok", nil
	})

	s.SetCallback("setIceServers", func(params []interface{}, client *rpc.Client) (interface{}, interface{}) {
		if len(params) < 1 {
			return nil, "Need 1 parameter: iceServers (array)"
		}
		rawServers, ok := params[0].([]interface{})
		if !ok {
			return nil, "Need 1 parameter: iceServers (array)"
		}
		servers := make([]config.IceServer, 0, len(rawServers))
		for _, raw := range rawServers {
			obj, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			var server config.IceServer
			server.URL, _ = asString(obj["url"])
			server.Username, _ = asString(obj["username"])
			server.Credential, _ = asString(obj["credential"])
			if urls, ok := obj["urls"].([]interface{}); ok {
				for _, u := range urls {
					if s, ok := asString(u); ok {
						server.URLs = append(server.URLs, s)
					}
				}
			}
			servers = append(servers, server)
		}
		a.SetIceServers(servers)
		return "ok", nil
	})

	s.SetCallback("status", func(params []interface{}, client *rpc.Client) (interface{}, interface{}) {
		return a.Status(), nil
	})
}
