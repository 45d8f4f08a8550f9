package rpc

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/faforge/go-ice-adapter/internal/util"
)

// Callback handles one RPC method. It receives the request's params array and
// the originating client and returns a result and an error value; exactly one
// of the two should be non-nil. The error value becomes the JSON-RPC "error"
// field verbatim (a string in practice).
type Callback func(params []interface{}, client *Client) (result interface{}, rpcErr interface{})

// ResultCallback receives the outcome of an outbound request. Exactly one of
// result and rpcErr is non-nil on success or failure respectively.
type ResultCallback func(result interface{}, rpcErr interface{})

// Client is one connected control client. It is owned by the server; handlers
// receive it to target responses and requests at a specific connection.
type Client struct {
	conn    net.Conn
	writeMu sync.Mutex
}

// Addr returns the remote address of the client connection.
func (c *Client) Addr() net.Addr {
	return c.conn.RemoteAddr()
}

// write sends one encoded frame, serialized per connection so that frames
// never interleave on the wire.
func (c *Client) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write(data)
	return err
}

type pendingRequest struct {
	client *Client
	cb     ResultCallback
	timer  *time.Timer
}

// Server is a bidirectional JSON-RPC 2.0 endpoint over persistent loopback
// TCP connections. Inbound frames are requests (dispatched to registered
// callbacks), responses (matched against pending outbound requests) or
// dropped. Outbound frames are responses, targeted requests and broadcast
// notifications.
type Server struct {
	listener net.Listener

	mu        sync.Mutex
	clients   map[*Client]struct{}
	callbacks map[string]Callback
	pending   map[int64]*pendingRequest
	nextID    int64
	closed    bool

	// OnClientConnected and OnClientDisconnected are invoked outside the
	// server lock whenever a control client comes or goes. Set before Listen.
	OnClientConnected    func(*Client)
	OnClientDisconnected func(*Client)
}

// NewServer creates an unstarted server.
func NewServer() *Server {
	return &Server{
		clients:   make(map[*Client]struct{}),
		callbacks: make(map[string]Callback),
		pending:   make(map[int64]*pendingRequest),
	}
}

// Listen binds the loopback control port and starts accepting clients.
func (s *Server) Listen(port int) error {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return fmt.Errorf("unable to bind rpc port %d: %w", port, err)
	}
	s.listener = listener
	util.LogInfo("JSON-RPC server listening on port %d", s.ListenPort())

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			client := &Client{conn: conn}
			s.mu.Lock()
			s.clients[client] = struct{}{}
			s.mu.Unlock()
			util.LogDebug("control client connected from %s", conn.RemoteAddr())
			if s.OnClientConnected != nil {
				s.OnClientConnected(client)
			}
			go s.serveClient(client)
		}
	}()
	return nil
}

// ListenPort returns the bound control port.
func (s *Server) ListenPort() int {
	if s.listener == nil {
		return 0
	}
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Close stops the listener and disconnects every client.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	clients := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	if s.listener != nil {
		s.listener.Close()
	}
	for _, c := range clients {
		s.dropClient(c)
	}
}

// SetCallback registers the handler for a method name. A single slot per
// method: the last registration wins.
func (s *Server) SetCallback(method string, cb Callback) {
	s.mu.Lock()
	s.callbacks[method] = cb
	s.mu.Unlock()
}

// SendRequest sends a request or notification. With a nil ResultCallback the
// frame carries no id and is a fire-and-forget notification; target nil means
// broadcast to every connected client. With a ResultCallback a strictly
// increasing id is assigned and the callback fires when the matching response
// arrives, the target disconnects, or the send fails. A callback together
// with broadcast is refused: a response could never be correlated.
func (s *Server) SendRequest(method string, params []interface{}, target *Client, cb ResultCallback) {
	s.sendRequest(method, params, target, cb, 0)
}

// SendRequestWithDeadline is SendRequest with a per-request deadline. When
// the deadline passes before a response arrives, the callback fires with a
// "deadline exceeded" error and the pending entry is removed.
func (s *Server) SendRequestWithDeadline(method string, params []interface{}, target *Client, cb ResultCallback, deadline time.Duration) {
	s.sendRequest(method, params, target, cb, deadline)
}

func (s *Server) sendRequest(method string, params []interface{}, target *Client, cb ResultCallback, deadline time.Duration) {
	fail := func(msg string) {
		if cb != nil {
			cb(nil, msg)
		}
	}
	if method == "" {
		fail("method must not be empty")
		return
	}
	if cb != nil && target == nil {
		fail("broadcast request requires a target client")
		return
	}
	if params == nil {
		params = []interface{}{}
	}

	request := map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
	}

	var id int64
	if cb != nil {
		s.mu.Lock()
		id = s.nextID
		s.nextID++
		entry := &pendingRequest{client: target, cb: cb}
		if deadline > 0 {
			entry.timer = time.AfterFunc(deadline, func() { s.expirePending(id) })
		}
		s.pending[id] = entry
		s.mu.Unlock()
		request["id"] = id
	}

	data, err := json.Marshal(request)
	if err != nil {
		if cb == nil || s.removePending(id) {
			fail(fmt.Sprintf("failed to encode request: %v", err))
		}
		return
	}
	if !s.sendFrame(data, target) {
		// The entry may already be gone if the target disconnected mid-send;
		// the continuation fired with "disconnected" in that case.
		if cb == nil || s.removePending(id) {
			fail("send failed")
		}
	}
}

// removePending removes a pending entry without firing it. Reports whether
// the entry was still present.
func (s *Server) removePending(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.pending[id]
	if !ok {
		return false
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	delete(s.pending, id)
	return true
}

// expirePending fires a pending request's deadline.
func (s *Server) expirePending(id int64) {
	s.mu.Lock()
	entry, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()
	if ok {
		entry.cb(nil, "deadline exceeded")
	}
}

// sendFrame writes data to the target client, or to all clients when target
// is nil. Clients whose write fails are dropped. Returns false when nothing
// could be written at all.
func (s *Server) sendFrame(data []byte, target *Client) bool {
	s.mu.Lock()
	recipients := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		if target != nil && c != target {
			continue
		}
		recipients = append(recipients, c)
	}
	s.mu.Unlock()

	if len(recipients) == 0 {
		return false
	}

	sent := false
	for _, c := range recipients {
		if err := c.write(data); err != nil {
			util.LogError("send to control client %s failed: %v", c.Addr(), err)
			s.dropClient(c)
			continue
		}
		sent = true
	}
	return sent
}

// serveClient is the per-connection read loop. Each read feeds the framer,
// which yields zero or more complete JSON objects to process.
func (s *Server) serveClient(client *Client) {
	defer s.dropClient(client)

	f := &framer{}
	buf := make([]byte, 4096)
	for {
		n, err := client.conn.Read(buf)
		if n > 0 {
			f.append(buf[:n])
			for {
				frame, ferr := f.next()
				if ferr != nil {
					util.LogError("invalid JSON frame from %s: %v", client.Addr(), ferr)
					break
				}
				if frame == nil {
					break
				}
				s.processFrame(frame, client)
			}
		}
		if err != nil {
			return
		}
	}
}

// dropClient removes a client, closes its socket and fails every pending
// request that was waiting on it.
func (s *Server) dropClient(client *Client) {
	s.mu.Lock()
	if _, ok := s.clients[client]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clients, client)
	var orphaned []*pendingRequest
	for id, entry := range s.pending {
		if entry.client == client {
			if entry.timer != nil {
				entry.timer.Stop()
			}
			delete(s.pending, id)
			orphaned = append(orphaned, entry)
		}
	}
	s.mu.Unlock()

	client.conn.Close()
	util.LogDebug("control client %s disconnected", client.Addr())
	for _, entry := range orphaned {
		entry.cb(nil, "disconnected")
	}
	if s.OnClientDisconnected != nil {
		s.OnClientDisconnected(client)
	}
}

// processFrame classifies one inbound JSON object as request, response or
// garbage and handles it accordingly.
func (s *Server) processFrame(frame json.RawMessage, client *Client) {
	var env map[string]json.RawMessage
	if err := json.Unmarshal(frame, &env); err != nil {
		util.LogError("error parsing JSON frame: %v", err)
		return
	}

	if _, ok := env["method"]; ok {
		s.processRequest(env, client)
		return
	}
	_, hasResult := env["result"]
	_, hasError := env["error"]
	if hasResult || hasError {
		s.processResponse(env)
		return
	}
	// Neither request nor response: drop silently.
}

func (s *Server) processRequest(env map[string]json.RawMessage, client *Client) {
	rawID, hasID := env["id"]

	respond := func(result, rpcErr interface{}) {
		if !hasID {
			return
		}
		response := map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      json.RawMessage(rawID),
		}
		if result != nil {
			response["result"] = result
		} else {
			response["error"] = rpcErr
		}
		data, err := json.Marshal(response)
		if err != nil {
			util.LogError("failed to encode response: %v", err)
			return
		}
		if err := client.write(data); err != nil {
			util.LogError("send to control client %s failed: %v", client.Addr(), err)
			s.dropClient(client)
		}
	}

	var method string
	if err := json.Unmarshal(env["method"], &method); err != nil {
		respond(nil, map[string]interface{}{
			"code":    -1,
			"message": "'method' parameter must be a string",
		})
		return
	}

	params := []interface{}{}
	if rawParams, ok := env["params"]; ok {
		// A non-array params field is treated as absent.
		var parsed []interface{}
		if err := json.Unmarshal(rawParams, &parsed); err == nil {
			params = parsed
		}
	}

	s.mu.Lock()
	cb, ok := s.callbacks[method]
	s.mu.Unlock()
	if !ok {
		util.LogError("no RPC callback for method '%s'", method)
		respond(nil, fmt.Sprintf("RPC callback for method '%s' not found", method))
		return
	}

	result, rpcErr := s.invoke(cb, method, params, client)
	respond(result, rpcErr)
}

// invoke runs a method callback, converting a panic into a JSON-RPC internal
// error response.
func (s *Server) invoke(cb Callback, method string, params []interface{}, client *Client) (result, rpcErr interface{}) {
	defer func() {
		if r := recover(); r != nil {
			util.LogError("panic in callback for method '%s': %v", method, r)
			result = nil
			rpcErr = map[string]interface{}{
				"code":    -32603,
				"message": "internal error",
			}
		}
	}()
	return cb(params, client)
}

func (s *Server) processResponse(env map[string]json.RawMessage) {
	rawID, ok := env["id"]
	if !ok {
		return
	}
	var id int64
	if err := json.Unmarshal(rawID, &id); err != nil {
		return
	}

	s.mu.Lock()
	entry, ok := s.pending[id]
	if ok {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(s.pending, id)
	}
	s.mu.Unlock()
	if !ok {
		// Response to a request we never sent (or one that already
		// expired): drop silently.
		return
	}

	var result, rpcErr interface{}
	if raw, ok := env["result"]; ok {
		json.Unmarshal(raw, &result)
	}
	if raw, ok := env["error"]; ok {
		json.Unmarshal(raw, &rpcErr)
	}
	entry.cb(result, rpcErr)
}
