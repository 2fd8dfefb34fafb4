package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/raniellyferreira/localfirst-replica/frontend"
	"github.com/raniellyferreira/localfirst-replica/lua"
	"github.com/raniellyferreira/localfirst-replica/resp"
)

const (
	readTimeout    = 5 * time.Minute
	commandTimeout = 10 * time.Second
)

// Workspace is what the shell edits
type Workspace interface {
	// Editor returns the editing context of the named replica
	Editor(name string) (*frontend.Editor, error)
	// Sync blocks until every sent request was applied everywhere
	Sync(ctx context.Context) error
	// Info describes the workspace for the INFO command
	Info() map[string]interface{}
}

// Server is the editing shell
type Server struct {
	workspace Workspace
	lua       *lua.Engine

	addr     string
	password string

	listener net.Listener
	clients  sync.Map // map[net.Conn]*Client

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connCount    int64
	commandCount int64
	errorCount   int64
	mu           sync.RWMutex
}

// Client is one shell connection
type Client struct {
	conn   net.Conn
	reader *resp.Reader
	writer *resp.Writer
	server *Server

	authenticated bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates a shell for workspace listening on addr
func NewServer(addr string, workspace Workspace) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		workspace: workspace,
		lua:       lua.NewEngine(),
		addr:      addr,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetPassword requires clients to AUTH before any other command
func (s *Server) SetPassword(password string) {
	s.password = password
}

// Start listens and accepts connections in the background
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = listener

	s.wg.Add(1)
	go s.acceptConnections()
	return nil
}

// Stop closes the listener and every connection and waits for their
// goroutines
func (s *Server) Stop() error {
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}
	s.clients.Range(func(_, value interface{}) bool {
		value.(*Client).Close()
		return true
	})
	s.wg.Wait()
	return nil
}

// Addr returns the listening address
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stats returns connection and command counters
func (s *Server) Stats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clientCount := 0
	s.clients.Range(func(_, _ interface{}) bool {
		clientCount++
		return true
	})

	return map[string]interface{}{
		"connected_clients": clientCount,
		"total_commands":    s.commandCount,
		"total_errors":      s.errorCount,
		"total_connections": s.connCount,
	}
}

func (s *Server) acceptConnections() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return
		}
		s.handleNewClient(conn)
	}
}

func (s *Server) handleNewClient(conn net.Conn) {
	s.mu.Lock()
	s.connCount++
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(s.ctx)
	client := &Client{
		conn:          conn,
		reader:        resp.NewReader(conn),
		writer:        resp.NewWriter(conn),
		server:        s,
		authenticated: s.password == "",
		ctx:           ctx,
		cancel:        cancel,
	}
	s.clients.Store(conn, client)

	s.wg.Add(1)
	go client.handle()
}

// Close drops the connection
func (c *Client) Close() {
	c.cancel()
	c.conn.Close()
	c.server.clients.Delete(c.conn)
}

func (c *Client) handle() {
	defer c.server.wg.Done()
	defer c.Close()

	for c.ctx.Err() == nil {
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))

		cmd, err := c.reader.ReadCommand()
		if err != nil {
			if err == io.EOF || c.ctx.Err() != nil {
				return
			}
			if errors.Is(err, resp.ErrProtocol) {
				c.writeError(fmt.Sprintf("ERR Protocol error: %v", err))
			}
			return
		}

		if !c.executeCommand(cmd) {
			return
		}
	}
}

// executeCommand runs cmd and writes its reply. It returns false when the
// connection should be closed.
func (c *Client) executeCommand(cmd *resp.Command) bool {
	c.server.mu.Lock()
	c.server.commandCount++
	c.server.mu.Unlock()

	if !c.authenticated && cmd.Name != "AUTH" && cmd.Name != "QUIT" {
		c.writeError("NOAUTH Authentication required.")
		return true
	}

	ctx, cancel := context.WithTimeout(c.ctx, commandTimeout)
	defer cancel()

	switch cmd.Name {
	case "AUTH":
		c.handleAuth(cmd)
	case "PING":
		c.handlePing(cmd)
	case "CLIENT":
		c.writeString("OK")
	case "INSERT":
		c.handleInsert(ctx, cmd)
	case "DELETE":
		c.handleDelete(ctx, cmd)
	case "INCR":
		c.handleIncr(ctx, cmd)
	case "TEXT", "COUNTER", "STATE":
		c.handleRead(ctx, cmd)
	case "SYNC":
		c.handleSync(ctx, cmd)
	case "INFO":
		c.handleInfo(cmd)
	case "EVAL":
		c.handleEval(ctx, cmd, false)
	case "EVALSHA":
		c.handleEval(ctx, cmd, true)
	case "SCRIPT":
		c.handleScript(cmd)
	case "QUIT":
		c.writeString("OK")
		return false
	default:
		c.writeError(fmt.Sprintf("ERR unknown command '%s'", cmd.Name))
	}
	return true
}

func (c *Client) wrongArgs(cmd *resp.Command) {
	c.writeError(fmt.Sprintf("ERR wrong number of arguments for '%s' command", strings.ToLower(cmd.Name)))
}

func (c *Client) editor(name string) (*frontend.Editor, bool) {
	ed, err := c.server.workspace.Editor(name)
	if err != nil {
		c.writeError(fmt.Sprintf("ERR %v", err))
		return nil, false
	}
	return ed, true
}

func (c *Client) handleAuth(cmd *resp.Command) {
	if len(cmd.Args) < 1 || len(cmd.Args) > 2 {
		c.wrongArgs(cmd)
		return
	}
	if c.server.password == "" {
		c.writeError("ERR AUTH <password> called without any password configured for the default user. Are you sure your configuration is correct?")
		return
	}
	if string(cmd.Args[len(cmd.Args)-1]) != c.server.password {
		c.writeError("WRONGPASS invalid username-password pair or user is disabled.")
		return
	}
	c.authenticated = true
	c.writeString("OK")
}

func (c *Client) handlePing(cmd *resp.Command) {
	switch len(cmd.Args) {
	case 0:
		c.writeString("PONG")
	case 1:
		c.writeBulkString(cmd.Arg(0))
	default:
		c.wrongArgs(cmd)
	}
}

func (c *Client) handleInsert(ctx context.Context, cmd *resp.Command) {
	if len(cmd.Args) != 3 {
		c.wrongArgs(cmd)
		return
	}
	index, err := cmd.IntArg(1)
	if err != nil {
		c.writeError("ERR " + err.Error())
		return
	}
	c.edit(ctx, cmd.Arg(0), frontend.Insert(int(index), cmd.Arg(2)), func(s frontend.State) {
		c.writeBulkString(s.Text)
	})
}

func (c *Client) handleDelete(ctx context.Context, cmd *resp.Command) {
	if len(cmd.Args) < 2 || len(cmd.Args) > 3 {
		c.wrongArgs(cmd)
		return
	}
	index, err := cmd.IntArg(1)
	if err != nil {
		c.writeError("ERR " + err.Error())
		return
	}
	count := int64(1)
	if len(cmd.Args) == 3 {
		if count, err = cmd.IntArg(2); err != nil {
			c.writeError("ERR " + err.Error())
			return
		}
	}
	c.edit(ctx, cmd.Arg(0), frontend.Delete(int(index), int(count)), func(s frontend.State) {
		c.writeBulkString(s.Text)
	})
}

func (c *Client) handleIncr(ctx context.Context, cmd *resp.Command) {
	if len(cmd.Args) < 1 || len(cmd.Args) > 2 {
		c.wrongArgs(cmd)
		return
	}
	delta := int64(1)
	if len(cmd.Args) == 2 {
		var err error
		if delta, err = cmd.IntArg(1); err != nil {
			c.writeError("ERR " + err.Error())
			return
		}
	}
	c.edit(ctx, cmd.Arg(0), frontend.Increment(delta), func(s frontend.State) {
		c.writeInteger(s.Counter)
	})
}

func (c *Client) edit(ctx context.Context, replica string, e frontend.Edit, reply func(frontend.State)) {
	ed, ok := c.editor(replica)
	if !ok {
		return
	}
	state, err := ed.Edit(ctx, e)
	if err != nil {
		c.writeError(editError(err))
		return
	}
	reply(state)
}

func editError(err error) string {
	switch {
	case frontend.IsClosed(err):
		return "ERR replica closed"
	case errors.Is(err, lua.ErrNoScript):
		return err.Error()
	default:
		return "ERR " + err.Error()
	}
}

func (c *Client) handleRead(ctx context.Context, cmd *resp.Command) {
	if len(cmd.Args) != 1 {
		c.wrongArgs(cmd)
		return
	}
	ed, ok := c.editor(cmd.Arg(0))
	if !ok {
		return
	}
	s, err := ed.State(ctx)
	if err != nil {
		c.writeError(editError(err))
		return
	}

	switch cmd.Name {
	case "TEXT":
		c.writeBulkString(s.Text)
	case "COUNTER":
		c.writeInteger(s.Counter)
	default:
		c.writeValue(resp.Array(
			resp.BulkString("actor"), resp.BulkString(s.Actor.String()),
			resp.BulkString("counter"), resp.Integer(s.Counter),
			resp.BulkString("text"), resp.BulkString(s.Text),
			resp.BulkString("pending"), resp.Integer(int64(s.Pending)),
			resp.BulkString("clock"), resp.BulkString(s.Clock.String()),
		))
	}
}

func (c *Client) handleSync(ctx context.Context, cmd *resp.Command) {
	if len(cmd.Args) != 0 {
		c.wrongArgs(cmd)
		return
	}
	if err := c.server.workspace.Sync(ctx); err != nil {
		c.writeError("ERR " + err.Error())
		return
	}
	c.writeString("OK")
}

func (c *Client) handleInfo(cmd *resp.Command) {
	info := c.server.workspace.Info()
	for k, v := range c.server.Stats() {
		info["shell_"+k] = v
	}

	keys := make([]string, 0, len(info))
	for k := range info {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s:%v\r\n", k, info[k])
	}
	c.writeBulkString(b.String())
}

// handleEval serves EVAL and EVALSHA. The single key names the replica the
// script runs against.
func (c *Client) handleEval(ctx context.Context, cmd *resp.Command, bySHA bool) {
	if len(cmd.Args) < 3 {
		c.wrongArgs(cmd)
		return
	}
	numKeys, err := strconv.Atoi(cmd.Arg(1))
	if err != nil {
		c.writeError("ERR value is not an integer or out of range")
		return
	}
	if numKeys != 1 {
		c.writeError("ERR scripts take exactly one key, the replica name")
		return
	}

	ed, ok := c.editor(cmd.Arg(2))
	if !ok {
		return
	}
	args := make([]string, 0, len(cmd.Args)-3)
	for i := 3; i < len(cmd.Args); i++ {
		args = append(args, cmd.Arg(i))
	}

	var result interface{}
	if bySHA {
		result, err = c.server.lua.EvalSHA(ctx, ed, strings.ToLower(cmd.Arg(0)), args)
	} else {
		result, err = c.server.lua.Eval(ctx, ed, cmd.Arg(0), args)
	}
	if err != nil {
		c.writeError(editError(err))
		return
	}
	if !bySHA {
		c.server.lua.LoadScript(cmd.Arg(0))
	}
	c.writeValue(toValue(result))
}

func (c *Client) handleScript(cmd *resp.Command) {
	if len(cmd.Args) == 0 {
		c.wrongArgs(cmd)
		return
	}

	sub := strings.ToUpper(cmd.Arg(0))
	switch sub {
	case "LOAD":
		if len(cmd.Args) != 2 {
			c.writeError("ERR wrong number of arguments for 'script|load' command")
			return
		}
		c.writeBulkString(c.server.lua.LoadScript(cmd.Arg(1)))

	case "EXISTS":
		if len(cmd.Args) < 2 {
			c.writeError("ERR wrong number of arguments for 'script|exists' command")
			return
		}
		digests := make([]string, 0, len(cmd.Args)-1)
		for i := 1; i < len(cmd.Args); i++ {
			digests = append(digests, strings.ToLower(cmd.Arg(i)))
		}
		values := make([]resp.Value, 0, len(digests))
		for _, exists := range c.server.lua.ScriptExists(digests) {
			if exists {
				values = append(values, resp.Integer(1))
			} else {
				values = append(values, resp.Integer(0))
			}
		}
		c.writeValue(resp.Array(values...))

	case "FLUSH":
		c.server.lua.ScriptFlush()
		c.writeString("OK")

	default:
		c.writeError(fmt.Sprintf("ERR unknown subcommand '%s'", sub))
	}
}

// toValue converts a script result the way Redis converts Lua values
func toValue(result interface{}) resp.Value {
	switch v := result.(type) {
	case nil:
		return resp.Null()
	case bool:
		if v {
			return resp.Integer(1)
		}
		return resp.Null()
	case int64:
		return resp.Integer(v)
	case float64:
		return resp.Integer(int64(v))
	case string:
		return resp.BulkString(v)
	case []interface{}:
		values := make([]resp.Value, len(v))
		for i, item := range v {
			values[i] = toValue(item)
		}
		return resp.Array(values...)
	case map[string]interface{}:
		if msg, ok := v["err"].(string); ok {
			return resp.ErrorValue(msg)
		}
		if msg, ok := v["ok"].(string); ok {
			return resp.SimpleString(msg)
		}
		return resp.Array()
	default:
		return resp.BulkString(fmt.Sprintf("%v", v))
	}
}

// Response writers

func (c *Client) writeValue(v resp.Value) {
	if v.IsError() {
		c.countError()
	}
	c.writer.WriteValue(v)
	c.writer.Flush()
}

func (c *Client) writeString(s string) {
	c.writer.WriteSimpleString(s)
	c.writer.Flush()
}

func (c *Client) writeError(s string) {
	c.countError()
	c.writer.WriteError(s)
	c.writer.Flush()
}

func (c *Client) countError() {
	c.server.mu.Lock()
	c.server.errorCount++
	c.server.mu.Unlock()
}

func (c *Client) writeBulkString(s string) {
	c.writer.WriteBulkString([]byte(s))
	c.writer.Flush()
}

func (c *Client) writeInteger(i int64) {
	c.writer.WriteInteger(i)
	c.writer.Flush()
}
