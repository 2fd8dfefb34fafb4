package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/raniellyferreira/localfirst-replica/backend"
	"github.com/raniellyferreira/localfirst-replica/frontend"
	"github.com/raniellyferreira/localfirst-replica/replication"
)

// testWorkspace is two editors joined by a synchronization loop
type testWorkspace struct {
	loop *replication.Loop
	a, b *frontend.Editor
}

func newTestWorkspace(t *testing.T) *testWorkspace {
	t.Helper()
	w := &testWorkspace{}
	w.loop = replication.NewLoop(backend.New("A"), backend.New("B"), replication.SinkFunc(func(n replication.Notification) error {
		var errs []error
		if n.A != nil {
			errs = append(errs, w.a.Deliver(*n.A))
		}
		if n.B != nil {
			errs = append(errs, w.b.Deliver(*n.B))
		}
		if n.Rejection != nil {
			errs = append(errs, w.editor(n.Origin).Reject(*n.Rejection))
		}
		return errors.Join(errs...)
	}))
	w.a = frontend.NewEditor(nil, w.loop.Inbox(replication.SideA))
	w.b = frontend.NewEditor(nil, w.loop.Inbox(replication.SideB))

	if err := w.loop.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := w.a.Start(); err != nil {
		t.Fatal(err)
	}
	if err := w.b.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		w.loop.Stop()
		w.a.Close()
		w.b.Close()
	})
	return w
}

func (w *testWorkspace) editor(s replication.Side) *frontend.Editor {
	if s == replication.SideA {
		return w.a
	}
	return w.b
}

func (w *testWorkspace) Editor(name string) (*frontend.Editor, error) {
	side, err := replication.ParseSide(name)
	if err != nil {
		return nil, fmt.Errorf("unknown replica '%s'", name)
	}
	return w.editor(side), nil
}

func (w *testWorkspace) Sync(ctx context.Context) error {
	for _, ed := range []*frontend.Editor{w.a, w.b} {
		if _, err := ed.State(ctx); err != nil {
			return err
		}
	}
	if err := w.loop.WaitIdle(ctx); err != nil {
		return err
	}
	for _, ed := range []*frontend.Editor{w.a, w.b} {
		if _, err := ed.State(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (w *testWorkspace) Info() map[string]interface{} {
	st := w.loop.Status()
	return map[string]interface{}{
		"loop_running":   st.Running,
		"loop_processed": st.Processed,
	}
}

func startServer(t *testing.T, password string) (*Server, *redis.Client) {
	t.Helper()
	srv := NewServer("127.0.0.1:0", newTestWorkspace(t))
	srv.SetPassword(password)
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { srv.Stop() })

	client := redis.NewClient(&redis.Options{
		Addr:     srv.Addr(),
		Password: password,
		Protocol: 2,
	})
	t.Cleanup(func() { client.Close() })
	return srv, client
}

func TestServer_BasicCommands(t *testing.T) {
	_, client := startServer(t, "")
	ctx := context.Background()

	if got, err := client.Ping(ctx).Result(); err != nil || got != "PONG" {
		t.Fatalf("PING = %q, %v", got, err)
	}
	if got, err := client.Do(ctx, "PING", "hello").Text(); err != nil || got != "hello" {
		t.Errorf("PING hello = %q, %v", got, err)
	}

	for i, ch := range []string{"a", "b", "c"} {
		if _, err := client.Do(ctx, "INSERT", "A", i, ch).Text(); err != nil {
			t.Fatalf("INSERT %s failed: %v", ch, err)
		}
	}
	if got, err := client.Do(ctx, "DELETE", "a", 1).Text(); err != nil || got != "ac" {
		t.Errorf("DELETE = %q, %v", got, err)
	}
	if got, err := client.Do(ctx, "INCR", "B").Int64(); err != nil || got != 1 {
		t.Errorf("INCR = %d, %v", got, err)
	}
	if got, err := client.Do(ctx, "INCR", "B", 4).Int64(); err != nil || got != 5 {
		t.Errorf("INCR 4 = %d, %v", got, err)
	}

	if err := client.Do(ctx, "SYNC").Err(); err != nil {
		t.Fatalf("SYNC failed: %v", err)
	}

	for _, replica := range []string{"A", "B"} {
		if got, err := client.Do(ctx, "TEXT", replica).Text(); err != nil || got != "ac" {
			t.Errorf("TEXT %s = %q, %v", replica, got, err)
		}
		if got, err := client.Do(ctx, "COUNTER", replica).Int64(); err != nil || got != 5 {
			t.Errorf("COUNTER %s = %d, %v", replica, got, err)
		}
	}

	state, err := client.Do(ctx, "STATE", "A").Slice()
	if err != nil {
		t.Fatalf("STATE failed: %v", err)
	}
	if len(state) != 10 || state[0] != "actor" || state[5] != "ac" || state[7] != int64(0) {
		t.Errorf("unexpected STATE reply %v", state)
	}
}

func TestServer_LuaScripts(t *testing.T) {
	_, client := startServer(t, "")
	ctx := context.Background()

	got, err := client.Eval(ctx, "doc.insert(0, ARGV[1]) return doc.text()", []string{"A"}, "hello").Text()
	if err != nil || got != "hello" {
		t.Fatalf("EVAL = %q, %v", got, err)
	}

	script := redis.NewScript("return doc.increment(tonumber(ARGV[1]))")
	if n, err := script.Run(ctx, client, []string{"B"}, 3).Int64(); err != nil || n != 3 {
		t.Errorf("script run = %d, %v", n, err)
	}

	digest, err := client.ScriptLoad(ctx, "return {doc.counter(), doc.text()}").Result()
	if err != nil {
		t.Fatal(err)
	}
	exists, err := client.ScriptExists(ctx, digest, "ffffffffffffffffffffffffffffffffffffffff").Result()
	if err != nil || len(exists) != 2 || !exists[0] || exists[1] {
		t.Errorf("SCRIPT EXISTS = %v, %v", exists, err)
	}

	if err := client.Do(ctx, "SYNC").Err(); err != nil {
		t.Fatal(err)
	}
	vals, err := client.EvalSha(ctx, digest, []string{"A"}).Slice()
	if err != nil {
		t.Fatal(err)
	}
	if len(vals) != 2 || vals[0] != int64(3) || vals[1] != "hello" {
		t.Errorf("EVALSHA = %v", vals)
	}

	if err := client.ScriptFlush(ctx).Err(); err != nil {
		t.Fatal(err)
	}
	err = client.EvalSha(ctx, digest, []string{"A"}).Err()
	if err == nil || !strings.HasPrefix(err.Error(), "NOSCRIPT") {
		t.Errorf("expected NOSCRIPT, got %v", err)
	}
}

func TestServer_ErrorHandling(t *testing.T) {
	_, client := startServer(t, "")
	ctx := context.Background()

	tests := []struct {
		name string
		args []interface{}
		want string
	}{
		{"unknown command", []interface{}{"GET", "x"}, "ERR unknown command"},
		{"unknown replica", []interface{}{"TEXT", "C"}, "ERR unknown replica"},
		{"bad index", []interface{}{"INSERT", "A", "x", "y"}, "ERR value is not an integer"},
		{"index out of range", []interface{}{"INSERT", "A", 9, "y"}, "ERR invalid edit"},
		{"negative increment", []interface{}{"INCR", "A", -2}, "ERR invalid edit"},
		{"missing args", []interface{}{"DELETE", "A"}, "ERR wrong number of arguments"},
		{"two keys", []interface{}{"EVAL", "return 1", 2, "A", "B"}, "ERR scripts take exactly one key"},
		{"script error", []interface{}{"EVAL", "error('boom')", 1, "A"}, "ERR script execution error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := client.Do(ctx, tt.args...).Err()
			if err == nil || !strings.HasPrefix(err.Error(), tt.want) {
				t.Errorf("expected %q error, got %v", tt.want, err)
			}
		})
	}

	// the connection survives errors
	if err := client.Ping(ctx).Err(); err != nil {
		t.Errorf("PING after errors failed: %v", err)
	}
}

func TestServer_Authentication(t *testing.T) {
	srv, client := startServer(t, "secret")
	ctx := context.Background()

	if err := client.Do(ctx, "INCR", "A").Err(); err != nil {
		t.Fatalf("authenticated client failed: %v", err)
	}

	wrong := redis.NewClient(&redis.Options{Addr: srv.Addr(), Protocol: 2, MaxRetries: -1})
	defer wrong.Close()
	err := wrong.Do(ctx, "INCR", "A").Err()
	if err == nil || !strings.HasPrefix(err.Error(), "NOAUTH") {
		t.Errorf("expected NOAUTH, got %v", err)
	}
	err = wrong.Do(ctx, "AUTH", "nope").Err()
	if err == nil || !strings.HasPrefix(err.Error(), "WRONGPASS") {
		t.Errorf("expected WRONGPASS, got %v", err)
	}
}

func TestServer_InlineCommands(t *testing.T) {
	srv, _ := startServer(t, "")

	conn, err := net.DialTimeout("tcp", srv.Addr(), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	r := bufio.NewReader(conn)

	send := func(line string) string {
		t.Helper()
		if _, err := fmt.Fprintf(conn, "%s\r\n", line); err != nil {
			t.Fatal(err)
		}
		reply, err := r.ReadString('\n')
		if err != nil {
			t.Fatal(err)
		}
		if strings.HasPrefix(reply, "$") && !strings.HasPrefix(reply, "$-1") {
			body, err := r.ReadString('\n')
			if err != nil {
				t.Fatal(err)
			}
			return strings.TrimSpace(body)
		}
		return strings.TrimSpace(reply)
	}

	if got := send("PING"); got != "+PONG" {
		t.Errorf("PING = %q", got)
	}
	if got := send("insert a 0 hi"); got != "hi" {
		t.Errorf("INSERT = %q", got)
	}
	if got := send("INCR b 2"); got != ":2" {
		t.Errorf("INCR = %q", got)
	}
	if got := send("QUIT"); got != "+OK" {
		t.Errorf("QUIT = %q", got)
	}
	if _, err := r.ReadString('\n'); err == nil {
		t.Error("connection should be closed after QUIT")
	}
}

func TestServer_Stats(t *testing.T) {
	srv, client := startServer(t, "")
	ctx := context.Background()

	client.Ping(ctx)
	client.Do(ctx, "NOPE")

	info, err := client.Info(ctx).Result()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(info, "loop_running:true") || !strings.Contains(info, "shell_connected_clients:1") {
		t.Errorf("unexpected INFO:\n%s", info)
	}

	stats := srv.Stats()
	if stats["total_errors"].(int64) < 1 {
		t.Errorf("expected at least one error, got %v", stats["total_errors"])
	}
	if stats["total_commands"].(int64) < 3 {
		t.Errorf("expected at least three commands, got %v", stats["total_commands"])
	}

	if err := srv.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := client.Ping(ctx).Err(); err == nil {
		t.Error("PING after Stop should fail")
	}
}
