package api

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/beamline/qserver/pkg/log"
	"github.com/beamline/qserver/pkg/manager"
	"github.com/go-zeromq/zmq4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

const testPermissions = `
plans:
  count:
    description: Read detectors a number of times
user_groups:
  admin:
    allowed_plans:
      - ".*"
`

type testServer struct {
	addr    string
	key     string
	srv     *Server
	stopped atomic.Bool
	killed  atomic.Bool
}

func startServer(t *testing.T, key string) *testServer {
	t.Helper()

	dir := t.TempDir()
	permPath := filepath.Join(dir, "permissions.yaml")
	require.NoError(t, os.WriteFile(permPath, []byte(testPermissions), 0o644))

	mgr, err := manager.NewManager(manager.Config{
		DataDir:         dir,
		PermissionsPath: permPath,
		WorkerBinary:    "/nonexistent/worker",
	})
	require.NoError(t, err)
	mgr.Start()

	ts := &testServer{
		addr: "ipc://" + filepath.Join(dir, "api.sock"),
		key:  key,
	}
	ts.srv = NewServer(mgr, Config{Addr: ts.addr, PrivateKey: key}, func() { ts.stopped.Store(true) })
	ts.srv.kill = func() { ts.killed.Store(true) }

	ctx, cancel := context.WithCancel(context.Background())
	go ts.srv.Run(ctx)
	t.Cleanup(func() {
		cancel()
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		mgr.Stop(sctx)
	})
	return ts
}

func dialClient(t *testing.T, ts *testServer) *Client {
	t.Helper()
	var (
		c   *Client
		err error
	)
	deadline := time.Now().Add(5 * time.Second)
	for {
		c, err = Dial(context.Background(), ts.addr, ts.key)
		if err == nil {
			break
		}
		require.True(t, time.Now().Before(deadline), "failed to connect: %v", err)
		time.Sleep(20 * time.Millisecond)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestServer_Ping(t *testing.T) {
	ts := startServer(t, "")
	c := dialClient(t, ts)

	resp, err := c.Call("ping", nil)
	require.NoError(t, err)
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, "RE Manager", resp["msg"])
	assert.Equal(t, "idle", resp["manager_state"])
}

func TestServer_QueueRoundTrip(t *testing.T) {
	ts := startServer(t, "")
	c := dialClient(t, ts)

	resp, err := c.Call("queue_item_add", map[string]interface{}{
		"item":       map[string]interface{}{"item_type": "plan", "name": "count"},
		"user":       "testuser",
		"user_group": "admin",
	})
	require.NoError(t, err)
	require.Equal(t, true, resp["success"], resp["msg"])
	assert.Equal(t, float64(1), resp["qsize"])
	item := resp["item"].(map[string]interface{})
	assert.Equal(t, "count", item["name"])
	assert.NotEmpty(t, item["item_uid"])

	resp, err = c.Call("queue_get", nil)
	require.NoError(t, err)
	assert.Equal(t, true, resp["success"])
	assert.Len(t, resp["items"].([]interface{}), 1)
	assert.NotEmpty(t, resp["plan_queue_uid"])

	resp, err = c.Call("queue_item_remove", map[string]interface{}{"pos": "front"})
	require.NoError(t, err)
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, float64(0), resp["qsize"])
}

func TestServer_ErrorReporting(t *testing.T) {
	ts := startServer(t, "")
	c := dialClient(t, ts)

	resp, err := c.Call("queue_item_add", map[string]interface{}{
		"item":       map[string]interface{}{"item_type": "plan", "name": "bad_plan"},
		"user":       "testuser",
		"user_group": "admin",
	})
	require.NoError(t, err)
	assert.Equal(t, false, resp["success"])
	assert.Contains(t, resp["msg"], "not in the list of allowed plans")

	resp, err = c.Call("no_such_method", nil)
	require.NoError(t, err)
	assert.Equal(t, false, resp["success"])
	assert.Contains(t, resp["msg"], "Unknown method")
}

func TestServer_MalformedRequest(t *testing.T) {
	ts := startServer(t, "")

	sock := zmq4.NewReq(context.Background())
	defer sock.Close()
	deadline := time.Now().Add(5 * time.Second)
	for {
		if err := sock.Dial(ts.addr); err == nil {
			break
		}
		require.True(t, time.Now().Before(deadline))
		time.Sleep(20 * time.Millisecond)
	}

	require.NoError(t, sock.Send(zmq4.NewMsg([]byte("this is not json"))))
	msg, err := sock.Recv()
	require.NoError(t, err)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(msg.Bytes(), &resp))
	assert.Equal(t, false, resp["success"])
	assert.Contains(t, resp["msg"], "valid JSON document")

	require.NoError(t, sock.Send(zmq4.NewMsg([]byte(`{"params":{}}`))))
	msg, err = sock.Recv()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(msg.Bytes(), &resp))
	assert.Equal(t, false, resp["success"])
	assert.Contains(t, resp["msg"], "Method is not specified")
}

func TestServer_ManagerStop(t *testing.T) {
	ts := startServer(t, "")
	c := dialClient(t, ts)

	resp, err := c.Call("manager_stop", nil)
	require.NoError(t, err)
	assert.Equal(t, true, resp["success"])

	assert.Eventually(t, ts.stopped.Load, 2*time.Second, 10*time.Millisecond)
}

func TestServer_ManagerStopBadOption(t *testing.T) {
	ts := startServer(t, "")
	c := dialClient(t, ts)

	resp, err := c.Call("manager_stop", map[string]interface{}{"option": "whatever"})
	require.NoError(t, err)
	assert.Equal(t, false, resp["success"])
	assert.Contains(t, resp["msg"], "Option 'whatever' is not supported")
	assert.False(t, ts.stopped.Load())
}

func TestServer_ManagerKill(t *testing.T) {
	ts := startServer(t, "")

	sock := zmq4.NewReq(context.Background())
	defer sock.Close()
	deadline := time.Now().Add(5 * time.Second)
	for {
		if err := sock.Dial(ts.addr); err == nil {
			break
		}
		require.True(t, time.Now().Before(deadline))
		time.Sleep(20 * time.Millisecond)
	}

	// No reply is expected
	require.NoError(t, sock.Send(zmq4.NewMsg([]byte(`{"method":"manager_kill"}`))))
	assert.Eventually(t, ts.killed.Load, 2*time.Second, 10*time.Millisecond)
}

func TestServer_PlainAuth(t *testing.T) {
	ts := startServer(t, "supersecret")
	c := dialClient(t, ts)

	resp, err := c.Call("ping", nil)
	require.NoError(t, err)
	assert.Equal(t, true, resp["success"])
}
