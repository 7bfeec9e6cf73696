package api

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/beamline/qserver/pkg/log"
	"github.com/beamline/qserver/pkg/manager"
	"github.com/beamline/qserver/pkg/metrics"
	"github.com/beamline/qserver/pkg/types"
	"github.com/go-zeromq/zmq4"
	"github.com/go-zeromq/zmq4/security/plain"
	"github.com/rs/zerolog"
)

// DefaultAddr is the default control channel endpoint
const DefaultAddr = "tcp://*:60615"

// EnvPrivateKey names the environment variable holding the control channel
// password. When set, the server requires PLAIN authentication.
const EnvPrivateKey = "QSERVER_ZMQ_PRIVATE_KEY"

// plainUser is the fixed username of the PLAIN handshake; clients are
// authenticated by the shared key alone
const plainUser = "qserver"

// Request is the envelope of one control channel call
type Request struct {
	Method string                 `json:"method"`
	Params map[string]interface{} `json:"params"`
}

// Config holds configuration for the control channel server
type Config struct {
	Addr       string
	PrivateKey string
}

// Server serves the JSON control channel on a ZeroMQ REP socket. Requests
// are handled strictly one at a time; ordering guarantees of the manager
// loop carry through to clients.
type Server struct {
	mgr      *manager.Manager
	cfg      Config
	lg       zerolog.Logger
	shutdown func()
	kill     func()
}

// NewServer creates a control channel server. The shutdown callback is
// invoked when a manager_stop request is accepted.
func NewServer(mgr *manager.Manager, cfg Config, shutdown func()) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	return &Server{
		mgr:      mgr,
		cfg:      cfg,
		lg:       log.WithComponent("api"),
		shutdown: shutdown,
		kill:     func() { os.Exit(0) },
	}
}

// Run serves requests until the context is canceled
func (s *Server) Run(ctx context.Context) error {
	var opts []zmq4.Option
	if s.cfg.PrivateKey != "" {
		opts = append(opts, zmq4.WithSecurity(plain.Security(plainUser, s.cfg.PrivateKey)))
		s.lg.Info().Msg("control channel encryption enabled")
	}

	sock := zmq4.NewRep(ctx, opts...)
	defer sock.Close()
	if err := sock.Listen(s.cfg.Addr); err != nil {
		return fmt.Errorf("failed to bind control channel socket: %w", err)
	}
	s.lg.Info().Str("addr", s.cfg.Addr).Msg("control channel listening")

	for {
		msg, err := sock.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("control channel receive failed: %w", err)
		}

		start := time.Now()
		method, resp, reply := s.handle(ctx, msg.Bytes())
		outcome := "ok"
		if ok, _ := resp["success"].(bool); !ok {
			outcome = "error"
		}
		metrics.APIRequestsTotal.WithLabelValues(method, outcome).Inc()
		metrics.APIRequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
		if !reply {
			continue
		}
		data, err := json.Marshal(resp)
		if err != nil {
			s.lg.Error().Err(err).Msg("failed to encode response")
			data = []byte(`{"success":false,"msg":"internal error"}`)
		}
		if err := sock.Send(zmq4.NewMsg(data)); err != nil {
			s.lg.Error().Err(err).Msg("failed to send response")
		}
	}
}

// handle executes one request. The last return value is false when no reply
// must be sent.
func (s *Server) handle(ctx context.Context, raw []byte) (string, map[string]interface{}, bool) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return "invalid", map[string]interface{}{
			"success": false,
			"msg":     fmt.Sprintf("Request does not contain a valid JSON document: %v", err),
		}, true
	}
	if req.Method == "" {
		return "invalid", map[string]interface{}{
			"success": false,
			"msg":     "Method is not specified",
		}, true
	}

	s.lg.Debug().Str("method", req.Method).Msg("request")

	switch req.Method {
	case "manager_stop":
		return req.Method, s.handleManagerStop(ctx, req.Params), true
	case "manager_kill":
		// Emergency termination: the process dies without a reply
		s.lg.Warn().Msg("manager_kill received, terminating")
		s.kill()
		return req.Method, nil, false
	}

	payload, err := s.mgr.Dispatch(ctx, req.Method, req.Params)
	resp := make(map[string]interface{}, len(payload)+2)
	for k, v := range payload {
		resp[k] = v
	}
	if err != nil {
		resp["success"] = false
		resp["msg"] = err.Error()
	} else {
		resp["success"] = true
		if _, ok := resp["msg"]; !ok {
			resp["msg"] = ""
		}
	}
	return req.Method, resp, true
}

// handleManagerStop shuts the server process down. With option "safe_on"
// (the default) the request is refused unless the manager is idle;
// "safe_off" stops the manager regardless of what it is doing.
func (s *Server) handleManagerStop(ctx context.Context, params map[string]interface{}) map[string]interface{} {
	option := "safe_on"
	if v, ok := params["option"].(string); ok && v != "" {
		option = v
	}
	switch option {
	case "safe_on":
		payload, err := s.mgr.Dispatch(ctx, "status", nil)
		if err != nil {
			return map[string]interface{}{"success": false, "msg": err.Error()}
		}
		if state, _ := payload["manager_state"].(types.ManagerState); state != types.StateIdle {
			return map[string]interface{}{
				"success": false,
				"msg": fmt.Sprintf(
					"Closing the manager with option 'safe_on' requires the manager to be idle. Current state: '%s'", state),
			}
		}
	case "safe_off":
	default:
		return map[string]interface{}{
			"success": false,
			"msg":     fmt.Sprintf("Option '%s' is not supported", option),
		}
	}
	go s.shutdown()
	return map[string]interface{}{"success": true, "msg": ""}
}
