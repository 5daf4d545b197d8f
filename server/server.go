// Copyright (c) 2023-2026 The agentwire developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/decred/slog"
	"golang.org/x/sync/errgroup"

	"github.com/agentwire/agentwire/identity"
	"github.com/agentwire/agentwire/rpc"
	"github.com/agentwire/agentwire/server/internal/lvdb"
	"github.com/agentwire/agentwire/server/serverdb"
	"github.com/agentwire/agentwire/server/settings"
	"github.com/agentwire/agentwire/transport"
)

const (
	tagDepth = 32
)

// RPCWrapper is a wrapped RPC Message for internal use. This is required
// because RPC messages consist of 2 discrete pieces.
type RPCWrapper struct {
	Message rpc.Message
	Payload interface{}

	// CloseAfterWritingErr is set to a non nil error if the agent session
	// should be closed after writing this message.
	CloseAfterWritingErr error
}

// Server is the agentwire relay: it terminates encrypted agent connections
// and drives the protocol core on their behalf.
type Server struct {
	sync.Mutex
	listenAddrs []net.Addr // Actual addresses we're bound to

	// Not mutex entries
	now      func() time.Time
	db       serverdb.ServerDB
	mgr      *Manager
	settings *settings.Settings
	id       *identity.FullIdentity
	logBknd  *logBackend
	log      slog.Logger
	logConn  slog.Logger

	// pingLimit is the max time between pings.
	pingLimit time.Duration
}

// BoundAddrs returns the addresses the server is bound to listen to.
func (z *Server) BoundAddrs() []net.Addr {
	z.Lock()
	res := append([]net.Addr{}, z.listenAddrs...)
	z.Unlock()
	return res
}

// writeMessage marshals and sends an encrypted message to the agent.
func (z *Server) writeMessage(kx *transport.KX, msg *RPCWrapper) error {
	var bb bytes.Buffer

	enc := json.NewEncoder(&bb)
	err := enc.Encode(msg.Message)
	if err != nil {
		return fmt.Errorf("could not marshal message %v",
			msg.Message.Command)
	}
	err = enc.Encode(msg.Payload)
	if err != nil {
		return fmt.Errorf("could not marshal payload, %v",
			msg.Message.Command)
	}

	err = kx.Write(bb.Bytes())
	if err != nil {
		return fmt.Errorf("could not write %v: %v",
			msg.Message.Command, err)
	}
	return nil
}

// welcome sends the Welcome command with the server properties and returns
// the login challenge the agent must sign.
func (z *Server) welcome(kx *transport.KX) ([]byte, error) {
	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		return nil, err
	}

	properties := []rpc.ServerProperty{
		rpc.DefaultPropMaxFrameBytes(),
		{
			Key:      rpc.PropMaxFutureDelta,
			Value:    strconv.FormatInt(z.settings.MaxFutureDelta, 10),
			Required: true,
		},
		{
			Key:   rpc.PropServerTime,
			Value: strconv.FormatInt(z.now().Unix(), 10),
		},
		{
			Key:   rpc.PropSessionTTL,
			Value: z.settings.SessionTTL.String(),
		},
		{
			Key:      rpc.PropLoginChallenge,
			Value:    base64.StdEncoding.EncodeToString(challenge),
			Required: true,
		},
	}

	msg := &RPCWrapper{
		Message: rpc.Message{
			Command:   rpc.SessionCmdWelcome,
			TimeStamp: z.now().Unix(),
		},
		Payload: rpc.Welcome{
			Version:    rpc.ProtocolVersion,
			ServerTime: z.now().Unix(),
			Properties: properties,
		},
	}
	if err := z.writeMessage(kx, msg); err != nil {
		return nil, fmt.Errorf("could not write Welcome message: %v", err)
	}
	return challenge, nil
}

// login reads and verifies the agent's login: the identity bundle must be
// internally consistent and the challenge signature must verify. Returns the
// agent's identity handle, which is the principal for every operation on
// this connection.
func (z *Server) login(kx *transport.KX, challenge []byte) (string, error) {
	cmd, err := kx.Read()
	if err != nil {
		return "", err
	}

	br := bytes.NewReader(cmd)
	dec := json.NewDecoder(br)
	var message rpc.Message
	if err := dec.Decode(&message); err != nil {
		return "", fmt.Errorf("unmarshal login header failed")
	}
	if message.Command != rpc.SessionCmdLogin {
		return "", fmt.Errorf("expected login command, got %v",
			message.Command)
	}
	var login rpc.AgentLogin
	if err := rpc.DecodeLimited(br, rpc.MaxMsgSize, &login); err != nil {
		return "", fmt.Errorf("unmarshal AgentLogin failed")
	}

	reply := &RPCWrapper{
		Message: rpc.Message{
			Command:   rpc.SessionCmdLoginReply,
			TimeStamp: z.now().Unix(),
		},
		Payload: rpc.LoginReply{},
	}
	if err := login.Public.Verify(); err != nil {
		reply.Payload = rpc.LoginReply{Error: "invalid identity bundle"}
		z.writeMessage(kx, reply)
		return "", fmt.Errorf("login bundle does not verify")
	}
	if !login.Public.VerifyMessage(challenge, &login.Signature) {
		reply.Payload = rpc.LoginReply{Error: "invalid challenge signature"}
		z.writeMessage(kx, reply)
		return "", fmt.Errorf("login challenge signature does not verify")
	}
	if err := z.writeMessage(kx, reply); err != nil {
		return "", err
	}
	return login.Public.Identity.String(), nil
}

func (z *Server) preSession(ctx context.Context, conn net.Conn) {
	z.log.Debugf("incoming connection: %v", conn.RemoteAddr())

	// Max time before we expect an InitialCmdSession and will drop the
	// connection if we don't receive one.
	initSessDeadline := time.Now().Add(z.settings.InitSessTimeout)
	conn.SetReadDeadline(initSessDeadline)

	enc := json.NewEncoder(conn)
	dec := json.NewDecoder(conn)
	var mode string

	var err error

loop:
	for err == nil {
		err = dec.Decode(&mode)
		if err != nil {
			break loop
		}

		if time.Now().After(initSessDeadline) {
			err = fmt.Errorf("client did not start session before deadline: %v",
				conn.RemoteAddr())
			break loop
		}

		switch mode {
		case rpc.InitialCmdIdentify:
			z.log.Tracef("InitialCmdIdentify: %v", conn.RemoteAddr())
			err = enc.Encode(z.id.Public)
			if err != nil {
				err = fmt.Errorf("could not marshal public identity: %v",
					conn.RemoteAddr())
				break loop
			}

			z.log.Debugf("identifying self to: %v", conn.RemoteAddr())

		case rpc.InitialCmdSession:
			z.log.Tracef("InitialCmdSession: %v", conn.RemoteAddr())

			// go full session
			kx := new(transport.KX)
			kx.Conn = conn
			kx.MaxMessageSize = rpc.MaxMsgSize
			kx.OurPrivateKey = &z.id.PrivateKey
			err = kx.Respond()
			if err != nil {
				err = fmt.Errorf("kx.Respond: %v %v",
					conn.RemoteAddr(), err)
				break loop
			}

			challenge, werr := z.welcome(kx)
			if werr != nil {
				err = fmt.Errorf("welcome failed: %v %v",
					conn.RemoteAddr(), werr)
				break loop
			}

			agentID, lerr := z.login(kx, challenge)
			if lerr != nil {
				err = fmt.Errorf("login failed: %v %v",
					conn.RemoteAddr(), lerr)
				break loop
			}

			// Move to full session.
			go z.runAgentSession(ctx, conn, kx, agentID)
			return

		default:
			err = fmt.Errorf("invalid mode: %v: %v",
				conn.RemoteAddr(), mode)
			break loop
		}
	}

	// This is reached only if we error before moving on to a full session.
	conn.Close()
	z.log.Infof("Connection %v closed: %v", conn.RemoteAddr(), err)
}

func (z *Server) listen(ctx context.Context, l net.Listener) error {
	z.log.Infof("Listening on %v", l.Addr())
	for {
		conn, err := l.Accept()
		if err != nil {
			return err
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			tc.SetKeepAlive(true)
		}
		go z.preSession(ctx, conn)
	}
}

func (z *Server) Run(ctx context.Context) error {
	defer z.log.Infof("End of times")

	listeners := make([]net.Listener, 0, len(z.settings.Listen))
	addrs := make([]net.Addr, 0, len(z.settings.Listen))
	for _, addr := range z.settings.Listen {
		l, err := net.Listen("tcp", addr)
		if err != nil {
			for _, l := range listeners {
				l.Close()
			}
			return fmt.Errorf("could not listen on %s: %v", addr, err)
		}
		listeners = append(listeners, l)
		addrs = append(addrs, l.Addr())
	}
	z.Lock()
	z.listenAddrs = addrs
	z.Unlock()

	g, gctx := errgroup.WithContext(ctx)

	// Close listening interfaces once the context is done.
	g.Go(func() error {
		<-gctx.Done()
		for _, l := range listeners {
			l.Close()
		}
		return nil
	})

	// Listen for connections.
	for _, l := range listeners {
		l := l
		g.Go(func() error {
			err := z.listen(gctx, l)
			select {
			case <-ctx.Done():
				// Close() was requested, so ignore the error.
				return nil
			default:
				// Unexpected listen error.
				return err
			}
		})
	}

	// Wait until all subsystems are done.
	err := g.Wait()

	if closeErr := z.db.Close(); closeErr != nil {
		z.log.Errorf("Error while closing DB: %v", closeErr)
	} else {
		z.log.Debugf("Closed database")
	}

	return err
}

func NewServer(cfg *settings.Settings) (*Server, error) {
	logBknd, err := newLogBackend(cfg.LogFile, cfg.DebugLevel, cfg.LogStdOut)
	if err != nil {
		return nil, err
	}

	z := &Server{
		now:       time.Now,
		settings:  cfg,
		logBknd:   logBknd,
		log:       logBknd.logger("AWS"),
		logConn:   logBknd.logger("CONN"),
		pingLimit: cfg.PingLimit,
	}
	rpc.SetLog(logBknd.logger("RPCS"))

	// create paths
	err = os.MkdirAll(z.settings.Root, 0700)
	if err != nil {
		return nil, err
	}

	// print version
	z.log.Infof("%s version: %v, RPC Protocol: %v",
		filepath.Base(os.Args[0]), cfg.Versioner(), rpc.ProtocolVersion)

	// Init db.
	z.db, err = lvdb.New(cfg.DBDir)
	if err != nil {
		return nil, err
	}
	z.log.Infof("Initialized LevelDB backend in %s", cfg.DBDir)

	// identity
	idPath := filepath.Join(z.settings.Root, settings.IdentityFilename)
	id, err := os.ReadFile(idPath)
	if err != nil {
		z.log.Infof("Creating a new identity")
		fid, err := identity.New("awserver")
		if err != nil {
			return nil, err
		}
		id, err = json.Marshal(fid)
		if err != nil {
			return nil, err
		}
		err = os.WriteFile(idPath, id, 0600)
		if err != nil {
			return nil, err
		}
	}
	err = json.Unmarshal(id, &z.id)
	if err != nil {
		return nil, err
	}

	// ratchet state seal key
	sealKey, err := loadOrCreateSealKey(filepath.Join(z.settings.Root,
		settings.SealKeyFilename))
	if err != nil {
		return nil, err
	}

	z.mgr, err = NewManager(ManagerConfig{
		DB:             z.db,
		SealKey:        sealKey,
		Audit:          NewLogAuditSink(logBknd.logger("AUDT")),
		Log:            logBknd.logger("MNGR"),
		LockTimeout:    cfg.LockTimeout,
		MaxFutureDelta: cfg.MaxFutureDelta,
		SessionTTL:     cfg.SessionTTL,
	})
	if err != nil {
		return nil, err
	}

	z.log.Infof("Start of day")
	z.log.Infof("Our identity: %v", z.id.Public.Identity)

	// Profiler
	if z.settings.Profiler != "" {
		z.log.Infof("Profiler enabled on http://%v/debug/pprof",
			z.settings.Profiler)
		go http.ListenAndServe(z.settings.Profiler, nil)
	}

	return z, nil
}
