// Copyright (c) 2023-2026 The agentwire developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/decred/slog"
	"golang.org/x/sync/errgroup"

	"github.com/agentwire/agentwire/rpc"
	"github.com/agentwire/agentwire/transport"
)

// agentSession is one logged-in agent connection. All tagged commands on it
// run with agentID as the principal; the agent cannot name another principal.
type agentSession struct {
	agentID string
	writer  chan *RPCWrapper
	kx      *transport.KX
	conn    net.Conn
	log     slog.Logger
}

func (z *Server) sessionWriter(ctx context.Context, sc *agentSession) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg, ok := <-sc.writer:
			if !ok {
				return fmt.Errorf("sessionWriter chan closed")
			}

			sc.log.Tracef("sessionWriter write %v %v",
				msg.Message.Command, msg.Message.Tag)

			err := z.writeMessage(sc.kx, msg)
			if err != nil {
				sc.log.Errorf("sessionWriter write failed: %v", err)
				return err
			}

			if msg.CloseAfterWritingErr != nil {
				return fmt.Errorf("sessionWriter closed after writing: %v",
					msg.CloseAfterWritingErr)
			}
		}
	}
}

// sessionReader deals with incoming RPC calls. All errors are treated as
// critical and shut down the connection.
func (z *Server) sessionReader(ctx context.Context, sc *agentSession) error {
	// Helper to read the next message from the session kx.
	nextMsgChan := make(chan interface{})
	readNextMsg := func() {
		cmd, err := sc.kx.Read()
		var v interface{}
		if err != nil {
			v = err
		} else {
			v = cmd
		}
		select {
		case nextMsgChan <- v:
		case <-ctx.Done():
		}
	}

	for {
		var message rpc.Message

		// Agents ping within pingLimit or the connection is dropped.
		sc.conn.SetReadDeadline(time.Now().Add(z.pingLimit))

		// Read next message asynchronously (since .Read() blocks).
		go readNextMsg()

		var cmd []byte
		select {
		case v := <-nextMsgChan:
			switch v := v.(type) {
			case error:
				return v
			case []byte:
				cmd = v
			default:
				panic("should not happen")
			}

		case <-ctx.Done():
			return ctx.Err()
		}

		// unmarshal header
		br := bytes.NewReader(cmd)
		dec := json.NewDecoder(br)
		if err := dec.Decode(&message); err != nil {
			return fmt.Errorf("unmarshal header failed")
		}

		if message.Tag > tagDepth {
			return fmt.Errorf("invalid tag received %v", message.Tag)
		}

		sc.log.Tracef("handleSession: %v %v", message.Command, message.Tag)

		reply, err := z.handleCommand(ctx, sc, message, dec)
		if err != nil {
			return err
		}
		if reply == nil {
			continue
		}
		reply.Message.Tag = message.Tag
		reply.Message.TimeStamp = z.now().Unix()

		select {
		case sc.writer <- reply:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// errString flattens an operation error into the wire Error field. Protocol
// errors carry their taxonomy code in plain text.
func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// handleCommand decodes one tagged command, runs the operation as the
// session's agent and builds the reply. A nil reply with nil error means the
// command needs no answer.
func (z *Server) handleCommand(ctx context.Context, sc *agentSession,
	message rpc.Message, dec *json.Decoder) (*RPCWrapper, error) {

	reply := &RPCWrapper{}
	agent := sc.agentID

	switch message.Command {
	case rpc.TaggedCmdPing:
		var p rpc.Ping
		if err := dec.Decode(&p); err != nil {
			return nil, fmt.Errorf("unmarshal Ping failed")
		}
		reply.Message.Command = rpc.TaggedCmdPong
		reply.Payload = rpc.Pong{}

	case rpc.TaggedCmdAcknowledge:
		// Nothing is tracked per tag on the server side; an ack simply
		// completes the exchange.
		return nil, nil

	case rpc.TaggedCmdSessionOpen:
		var p rpc.SessionOpen
		if err := dec.Decode(&p); err != nil {
			return nil, fmt.Errorf("unmarshal SessionOpen failed")
		}
		info, err := z.mgr.OpenSession(ctx, agent, p.ResponderID, p.KeyOffer,
			nil, time.Duration(p.TTLSeconds)*time.Second)
		reply.Message.Command = rpc.TaggedCmdSessionOpenReply
		reply.Payload = rpc.SessionOpenReply{Session: info, Error: errString(err)}

	case rpc.TaggedCmdSessionAccept:
		var p rpc.SessionAccept
		if err := dec.Decode(&p); err != nil {
			return nil, fmt.Errorf("unmarshal SessionAccept failed")
		}
		info, offer, err := z.mgr.AcceptSession(ctx, agent, p.SessionID, nil)
		reply.Message.Command = rpc.TaggedCmdSessionAcceptReply
		reply.Payload = rpc.SessionAcceptReply{
			Session:  info,
			KeyOffer: offer,
			Error:    errString(err),
		}

	case rpc.TaggedCmdSessionRotate:
		var p rpc.SessionRotate
		if err := dec.Decode(&p); err != nil {
			return nil, fmt.Errorf("unmarshal SessionRotate failed")
		}
		info, err := z.mgr.RotateSession(ctx, agent, p.SessionID, nil)
		reply.Message.Command = rpc.TaggedCmdSessionRotateReply
		reply.Payload = rpc.SessionRotateReply{Session: info, Error: errString(err)}

	case rpc.TaggedCmdSessionClose:
		var p rpc.SessionClose
		if err := dec.Decode(&p); err != nil {
			return nil, fmt.Errorf("unmarshal SessionClose failed")
		}
		info, err := z.mgr.CloseSession(ctx, agent, p.SessionID)
		reply.Message.Command = rpc.TaggedCmdSessionCloseReply
		reply.Payload = rpc.SessionCloseReply{Session: info, Error: errString(err)}

	case rpc.TaggedCmdSessionGet:
		var p rpc.SessionGet
		if err := dec.Decode(&p); err != nil {
			return nil, fmt.Errorf("unmarshal SessionGet failed")
		}
		info, events, err := z.mgr.GetSession(ctx, agent, p.SessionID)
		reply.Message.Command = rpc.TaggedCmdSessionGetReply
		reply.Payload = rpc.SessionGetReply{
			Session: info,
			Events:  events,
			Error:   errString(err),
		}

	case rpc.TaggedCmdFrameSend:
		var p rpc.FrameSend
		if err := dec.Decode(&p); err != nil {
			return nil, fmt.Errorf("unmarshal FrameSend failed")
		}
		err := z.mgr.SendFrame(ctx, agent, &p, nil)
		reply.Message.Command = rpc.TaggedCmdFrameSendReply
		reply.Payload = rpc.FrameSendReply{Error: errString(err)}

	case rpc.TaggedCmdFrameReceive:
		var p rpc.FrameReceive
		if err := dec.Decode(&p); err != nil {
			return nil, fmt.Errorf("unmarshal FrameReceive failed")
		}
		frames, cursor, more, err := z.mgr.ReceiveFrames(ctx, agent, p.SessionID,
			p.Cursor, p.Max)
		reply.Message.Command = rpc.TaggedCmdFrameReceiveReply
		reply.Payload = rpc.FrameReceiveReply{
			Frames:  frames,
			Cursor:  cursor,
			HasMore: more,
			Error:   errString(err),
		}

	case rpc.TaggedCmdGroupCreate:
		var p rpc.GroupCreate
		if err := dec.Decode(&p); err != nil {
			return nil, fmt.Errorf("unmarshal GroupCreate failed")
		}
		info, err := z.mgr.CreateGroup(ctx, agent,
			time.Duration(p.TTLSeconds)*time.Second)
		reply.Message.Command = rpc.TaggedCmdGroupCreateReply
		reply.Payload = rpc.GroupCreateReply{Group: info, Error: errString(err)}

	case rpc.TaggedCmdGroupMemberAdd:
		var p rpc.GroupMemberAdd
		if err := dec.Decode(&p); err != nil {
			return nil, fmt.Errorf("unmarshal GroupMemberAdd failed")
		}
		info, err := z.mgr.AddGroupMember(ctx, agent, p.GroupID, p.MemberID)
		reply.Message.Command = rpc.TaggedCmdGroupMemberAddReply
		reply.Payload = rpc.GroupMemberAddReply{Group: info, Error: errString(err)}

	case rpc.TaggedCmdGroupMemberRemove:
		var p rpc.GroupMemberRemove
		if err := dec.Decode(&p); err != nil {
			return nil, fmt.Errorf("unmarshal GroupMemberRemove failed")
		}
		info, err := z.mgr.RemoveGroupMember(ctx, agent, p.GroupID, p.MemberID)
		reply.Message.Command = rpc.TaggedCmdGroupMemberRemoveReply
		reply.Payload = rpc.GroupMemberRemoveReply{Group: info, Error: errString(err)}

	case rpc.TaggedCmdGroupClose:
		var p rpc.GroupClose
		if err := dec.Decode(&p); err != nil {
			return nil, fmt.Errorf("unmarshal GroupClose failed")
		}
		info, err := z.mgr.CloseGroup(ctx, agent, p.GroupID)
		reply.Message.Command = rpc.TaggedCmdGroupCloseReply
		reply.Payload = rpc.GroupCloseReply{Group: info, Error: errString(err)}

	case rpc.TaggedCmdGroupGet:
		var p rpc.GroupGet
		if err := dec.Decode(&p); err != nil {
			return nil, fmt.Errorf("unmarshal GroupGet failed")
		}
		info, events, err := z.mgr.GetGroup(ctx, agent, p.GroupID)
		reply.Message.Command = rpc.TaggedCmdGroupGetReply
		reply.Payload = rpc.GroupGetReply{
			Group:  info,
			Events: events,
			Error:  errString(err),
		}

	case rpc.TaggedCmdGroupFrameSend:
		var p rpc.GroupFrameSend
		if err := dec.Decode(&p); err != nil {
			return nil, fmt.Errorf("unmarshal GroupFrameSend failed")
		}
		err := z.mgr.SendGroupFrame(ctx, agent, &p)
		reply.Message.Command = rpc.TaggedCmdGroupFrameSendReply
		reply.Payload = rpc.GroupFrameSendReply{Error: errString(err)}

	case rpc.TaggedCmdGroupFrameReceive:
		var p rpc.GroupFrameReceive
		if err := dec.Decode(&p); err != nil {
			return nil, fmt.Errorf("unmarshal GroupFrameReceive failed")
		}
		frames, cursor, more, err := z.mgr.ReceiveGroupFrames(ctx, agent, p.GroupID,
			p.Cursor, p.Max)
		reply.Message.Command = rpc.TaggedCmdGroupFrameReceiveReply
		reply.Payload = rpc.GroupFrameReceiveReply{
			Frames:  frames,
			Cursor:  cursor,
			HasMore: more,
			Error:   errString(err),
		}

	default:
		return nil, fmt.Errorf("invalid message: %v", message)
	}

	return reply, nil
}

func (z *Server) runAgentSession(ctx context.Context, conn net.Conn,
	kx *transport.KX, agentID string) {

	sc := agentSession{
		agentID: agentID,
		writer:  make(chan *RPCWrapper, tagDepth),
		kx:      kx,
		conn:    conn,
		log:     z.logBknd.logger("SESS"),
	}

	z.logConn.Debugf("agent online: from %s id %s", conn.RemoteAddr(), agentID)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return z.sessionWriter(gctx, &sc) })
	g.Go(func() error { return z.sessionReader(gctx, &sc) })

	// Wait until something errors.
	err := g.Wait()

	// Ensure connection is closed.
	conn.Close()

	if !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
		z.logConn.Errorf("agent offline: %s: %v", agentID, err)
	} else {
		z.logConn.Debugf("agent offline: %s: %v", agentID, err)
	}
}
