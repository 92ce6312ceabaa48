package livesync

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

const TransportBufferSize = 8

type TransportSettings struct {
	WsHandshakeTimeout time.Duration
	AuthTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	PingTimeout        time.Duration
}

func DefaultTransportSettings() *TransportSettings {
	return &TransportSettings{
		WsHandshakeTimeout: 5 * time.Second,
		AuthTimeout:        5 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        30 * time.Second,
		PingTimeout:        5 * time.Second,
	}
}

type ClientAuth struct {
	Token      string
	InstanceId Id
	AppVersion string
}

func (self *ClientAuth) UserId() (Id, error) {
	sessionToken, err := ParseSessionToken(self.Token, "")
	if err != nil {
		return Id{}, err
	}
	return sessionToken.UserId, nil
}

// a live authenticated connection to the platform.
// the connection manager is the only owner; nothing else touches the
// transport directly.
type Conn interface {
	// queues an envelope for write. an expired timeout returns `ErrTimeout`.
	Send(env *Envelope, timeout time.Duration) error
	// closed when the transport is torn down. envelopes stop after close.
	Receive() <-chan *Envelope
	Done() <-chan struct{}
	Close()
}

// (ctx, platformUrl, auth, settings)
type DialFunc func(ctx context.Context, platformUrl string, auth *ClientAuth, settings *TransportSettings) (Conn, error)

type wsConn struct {
	ctx    context.Context
	cancel context.CancelFunc

	ws       *websocket.Conn
	settings *TransportSettings

	send    chan *Envelope
	receive chan *Envelope
}

// opens the websocket, performs the auth handshake, and starts the
// send/receive pumps. the first frame is the auth envelope; the platform
// must answer `auth_ok` before any other traffic.
func DialPlatform(
	ctx context.Context,
	platformUrl string,
	auth *ClientAuth,
	settings *TransportSettings,
) (Conn, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, platformUrl, nil)
	if err != nil {
		return nil, err
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	authEnv, err := NewEnvelope(envAuth, "", "", &AuthPayload{
		Token:      auth.Token,
		InstanceId: auth.InstanceId,
		AppVersion: auth.AppVersion,
	})
	if err != nil {
		return nil, err
	}
	authBytes, err := EncodeEnvelope(authEnv)
	if err != nil {
		return nil, err
	}

	ws.SetWriteDeadline(time.Now().Add(settings.AuthTimeout))
	if err := ws.WriteMessage(websocket.BinaryMessage, authBytes); err != nil {
		return nil, err
	}
	ws.SetReadDeadline(time.Now().Add(settings.AuthTimeout))
	messageType, message, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	switch messageType {
	case websocket.BinaryMessage, websocket.TextMessage:
		ackEnv, err := DecodeEnvelope(message)
		if err != nil {
			return nil, err
		}
		if ackEnv.Type != envAuthOk {
			return nil, fmt.Errorf("auth response error: %s", ackEnv.Type)
		}
	default:
		return nil, fmt.Errorf("auth response error")
	}

	success = true

	cancelCtx, cancel := context.WithCancel(ctx)
	conn := &wsConn{
		ctx:      cancelCtx,
		cancel:   cancel,
		ws:       ws,
		settings: settings,
		send:     make(chan *Envelope, TransportBufferSize),
		receive:  make(chan *Envelope, TransportBufferSize),
	}
	go conn.writePump()
	go conn.readPump()
	return conn, nil
}

func (self *wsConn) writePump() {
	defer func() {
		self.cancel()
		self.ws.Close()
	}()

	for {
		select {
		case <-self.ctx.Done():
			return
		case env, ok := <-self.send:
			if !ok {
				return
			}
			envBytes, err := EncodeEnvelope(env)
			if err != nil {
				glog.Infof("[t]-> encode error = %s\n", err)
				continue
			}
			self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.BinaryMessage, envBytes); err != nil {
				// a websocket deadline timeout cannot be recovered
				glog.Infof("[t]-> error = %s\n", err)
				return
			}
			glog.V(2).Infof("[t]->%s\n", env.Type)
		case <-time.After(self.settings.PingTimeout):
			self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
				return
			}
		}
	}
}

func (self *wsConn) readPump() {
	defer func() {
		self.cancel()
		close(self.receive)
	}()

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			glog.Infof("[t]<- error = %s\n", err)
			return
		}

		switch messageType {
		case websocket.BinaryMessage, websocket.TextMessage:
			if 0 == len(message) {
				// ping
				glog.V(2).Infof("[t]ping<-\n")
				continue
			}
			env, err := DecodeEnvelope(message)
			if err != nil {
				glog.V(1).Infof("[t]<- decode error = %s\n", err)
				continue
			}
			select {
			case <-self.ctx.Done():
				return
			case self.receive <- env:
				glog.V(2).Infof("[t]<-%s\n", env.Type)
			case <-time.After(self.settings.ReadTimeout):
				glog.Infof("[t]drop<-%s\n", env.Type)
			}
		default:
			glog.V(2).Infof("[t]other=%d<-\n", messageType)
		}
	}
}

func (self *wsConn) Send(env *Envelope, timeout time.Duration) error {
	if timeout < 0 {
		select {
		case <-self.ctx.Done():
			return context.Canceled
		case self.send <- env:
			return nil
		}
	}
	select {
	case <-self.ctx.Done():
		return context.Canceled
	case self.send <- env:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("send %s: %w", env.Type, ErrTimeout)
	}
}

func (self *wsConn) Receive() <-chan *Envelope {
	return self.receive
}

func (self *wsConn) Done() <-chan struct{} {
	return self.ctx.Done()
}

func (self *wsConn) Close() {
	self.cancel()
	self.ws.Close()
}
