package device

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"
)

const (
	frameOpConnect      = "connect"
	frameOpDisconnect   = "disconnect"
	frameOpAPDU         = "apdu"
	frameOpLastCommit   = "last_commit"
	frameOpRecordCommit = "record_commit"
)

var errMissingSocketAddress = errors.New("device: socket address is required")

// frame is one request sent to a socket-attached secure element.
type frame struct {
	Op       string `cbor:"op"`
	Data     []byte `cbor:"data,omitempty"`
	CommitID string `cbor:"commit_id,omitempty"`
}

// reply is the secure element's answer to a frame.
type reply struct {
	Data        []byte `cbor:"data,omitempty"`
	CommitID    string `cbor:"commit_id,omitempty"`
	Error        string `cbor:"error,omitempty"`
	Unsupported  bool   `cbor:"unsupported,omitempty"`
	Disconnected bool   `cbor:"disconnected,omitempty"`
}

// SocketConfig configures a connector that reaches the secure element over a stream socket.
type SocketConfig struct {
	DeviceID string
	Network  string
	Address  string
	Dial     func(ctx context.Context, network, address string) (net.Conn, error)
	Logger   *zap.Logger
}

// SocketConnector speaks CBOR-framed requests to a secure element bridge, one exchange at a time.
type SocketConnector struct {
	Broadcaster

	config  SocketConfig
	logger  *zap.Logger
	mu      sync.Mutex
	conn    net.Conn
	encoder *cbor.Encoder
	decoder *cbor.Decoder
}

// NewSocketConnector validates cfg and returns an unconnected SocketConnector.
func NewSocketConnector(cfg SocketConfig) (*SocketConnector, error) {
	if cfg.Address == "" {
		return nil, errMissingSocketAddress
	}
	if cfg.Network == "" {
		cfg.Network = "unix"
	}
	if cfg.Dial == nil {
		dialer := &net.Dialer{}
		cfg.Dial = dialer.DialContext
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SocketConnector{config: cfg, logger: logger}, nil
}

// Connect dials the bridge and performs the connect handshake.
func (connector *SocketConnector) Connect(ctx context.Context) error {
	conn, err := connector.config.Dial(ctx, connector.config.Network, connector.config.Address)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	connector.mu.Lock()
	connector.conn = conn
	connector.encoder = cbor.NewEncoder(conn)
	connector.decoder = cbor.NewDecoder(conn)
	connector.mu.Unlock()

	if _, err := connector.exchange(ctx, frame{Op: frameOpConnect}); err != nil {
		return err
	}
	connector.Publish(Event{Type: EventConnected, DeviceID: connector.config.DeviceID})
	return nil
}

// Disconnect tells the bridge to release the secure element and closes the socket.
func (connector *SocketConnector) Disconnect(ctx context.Context) error {
	connector.mu.Lock()
	connected := connector.conn != nil
	connector.mu.Unlock()
	if !connected {
		return nil
	}
	_, exchangeErr := connector.exchange(ctx, frame{Op: frameOpDisconnect})
	connector.drop(nil)
	if exchangeErr != nil && !errors.Is(exchangeErr, ErrDisconnected) {
		return exchangeErr
	}
	return nil
}

// ExecuteAPDU sends command and returns the raw response APDU.
func (connector *SocketConnector) ExecuteAPDU(ctx context.Context, command []byte) ([]byte, error) {
	answer, err := connector.exchange(ctx, frame{Op: frameOpAPDU, Data: command})
	if err != nil {
		return nil, err
	}
	connector.Publish(Event{Type: EventCommandExecuted, DeviceID: connector.config.DeviceID, Response: answer.Data})
	return answer.Data, nil
}

// LastAppliedCommitID asks the bridge for the secure element's own cursor.
func (connector *SocketConnector) LastAppliedCommitID(ctx context.Context) (string, error) {
	answer, err := connector.exchange(ctx, frame{Op: frameOpLastCommit})
	if err != nil {
		return "", err
	}
	return answer.CommitID, nil
}

// RecordAppliedCommit stores commitID on the secure element side.
func (connector *SocketConnector) RecordAppliedCommit(ctx context.Context, commitID string) error {
	_, err := connector.exchange(ctx, frame{Op: frameOpRecordCommit, CommitID: commitID})
	return err
}

func (connector *SocketConnector) exchange(ctx context.Context, request frame) (reply, error) {
	connector.mu.Lock()
	defer connector.mu.Unlock()

	conn := connector.conn
	if conn == nil {
		return reply{}, ErrDisconnected
	}

	deadline, _ := ctx.Deadline()
	if err := conn.SetDeadline(deadline); err != nil {
		return reply{}, connector.fail(conn, err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	if err := connector.encoder.Encode(request); err != nil {
		return reply{}, connector.classify(ctx, conn, err)
	}
	var answer reply
	if err := connector.decoder.Decode(&answer); err != nil {
		return reply{}, connector.classify(ctx, conn, err)
	}
	if answer.Unsupported {
		return reply{}, ErrUnsupported
	}
	if answer.Disconnected {
		return reply{}, ErrDisconnected
	}
	if answer.Error != "" {
		return reply{}, fmt.Errorf("%w: %s", ErrRejected, answer.Error)
	}
	return answer, nil
}

// classify maps an I/O failure to a context error when the caller gave up, otherwise to a
// dropped link. The stream is out of sync after either, so the socket is closed.
func (connector *SocketConnector) classify(ctx context.Context, conn net.Conn, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		connector.closeLocked(conn, ctxErr, false)
		return ctxErr
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		connector.closeLocked(conn, context.DeadlineExceeded, false)
		return context.DeadlineExceeded
	}
	return connector.fail(conn, err)
}

func (connector *SocketConnector) fail(conn net.Conn, err error) error {
	connector.closeLocked(conn, err, true)
	return fmt.Errorf("%w: %v", ErrDisconnected, err)
}

// closeLocked tears the socket down; a link lost to an I/O failure is announced as a
// disconnect, one abandoned by the caller is not.
func (connector *SocketConnector) closeLocked(conn net.Conn, cause error, announce bool) {
	if connector.conn != conn {
		return
	}
	_ = conn.Close()
	connector.conn = nil
	connector.encoder = nil
	connector.decoder = nil
	connector.logger.Debug("device socket closed", zap.String("device_id", connector.config.DeviceID), zap.Error(cause))
	if announce {
		connector.Publish(Event{Type: EventDisconnected, DeviceID: connector.config.DeviceID, Err: cause})
	}
}

func (connector *SocketConnector) drop(cause error) {
	connector.mu.Lock()
	defer connector.mu.Unlock()
	if connector.conn != nil {
		connector.closeLocked(connector.conn, cause, true)
	}
}
