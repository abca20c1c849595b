package device

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"
)

// SocketBridge answers SocketConnector frames on behalf of a local secure element.
type SocketBridge struct {
	element Connector
	logger  *zap.Logger
}

// NewSocketBridge wraps element, which is usually an Emulator.
func NewSocketBridge(element Connector, logger *zap.Logger) *SocketBridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SocketBridge{element: element, logger: logger}
}

// Serve accepts connections until ctx is done or the listener fails.
func (bridge *SocketBridge) Serve(ctx context.Context, listener net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		_ = listener.Close()
	})
	defer stop()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go bridge.ServeConn(ctx, conn)
	}
}

// ServeConn processes frames from one connection until it closes.
func (bridge *SocketBridge) ServeConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	decoder := cbor.NewDecoder(conn)
	encoder := cbor.NewEncoder(conn)
	for {
		var request frame
		if err := decoder.Decode(&request); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				bridge.logger.Debug("device bridge read failed", zap.Error(err))
			}
			return
		}
		answer := bridge.handle(ctx, request)
		if err := encoder.Encode(answer); err != nil {
			bridge.logger.Debug("device bridge write failed", zap.Error(err))
			return
		}
	}
}

func (bridge *SocketBridge) handle(ctx context.Context, request frame) reply {
	switch request.Op {
	case frameOpConnect:
		return replyFor(nil, bridge.element.Connect(ctx))
	case frameOpDisconnect:
		return replyFor(nil, bridge.element.Disconnect(ctx))
	case frameOpAPDU:
		response, err := bridge.element.ExecuteAPDU(ctx, request.Data)
		return replyFor(response, err)
	case frameOpLastCommit:
		commitID, err := LastAppliedCommitID(ctx, bridge.element)
		answer := replyFor(nil, err)
		answer.CommitID = commitID
		return answer
	case frameOpRecordCommit:
		return replyFor(nil, RecordAppliedCommit(ctx, bridge.element, request.CommitID))
	default:
		return reply{Error: "unknown op " + request.Op}
	}
}

func replyFor(data []byte, err error) reply {
	switch {
	case err == nil:
		return reply{Data: data}
	case errors.Is(err, ErrUnsupported):
		return reply{Unsupported: true}
	case errors.Is(err, ErrDisconnected):
		return reply{Disconnected: true, Error: err.Error()}
	default:
		return reply{Error: err.Error()}
	}
}
