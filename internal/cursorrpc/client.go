package cursorrpc

import (
	"context"
	"errors"
	"net"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"pkt.systems/cursorwin/core"
	"pkt.systems/cursorwin/schema"
	"pkt.systems/pslog"
)

// Client opens remote cursor sessions on a cursor server.
type Client struct {
	conn *grpc.ClientConn
}

// Dial creates a client for addr ("unix:///path" or "host:port").
func Dial(ctx context.Context, addr string) (*Client, error) {
	network, address := splitAddr(addr)
	if address == "" {
		return nil, errors.New("cursor rpc address is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts := []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	if network == "unix" {
		dialer := func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", addr)
		}
		opts = append(opts, grpc.WithContextDialer(dialer))
	}
	conn, err := grpc.NewClient("passthrough:///"+address, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying gRPC connection.
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Ping checks that the server answers.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.conn.Invoke(ctx, fullMethod(methodPing), &emptypb.Empty{}, new(emptypb.Empty)); err != nil {
		return wrapRemoteError(methodPing, err)
	}
	return nil
}

// Open starts a session on the named source.
func (c *Client) Open(ctx context.Context, source string) (*Cursor, error) {
	req := &structpb.Struct{Fields: map[string]*structpb.Value{
		"source": structpb.NewStringValue(source),
	}}
	out := new(wrapperspb.StringValue)
	if err := c.conn.Invoke(ctx, fullMethod(methodOpenSession), req, out); err != nil {
		logGRPCError(pslog.Ctx(ctx), "cursor rpc open failed", err)
		return nil, wrapRemoteError(methodOpenSession, err)
	}
	id := schema.SessionID(out.GetValue())
	log := pslog.Ctx(ctx).With("session", id, "source", source)
	log.Debug("cursor rpc session opened")
	return &Cursor{client: c, id: id, log: log, bof: true}, nil
}

// Source returns a cursor source whose cursors are sessions on source.
func (c *Client) Source(source string) core.CursorSource {
	return core.CursorSourceFunc(func(ctx context.Context) (core.SessionCursor, error) {
		cursor, err := c.Open(ctx, source)
		if err != nil {
			return nil, err
		}
		return cursor, nil
	})
}

// Cursor is a remote cursor session. It implements core.SessionCursor and
// core.Transactor. BOF and EOF reflect the last positioning call.
type Cursor struct {
	client *Client
	id     schema.SessionID
	log    pslog.Logger
	bof    bool
	eof    bool
	closed bool
}

// SessionID returns the server-assigned session id.
func (c *Cursor) SessionID() schema.SessionID { return c.id }

func (c *Cursor) invoke(ctx context.Context, method string, in, out proto.Message) error {
	ctx = metadata.AppendToOutgoingContext(ctx, sessionHeader, string(c.id))
	if err := c.client.conn.Invoke(ctx, fullMethod(method), in, out); err != nil {
		logGRPCError(c.log, "cursor rpc call failed", err)
		return wrapRemoteError(method, err)
	}
	return nil
}

func (c *Cursor) position(ctx context.Context, method string, in proto.Message) (bool, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, method, in, out); err != nil {
		return false, err
	}
	reply := decodePosition(out)
	c.bof, c.eof = reply.BOF, reply.EOF
	return reply.OK, nil
}

// Next steps to the following row.
func (c *Cursor) Next(ctx context.Context) (bool, error) {
	return c.position(ctx, methodMove, wrapperspb.String("next"))
}

// Prior steps to the preceding row.
func (c *Cursor) Prior(ctx context.Context) (bool, error) {
	return c.position(ctx, methodMove, wrapperspb.String("prior"))
}

// First moves onto the first row.
func (c *Cursor) First(ctx context.Context) (bool, error) {
	return c.position(ctx, methodMove, wrapperspb.String("first"))
}

// Last moves onto the last row.
func (c *Cursor) Last(ctx context.Context) (bool, error) {
	return c.position(ctx, methodMove, wrapperspb.String("last"))
}

// IsBOF reports whether the last positioning call left the cursor on BOF.
func (c *Cursor) IsBOF() bool { return c.bof }

// IsEOF reports whether the last positioning call left the cursor on EOF.
func (c *Cursor) IsEOF() bool { return c.eof }

// Select returns the current row.
func (c *Cursor) Select(ctx context.Context) (schema.Row, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, methodSelect, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return fromStruct(out), nil
}

// Bookmark issues a token for the current row.
func (c *Cursor) Bookmark(ctx context.Context) (schema.Bookmark, error) {
	out := new(wrapperspb.StringValue)
	if err := c.invoke(ctx, methodBookmark, &emptypb.Empty{}, out); err != nil {
		return "", err
	}
	return schema.Bookmark(out.GetValue()), nil
}

// GotoBookmark moves onto the bookmarked row.
func (c *Cursor) GotoBookmark(ctx context.Context, bm schema.Bookmark, forward bool) (bool, error) {
	req := &structpb.Struct{Fields: map[string]*structpb.Value{
		"bookmark": structpb.NewStringValue(string(bm)),
		"forward":  structpb.NewBoolValue(forward),
	}}
	return c.position(ctx, methodGotoBookmark, req)
}

// DisposeBookmarks releases tokens in one call.
func (c *Cursor) DisposeBookmarks(ctx context.Context, bms []schema.Bookmark) error {
	if len(bms) == 0 {
		return nil
	}
	req := &structpb.ListValue{Values: make([]*structpb.Value, len(bms))}
	for i, bm := range bms {
		req.Values[i] = structpb.NewStringValue(string(bm))
	}
	return c.invoke(ctx, methodDisposeBookmarks, req, new(emptypb.Empty))
}

// FindKey moves onto the row matching key.
func (c *Cursor) FindKey(ctx context.Context, key schema.Row) (bool, error) {
	req, err := toStruct(key)
	if err != nil {
		return false, err
	}
	return c.position(ctx, methodFindKey, req)
}

// FindNearest moves onto the first row at or after key.
func (c *Cursor) FindNearest(ctx context.Context, key schema.Row) error {
	req, err := toStruct(key)
	if err != nil {
		return err
	}
	_, err = c.position(ctx, methodFindNearest, req)
	return err
}

// Refresh re-reads the current row.
func (c *Cursor) Refresh(ctx context.Context, row schema.Row) (schema.Row, bool, error) {
	encoded, err := toStruct(row)
	if err != nil {
		return nil, false, err
	}
	req := &structpb.Struct{Fields: map[string]*structpb.Value{
		"row": structpb.NewStructValue(encoded),
	}}
	out := new(structpb.Struct)
	if err := c.invoke(ctx, methodRefresh, req, out); err != nil {
		return nil, false, err
	}
	if !boolField(out, "found") {
		return nil, false, nil
	}
	return fromStruct(structField(out, "row")), true, nil
}

// Insert adds row and moves onto it.
func (c *Cursor) Insert(ctx context.Context, row schema.Row) error {
	req, err := toStruct(row)
	if err != nil {
		return err
	}
	_, err = c.position(ctx, methodInsert, req)
	return err
}

// Update replaces the current row's values.
func (c *Cursor) Update(ctx context.Context, row schema.Row) error {
	req, err := toStruct(row)
	if err != nil {
		return err
	}
	return c.invoke(ctx, methodUpdate, req, new(emptypb.Empty))
}

// Delete removes the current row and moves onto the following one.
func (c *Cursor) Delete(ctx context.Context) error {
	_, err := c.position(ctx, methodDelete, &emptypb.Empty{})
	return err
}

// StartTransaction begins a server-side transaction.
func (c *Cursor) StartTransaction(ctx context.Context) error {
	return c.invoke(ctx, methodTransaction, wrapperspb.String("start"), new(emptypb.Empty))
}

// Commit commits the server-side transaction.
func (c *Cursor) Commit(ctx context.Context) error {
	return c.invoke(ctx, methodTransaction, wrapperspb.String("commit"), new(emptypb.Empty))
}

// Rollback aborts the server-side transaction.
func (c *Cursor) Rollback(ctx context.Context) error {
	return c.invoke(ctx, methodTransaction, wrapperspb.String("rollback"), new(emptypb.Empty))
}

// Close ends the session; the server disposes every bookmark it still holds.
func (c *Cursor) Close(ctx context.Context) error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.invoke(ctx, methodCloseSession, &emptypb.Empty{}, new(emptypb.Empty))
}

func logGRPCError(log pslog.Logger, msg string, err error) {
	if log == nil || err == nil {
		return
	}
	if st, ok := status.FromError(err); ok {
		log.Warn(msg, "err", err, "code", st.Code().String(), "message", st.Message())
		return
	}
	log.Warn(msg, "err", err)
}

func wrapRemoteError(op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *core.RemoteError
	if errors.As(err, &existing) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return core.NewRemoteError(core.RemoteErrorCanceled, op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return core.NewRemoteError(core.RemoteErrorTimeout, op, err)
	}
	st, ok := status.FromError(err)
	if !ok {
		return core.NewRemoteError(core.RemoteErrorUnknown, op, err)
	}
	kind := core.RemoteErrorUnknown
	switch st.Code() {
	case codes.NotFound:
		kind = core.RemoteErrorSessionNotFound
		if strings.HasPrefix(st.Message(), schema.ErrSourceNotFound.Error()) {
			kind = core.RemoteErrorSourceNotFound
		}
	case codes.InvalidArgument:
		kind = core.RemoteErrorInvalidArgument
	case codes.Unavailable:
		kind = core.RemoteErrorUnavailable
	case codes.DeadlineExceeded:
		kind = core.RemoteErrorTimeout
	case codes.Canceled:
		kind = core.RemoteErrorCanceled
	case codes.Unknown:
		remote := core.NewRemoteError(core.RemoteErrorCursor, op, err)
		remote.Message = st.Message()
		return remote
	}
	return core.NewRemoteError(kind, op, err)
}
