// Package cursorrpc exposes cursor sources over gRPC so a window manager can
// drive a cursor living in another process. Messages are protobuf well-known
// types; the service descriptor is declared here rather than generated.
package cursorrpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	serviceName   = "cursorwin.v1.Cursor"
	sessionHeader = "cursorwin-session"
)

const (
	methodOpenSession      = "OpenSession"
	methodCloseSession     = "CloseSession"
	methodPing             = "Ping"
	methodMove             = "Move"
	methodSelect           = "Select"
	methodBookmark         = "Bookmark"
	methodGotoBookmark     = "GotoBookmark"
	methodDisposeBookmarks = "DisposeBookmarks"
	methodFindKey          = "FindKey"
	methodFindNearest      = "FindNearest"
	methodRefresh          = "Refresh"
	methodInsert           = "Insert"
	methodUpdate           = "Update"
	methodDelete           = "Delete"
	methodTransaction      = "Transaction"
)

func fullMethod(name string) string {
	return "/" + serviceName + "/" + name
}

// cursorService is the handler type registered with grpc.
type cursorService interface {
	SessionCount() int
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*cursorService)(nil),
	Methods: []grpc.MethodDesc{
		unary(methodOpenSession, newStruct, (*Server).openSession),
		unary(methodCloseSession, newEmpty, (*Server).closeSession),
		unary(methodPing, newEmpty, (*Server).ping),
		unary(methodMove, newString, (*Server).move),
		unary(methodSelect, newEmpty, (*Server).selectRow),
		unary(methodBookmark, newEmpty, (*Server).bookmark),
		unary(methodGotoBookmark, newStruct, (*Server).gotoBookmark),
		unary(methodDisposeBookmarks, newList, (*Server).disposeBookmarks),
		unary(methodFindKey, newStruct, (*Server).findKey),
		unary(methodFindNearest, newStruct, (*Server).findNearest),
		unary(methodRefresh, newStruct, (*Server).refresh),
		unary(methodInsert, newStruct, (*Server).insert),
		unary(methodUpdate, newStruct, (*Server).update),
		unary(methodDelete, newEmpty, (*Server).deleteRow),
		unary(methodTransaction, newString, (*Server).transaction),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "cursorwin/v1/cursor.proto",
}

func newStruct() *structpb.Struct { return new(structpb.Struct) }
func newEmpty() *emptypb.Empty { return new(emptypb.Empty) }
func newString() *wrapperspb.StringValue { return new(wrapperspb.StringValue) }
func newList() *structpb.ListValue { return new(structpb.ListValue) }

// unary builds a method descriptor that decodes Req and dispatches to call,
// honouring any server interceptor.
func unary[Req, Resp proto.Message](name string, newReq func() Req, call func(*Server, context.Context, Req) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := newReq()
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(*Server)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}
