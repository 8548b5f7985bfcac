package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/shrtyk/initial-sync/api"
	"github.com/shrtyk/initial-sync/pkg/logger"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	serviceName       = "initsync.CommandService"
	runCommandMethod  = "RunCommand"
	runCommandFullRPC = "/" + serviceName + "/" + runCommandMethod
)

// CommandHandler answers commands sent by syncing nodes.
type CommandHandler interface {
	HandleCommand(ctx context.Context, cmd api.Command) (api.Document, error)
}

// HandlerFunc adapts a function to CommandHandler.
type HandlerFunc func(ctx context.Context, cmd api.Command) (api.Document, error)

func (f HandlerFunc) HandleCommand(ctx context.Context, cmd api.Command) (api.Document, error) {
	return f(ctx, cmd)
}

type commandServiceServer interface {
	runCommand(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var commandServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*commandServiceServer)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: runCommandMethod,
		Handler:    runCommandHandler,
	}},
	Streams:  []grpc.StreamDesc{},
	Metadata: "initsync/command.proto",
}

func runCommandHandler(
	srv any,
	ctx context.Context,
	dec func(any) error,
	interceptor grpc.UnaryServerInterceptor,
) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(commandServiceServer).runCommand(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: runCommandFullRPC}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(commandServiceServer).runCommand(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterCommandService exposes h on s.
func RegisterCommandService(s *grpc.Server, h CommandHandler) {
	s.RegisterService(&commandServiceDesc, &commandServer{h: h})
}

type commandServer struct {
	h CommandHandler
}

func (cs *commandServer) runCommand(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	cmd, err := decodeRequest(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	reply, err := cs.h.HandleCommand(ctx, cmd)
	if err != nil {
		return nil, toStatus(err)
	}
	out, err := encodeDocument(reply)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func encodeRequest(cmd api.Command) (*structpb.Struct, error) {
	args, err := encodeDocument(cmd.Args)
	if err != nil {
		return nil, err
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"db":      structpb.NewStringValue(cmd.DB),
		"command": structpb.NewStringValue(cmd.Name),
		"args":    structpb.NewStructValue(args),
	}}, nil
}

func decodeRequest(req *structpb.Struct) (api.Command, error) {
	fields := req.GetFields()
	name := fields["command"].GetStringValue()
	if name == "" {
		return api.Command{}, fmt.Errorf("%w: request has no command name", api.ErrBadValue)
	}
	args, err := decodeDocument(fields["args"].GetStructValue())
	if err != nil {
		return api.Command{}, err
	}
	return api.Command{DB: fields["db"].GetStringValue(), Name: name, Args: args}, nil
}

// toStatus maps handler errors onto gRPC codes so the runner can restore them.
func toStatus(err error) error {
	switch {
	case errors.Is(err, api.ErrBadValue):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, api.ErrHostUnreachable):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, api.ErrNetworkTimeout), errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// Server serves the command service for sync sources.
type Server struct {
	addr   string
	logger *slog.Logger
	server *grpc.Server
	done   chan struct{}
}

func NewServer(addr string, h CommandHandler, log *slog.Logger) *Server {
	s := grpc.NewServer()
	RegisterCommandService(s, h)
	return &Server{
		addr:   addr,
		logger: log,
		server: s,
	}
}

// Start listens and serves in the background. It returns the bound address.
// Start and Stop must not be called concurrently.
func (s *Server) Start() (string, error) {
	l, err := net.Listen("tcp", s.addr)
	if err != nil {
		return "", fmt.Errorf("failed to listen: %w", err)
	}

	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		if err := s.server.Serve(l); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Error("gRPC server failed", logger.ErrAttr(err))
		}
	}()
	return l.Addr().String(), nil
}

// Stop gracefully stops the gRPC server.
func (s *Server) Stop() {
	s.server.GracefulStop()
	if s.done != nil {
		<-s.done
	}
}
