package bridge

import (
	"context"
	"fmt"
	"net"
	"runtime/debug"
	"strconv"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/dynamicpb"
	"google.golang.org/protobuf/types/known/emptypb"

	logx "taskpanel/pkg/logx"
)

// Registrar is the live job table the server mutates.
type Registrar interface {
	AddOrReplace(id int64, schedule, command string) error
	Remove(id int64)
}

// cronService is the handler type checked by grpc.RegisterService.
type cronService interface {
	addCron(ctx context.Context, req *dynamicpb.Message) (*emptypb.Empty, error)
	deleteCron(ctx context.Context, req *dynamicpb.Message) (*emptypb.Empty, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*cronService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "AddCron", Handler: addCronHandler},
		{MethodName: "DeleteCron", Handler: deleteCronHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "taskpanel/cron.proto",
}

func addCronHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := dynamicpb.NewMessage(addCronDesc)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(cronService).addCron(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodAddCron}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(cronService).addCron(ctx, req.(*dynamicpb.Message))
	})
}

func deleteCronHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := dynamicpb.NewMessage(deleteCronDesc)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(cronService).deleteCron(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodDeleteCron}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(cronService).deleteCron(ctx, req.(*dynamicpb.Message))
	})
}

// Server exposes a Registrar over gRPC together with the standard health
// service.
type Server struct {
	reg    Registrar
	log    logx.Logger
	gs     *grpc.Server
	health *health.Server
}

func NewServer(reg Registrar, log logx.Logger, opts ...grpc.ServerOption) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{reg: reg, log: log, health: health.NewServer()}
	opts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(recoverInterceptor(log), logInterceptor(log))}, opts...)
	s.gs = grpc.NewServer(opts...)
	s.gs.RegisterService(&serviceDesc, s)
	healthpb.RegisterHealthServer(s.gs, s.health)
	s.SetServing(false)
	return s
}

// Serve blocks until the listener fails or the server stops.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info("bridge.listening", logx.String("addr", lis.Addr().String()))
	return s.gs.Serve(lis)
}

// SetServing flips the health status reported for the server and for the
// cron service.
func (s *Server) SetServing(ok bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(serviceName, st)
}

// Stop reports NOT_SERVING and drains in-flight calls until ctx ends,
// then closes every connection.
func (s *Server) Stop(ctx context.Context) {
	s.health.Shutdown()
	done := make(chan struct{})
	go func() {
		s.gs.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.gs.Stop()
		<-done
	}
}

func (s *Server) addCron(_ context.Context, req *dynamicpb.Message) (*emptypb.Empty, error) {
	for _, e := range decodeAddCron(req) {
		id, err := strconv.ParseInt(e.ID, 10, 64)
		if err != nil || id <= 0 {
			s.log.Warn("bridge.add_bad_id", logx.String("id", e.ID))
			continue
		}
		if err := s.reg.AddOrReplace(id, e.Schedule, e.Command); err != nil {
			s.log.Warn("bridge.add_failed",
				logx.TaskID(id),
				logx.String("schedule", e.Schedule),
				logx.Err(err),
			)
			continue
		}
		s.log.Debug("bridge.added", logx.TaskID(id), logx.String("schedule", e.Schedule))
	}
	return &emptypb.Empty{}, nil
}

func (s *Server) deleteCron(_ context.Context, req *dynamicpb.Message) (*emptypb.Empty, error) {
	for _, raw := range decodeDeleteCron(req) {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.log.Warn("bridge.delete_bad_id", logx.String("id", raw))
			continue
		}
		s.reg.Remove(id)
	}
	return &emptypb.Empty{}, nil
}

func logInterceptor(log logx.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		log.Debug("bridge.call",
			logx.String("method", info.FullMethod),
			logx.Duration("took", time.Since(start)),
			logx.Err(err),
		)
		return resp, err
	}
}

func recoverInterceptor(log logx.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("bridge.panic",
					logx.String("method", info.FullMethod),
					logx.Any("panic", r),
					logx.Stack(string(debug.Stack())),
				)
				err = status.Error(codes.Internal, fmt.Sprint("panic: ", r))
			}
		}()
		return handler(ctx, req)
	}
}
