package grpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"cuip/internal/metrics"
	"cuip/internal/pipeline"
	"cuip/internal/registration"
	"cuip/internal/storage"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "cuip.registration.v1.Registration"

// Method paths for clients using grpc.ClientConn.Invoke.
const (
	MethodRegister       = "/" + ServiceName + "/Register"
	MethodRegisterPoints = "/" + ServiceName + "/RegisterPoints"
	MethodStatus         = "/" + ServiceName + "/Status"
)

// RegistrationServer is the service implemented by Server.
type RegistrationServer interface {
	Register(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RegisterPoints(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Status(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type pipelineClient interface {
	Submit(job pipeline.Job) error
	Wait(ctx context.Context, job pipeline.Job) (pipeline.Result, error)
}

type pointRegistrar interface {
	RegisterPoints(sources registration.PointSet, center registration.Point) (registration.Result, error)
}

// Server exposes frame registration to remote agents.
type Server struct {
	pipe  pipelineClient
	reg   pointRegistrar
	store *storage.Store
	log   *slog.Logger
}

// New returns a Server. store may be nil, in which case Status is unavailable.
func New(pipe pipelineClient, reg pointRegistrar, store *storage.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{pipe: pipe, reg: reg, store: store, log: logger}
}

// Register queues a frame that is readable by the server. With "wait" set,
// the call blocks until the registration finishes.
func (s *Server) Register(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.AsMap()
	frame, _ := fields["frame_path"].(string)
	if frame == "" {
		return nil, status.Error(codes.InvalidArgument, "frame_path is required")
	}
	opts := map[string]any{"source": "grpc"}
	if ref, ok := fields["reference"].(string); ok && ref != "" {
		opts["reference"] = ref
	}
	output, _ := fields["output_dir"].(string)
	job := pipeline.NewJob(pipeline.JobRegister, frame, output, opts)

	wait, _ := fields["wait"].(bool)
	if !wait {
		if err := s.pipe.Submit(job); err != nil {
			return nil, toStatus(err)
		}
		s.log.Info("registration queued", "job", job.ID, "frame", frame)
		return encode(map[string]any{"job_id": job.ID, "status": "queued"})
	}

	res, err := s.pipe.Wait(ctx, job)
	if err != nil {
		return nil, toStatus(err)
	}
	if res.Error != nil {
		return nil, toStatus(res.Error)
	}
	out := map[string]any{"job_id": job.ID, "status": "completed"}
	for k, v := range res.Meta {
		out[k] = v
	}
	return encode(out)
}

// RegisterPoints solves a registration from sources detected by the caller.
// The request carries "sources" as [[row, col], ...] and the rotation center
// as "center_row" and "center_col".
func (s *Server) RegisterPoints(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.AsMap()
	raw, _ := fields["sources"].([]any)
	sources := make(registration.PointSet, 0, len(raw))
	for i, item := range raw {
		pair, ok := item.([]any)
		if !ok || len(pair) != 2 {
			return nil, status.Errorf(codes.InvalidArgument, "source %d is not a [row, col] pair", i)
		}
		row, rok := pair[0].(float64)
		col, cok := pair[1].(float64)
		if !rok || !cok {
			return nil, status.Errorf(codes.InvalidArgument, "source %d is not numeric", i)
		}
		sources = append(sources, registration.Point{Row: row, Col: col})
	}
	cr, rok := fields["center_row"].(float64)
	cc, cok := fields["center_col"].(float64)
	if !rok || !cok {
		return nil, status.Error(codes.InvalidArgument, "center_row and center_col are required")
	}

	res, err := s.reg.RegisterPoints(sources, registration.Point{Row: cr, Col: cc})
	metrics.ObserveRegistration(res, err)
	if err != nil {
		return nil, toStatus(err)
	}
	if frame, _ := fields["frame_path"].(string); frame != "" && s.store != nil {
		t := res.Transform
		if _, err := s.store.RecordRegistration(storage.RegistrationRecord{
			FramePath:    frame,
			Status:       "completed",
			SourceCount:  len(sources),
			Tuple:        []int(res.Tuple),
			ThetaDegrees: t.ThetaDegrees,
			DRow:         t.DRow,
			DCol:         t.DCol,
			ScaleRow:     t.ScaleRow,
			ScaleCol:     t.ScaleCol,
			Residual:     res.Residual,
		}); err != nil {
			s.log.Warn("failed to persist remote registration", "frame", frame, "error", err)
		}
	}
	return encode(map[string]any{
		"tuple":     res.Tuple,
		"theta_deg": res.Transform.ThetaDegrees,
		"d_row":     res.Transform.DRow,
		"d_col":     res.Transform.DCol,
		"scale_row": res.Transform.ScaleRow,
		"scale_col": res.Transform.ScaleCol,
		"residual":  res.Residual,
	})
}

// Status reports a job's state and its latest result metadata.
func (s *Server) Status(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.store == nil {
		return nil, status.Error(codes.Unavailable, "job store not configured")
	}
	id, _ := req.AsMap()["job_id"].(string)
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "job_id is required")
	}
	job, err := s.store.Job(id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, status.Errorf(codes.NotFound, "job %s not found", id)
	}
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	out := map[string]any{"job_id": job.ID, "type": job.JobType, "status": job.Status, "frame_path": job.InputPath}
	if job.Error != "" {
		out["error"] = job.Error
	}
	if meta, err := s.store.JobMeta(id); err == nil {
		out["meta"] = meta
	}
	return encode(out)
}

// Serve listens on addr until ctx ends.
func Serve(ctx context.Context, addr string, srv RegistrationServer, logger *slog.Logger) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	gs := grpc.NewServer(
		grpc.MaxRecvMsgSize(16*1024*1024),
		grpc.MaxSendMsgSize(16*1024*1024),
	)
	RegisterRegistrationServer(gs, srv)

	go func() {
		<-ctx.Done()
		gs.GracefulStop()
	}()

	logger.Info("gRPC server starting", "addr", addr)
	if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// RegisterRegistrationServer attaches srv to gs.
func RegisterRegistrationServer(gs grpc.ServiceRegistrar, srv RegistrationServer) {
	gs.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RegistrationServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Register", Handler: unaryHandler(MethodRegister, RegistrationServer.Register)},
		{MethodName: "RegisterPoints", Handler: unaryHandler(MethodRegisterPoints, RegistrationServer.RegisterPoints)},
		{MethodName: "Status", Handler: unaryHandler(MethodStatus, RegistrationServer.Status)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "cuip/registration.proto",
}

type unaryMethod func(RegistrationServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call unaryMethod) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(RegistrationServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(RegistrationServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// encode converts v to a Struct through its JSON form so slices and structs
// of any concrete type are accepted.
func encode(v map[string]any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	out := &structpb.Struct{}
	if err := out.UnmarshalJSON(data); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func toStatus(err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, registration.ErrNoCandidateFound):
		code = codes.NotFound
	case errors.Is(err, registration.ErrCandidateSetTooLarge):
		code = codes.ResourceExhausted
	case errors.Is(err, registration.ErrSingularSystem):
		code = codes.FailedPrecondition
	case errors.Is(err, registration.ErrInvalidImageShape), errors.Is(err, registration.ErrInvalidCatalog),
		errors.Is(err, registration.ErrInvalidOptions):
		code = codes.InvalidArgument
	case errors.Is(err, pipeline.ErrQueueFull):
		code = codes.Unavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	}
	return status.Error(code, err.Error())
}
