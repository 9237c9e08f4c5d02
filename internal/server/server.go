// ============================================================================
// renderjob gRPC service
// ============================================================================
//
// Package: internal/server
// File: server.go
// Purpose: expose the job store over gRPC.
//
// The service is described by a hand-written grpc.ServiceDesc whose
// messages are protobuf well-known types, so no generated code is needed:
//
//   rpc GetDocument(StringValue job_id)   returns (BytesValue data.json)
//   rpc SubmitDocument(BytesValue)        returns (StringValue job_id)
//   rpc SetStatus(Struct{job_id, task_id?, status}) returns (BytesValue)
//   rpc AddTask(Struct{job_id, task_id?, descriptor}) returns (StringValue task_id)
//   rpc Atomize(Struct{job_id, frames, chunk_size?}) returns (ListValue of task ids)
//   rpc ListJobs(Empty)                   returns (ListValue of ids)
//
// Errors map onto gRPC codes, see Code.
//
// ============================================================================

package server

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/renderjob/internal/controller"
	"github.com/ChuLiYu/renderjob/internal/jobmanager"
	"github.com/ChuLiYu/renderjob/pkg/types"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "renderjob.v1.JobService"

// Store is the part of the controller the service needs.
type Store interface {
	Document(id string) ([]byte, error)
	SubmitDocument(doc []byte) (string, error)
	SetStatus(jobID string, status types.Status) error
	SetTaskStatus(jobID, taskID string, status types.Status) error
	AddTask(jobID, taskID, descriptor string) (string, error)
	Atomize(jobID string, frames types.FrameRange, chunkSize int) ([]string, error)
	JobIDs() []string
}

// Server implements renderjob.v1.JobService.
type Server struct {
	store Store
}

// NewServer creates a service backed by store.
func NewServer(store Store) *Server {
	return &Server{store: store}
}

// Register adds the service to gs.
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&ServiceDesc, s)
}

// GetDocument returns the job's data.json.
func (s *Server) GetDocument(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.BytesValue, error) {
	doc, err := s.store.Document(req.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.Bytes(doc), nil
}

// SubmitDocument registers the job described by a data.json document.
func (s *Server) SubmitDocument(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.StringValue, error) {
	id, err := s.store.SubmitDocument(req.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.String(id), nil
}

// SetStatus moves a job, or one of its tasks when task_id is set, and
// returns the updated document.
func (s *Server) SetStatus(ctx context.Context, req *structpb.Struct) (*wrapperspb.BytesValue, error) {
	fields := req.GetFields()
	jobID := stringField(fields, "job_id")
	taskID := stringField(fields, "task_id")
	if jobID == "" {
		return nil, status.Error(codes.InvalidArgument, "job_id is required")
	}

	st, err := types.ParseStatus(stringField(fields, "status"))
	if err != nil {
		return nil, toStatus(err)
	}

	if taskID == "" {
		err = s.store.SetStatus(jobID, st)
	} else {
		err = s.store.SetTaskStatus(jobID, taskID, st)
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return s.GetDocument(ctx, wrapperspb.String(jobID))
}

// AddTask appends an idle task and returns its id.
func (s *Server) AddTask(ctx context.Context, req *structpb.Struct) (*wrapperspb.StringValue, error) {
	fields := req.GetFields()
	jobID := stringField(fields, "job_id")
	if jobID == "" {
		return nil, status.Error(codes.InvalidArgument, "job_id is required")
	}
	id, err := s.store.AddTask(jobID, stringField(fields, "task_id"), stringField(fields, "descriptor"))
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.String(id), nil
}

// Atomize splits the "frames" range ("S-E:K") into chunk_size-frame tasks
// and returns their ids. chunk_size defaults to 1.
func (s *Server) Atomize(ctx context.Context, req *structpb.Struct) (*structpb.ListValue, error) {
	fields := req.GetFields()
	jobID := stringField(fields, "job_id")
	if jobID == "" {
		return nil, status.Error(codes.InvalidArgument, "job_id is required")
	}
	frames, err := types.ParseFrameRange(stringField(fields, "frames"))
	if err != nil {
		return nil, toStatus(err)
	}
	chunkSize := 1
	if v, ok := fields["chunk_size"]; ok {
		chunkSize = int(v.GetNumberValue())
	}

	ids, err := s.store.Atomize(jobID, frames, chunkSize)
	if err != nil {
		return nil, toStatus(err)
	}
	return stringList(ids), nil
}

// ListJobs returns the sorted job ids.
func (s *Server) ListJobs(ctx context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	return stringList(s.store.JobIDs()), nil
}

func stringList(ss []string) *structpb.ListValue {
	values := make([]*structpb.Value, len(ss))
	for i, v := range ss {
		values[i] = structpb.NewStringValue(v)
	}
	return &structpb.ListValue{Values: values}
}

// Code maps a store error to its gRPC code.
func Code(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, jobmanager.ErrJobNotFound), errors.Is(err, types.ErrTaskNotFound):
		return codes.NotFound
	case errors.Is(err, jobmanager.ErrDuplicateJob), errors.Is(err, types.ErrDuplicateTaskID):
		return codes.AlreadyExists
	case errors.Is(err, types.ErrInvalidTransition), errors.Is(err, types.ErrMergeConflict):
		return codes.FailedPrecondition
	case errors.Is(err, types.ErrMalformedDocument),
		errors.Is(err, types.ErrUnknownStatus),
		errors.Is(err, types.ErrUnencodable),
		errors.Is(err, types.ErrInvalidFrameRange),
		errors.Is(err, controller.ErrInvalidJobID):
		return codes.InvalidArgument
	case errors.Is(err, controller.ErrStopped):
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

func toStatus(err error) error {
	return status.Error(Code(err), err.Error())
}

func stringField(fields map[string]*structpb.Value, key string) string {
	if v, ok := fields[key]; ok {
		return v.GetStringValue()
	}
	return ""
}

// ============================================================================
// Service descriptor
// ============================================================================

type jobService interface {
	GetDocument(context.Context, *wrapperspb.StringValue) (*wrapperspb.BytesValue, error)
	SubmitDocument(context.Context, *wrapperspb.BytesValue) (*wrapperspb.StringValue, error)
	SetStatus(context.Context, *structpb.Struct) (*wrapperspb.BytesValue, error)
	AddTask(context.Context, *structpb.Struct) (*wrapperspb.StringValue, error)
	Atomize(context.Context, *structpb.Struct) (*structpb.ListValue, error)
	ListJobs(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
}

// ServiceDesc describes renderjob.v1.JobService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*jobService)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetDocument",
			Handler: unary("GetDocument", func() *wrapperspb.StringValue { return new(wrapperspb.StringValue) },
				func(srv jobService, ctx context.Context, in *wrapperspb.StringValue) (any, error) {
					return srv.GetDocument(ctx, in)
				}),
		},
		{
			MethodName: "SubmitDocument",
			Handler: unary("SubmitDocument", func() *wrapperspb.BytesValue { return new(wrapperspb.BytesValue) },
				func(srv jobService, ctx context.Context, in *wrapperspb.BytesValue) (any, error) {
					return srv.SubmitDocument(ctx, in)
				}),
		},
		{
			MethodName: "SetStatus",
			Handler: unary("SetStatus", func() *structpb.Struct { return new(structpb.Struct) },
				func(srv jobService, ctx context.Context, in *structpb.Struct) (any, error) {
					return srv.SetStatus(ctx, in)
				}),
		},
		{
			MethodName: "AddTask",
			Handler: unary("AddTask", func() *structpb.Struct { return new(structpb.Struct) },
				func(srv jobService, ctx context.Context, in *structpb.Struct) (any, error) {
					return srv.AddTask(ctx, in)
				}),
		},
		{
			MethodName: "Atomize",
			Handler: unary("Atomize", func() *structpb.Struct { return new(structpb.Struct) },
				func(srv jobService, ctx context.Context, in *structpb.Struct) (any, error) {
					return srv.Atomize(ctx, in)
				}),
		},
		{
			MethodName: "ListJobs",
			Handler: unary("ListJobs", func() *emptypb.Empty { return new(emptypb.Empty) },
				func(srv jobService, ctx context.Context, in *emptypb.Empty) (any, error) {
					return srv.ListJobs(ctx, in)
				}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "renderjob/v1/job_service.proto",
}

// unary builds the grpc.MethodHandler of one method, the same shape
// protoc-gen-go-grpc generates.
func unary[T any](method string, newReq func() T, call func(jobService, context.Context, T) (any, error)) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := newReq()
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(jobService), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(jobService), ctx, req.(T))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}
