package server

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/renderjob/pkg/types"
)

// Client calls a remote renderjob.v1.JobService.
type Client struct {
	cc   grpc.ClientConnInterface
	conn *grpc.ClientConn // set when the client owns the connection
}

// NewClient wraps an existing connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Dial connects to addr without transport security.
func Dial(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	return &Client{cc: conn, conn: conn}, nil
}

// Close releases a connection opened by Dial.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) GetDocument(ctx context.Context, jobID string) ([]byte, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, fullMethod("GetDocument"), wrapperspb.String(jobID), out); err != nil {
		return nil, err
	}
	return out.GetValue(), nil
}

func (c *Client) SubmitDocument(ctx context.Context, doc []byte) (string, error) {
	out := new(wrapperspb.StringValue)
	if err := c.cc.Invoke(ctx, fullMethod("SubmitDocument"), wrapperspb.Bytes(doc), out); err != nil {
		return "", err
	}
	return out.GetValue(), nil
}

// SetStatus moves the job, or its task when taskID is not empty, and
// returns the updated document.
func (c *Client) SetStatus(ctx context.Context, jobID, taskID string, status types.Status) ([]byte, error) {
	in := &structpb.Struct{Fields: map[string]*structpb.Value{
		"job_id": structpb.NewStringValue(jobID),
		"status": structpb.NewStringValue(string(status)),
	}}
	if taskID != "" {
		in.Fields["task_id"] = structpb.NewStringValue(taskID)
	}
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, fullMethod("SetStatus"), in, out); err != nil {
		return nil, err
	}
	return out.GetValue(), nil
}

func (c *Client) AddTask(ctx context.Context, jobID, taskID, descriptor string) (string, error) {
	in := &structpb.Struct{Fields: map[string]*structpb.Value{
		"job_id":     structpb.NewStringValue(jobID),
		"task_id":    structpb.NewStringValue(taskID),
		"descriptor": structpb.NewStringValue(descriptor),
	}}
	out := new(wrapperspb.StringValue)
	if err := c.cc.Invoke(ctx, fullMethod("AddTask"), in, out); err != nil {
		return "", err
	}
	return out.GetValue(), nil
}

// Atomize splits frames into tasks of at most chunkSize frames on the
// server and returns the new task ids.
func (c *Client) Atomize(ctx context.Context, jobID string, frames types.FrameRange, chunkSize int) ([]string, error) {
	in := &structpb.Struct{Fields: map[string]*structpb.Value{
		"job_id":     structpb.NewStringValue(jobID),
		"frames":     structpb.NewStringValue(fmt.Sprintf("%d-%d:%d", frames.Start, frames.End, frames.Step)),
		"chunk_size": structpb.NewNumberValue(float64(chunkSize)),
	}}
	out := new(structpb.ListValue)
	if err := c.cc.Invoke(ctx, fullMethod("Atomize"), in, out); err != nil {
		return nil, err
	}
	return stringValues(out), nil
}

func (c *Client) ListJobs(ctx context.Context) ([]string, error) {
	out := new(structpb.ListValue)
	if err := c.cc.Invoke(ctx, fullMethod("ListJobs"), new(emptypb.Empty), out); err != nil {
		return nil, err
	}
	return stringValues(out), nil
}

func stringValues(list *structpb.ListValue) []string {
	out := make([]string, 0, len(list.GetValues()))
	for _, v := range list.GetValues() {
		out = append(out, v.GetStringValue())
	}
	return out
}
