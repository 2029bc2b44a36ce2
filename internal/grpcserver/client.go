package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"cuip/internal/registration"
)

// Client calls the registration service over an existing connection.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps cc.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Register asks the server to register a frame it can read itself.
func (c *Client) Register(ctx context.Context, framePath, reference, outputDir string, wait bool) (map[string]any, error) {
	return c.call(ctx, MethodRegister, map[string]any{
		"frame_path": framePath,
		"reference":  reference,
		"output_dir": outputDir,
		"wait":       wait,
	})
}

// RegisterPoints sends locally detected sources for matching and solving.
func (c *Client) RegisterPoints(ctx context.Context, framePath string, sources registration.PointSet, center registration.Point) (map[string]any, error) {
	pairs := make([]any, len(sources))
	for i, p := range sources {
		pairs[i] = []any{p.Row, p.Col}
	}
	return c.call(ctx, MethodRegisterPoints, map[string]any{
		"frame_path": framePath,
		"sources":    pairs,
		"center_row": center.Row,
		"center_col": center.Col,
	})
}

// Status fetches the persisted state of a job.
func (c *Client) Status(ctx context.Context, jobID string) (map[string]any, error) {
	return c.call(ctx, MethodStatus, map[string]any{"job_id": jobID})
}

func (c *Client) call(ctx context.Context, method string, fields map[string]any) (map[string]any, error) {
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, req, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}
