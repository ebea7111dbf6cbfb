package grpcclient

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/face-id/internal/imageprocessor"
	"github.com/example/face-id/internal/logging"
)

// detectMethod is the unary RPC exposed by the face pipeline service.
const detectMethod = "/faceid.v1.FacePipeline/Detect"

// errMalformedResponse reports a pipeline reply that does not follow the
// {faces: [{bbox, embedding}]} layout.
var errMalformedResponse = errors.New("malformed pipeline response")

// DialPipeline returns a ready-to-use gRPC client for the detection service.
// A zero timeout leaves the deadline to the caller's context.
func DialPipeline(ctx context.Context, addr string, timeout time.Duration, logger *zap.Logger) (imageprocessor.Client, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(
		dialCtx,
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_pipeline", "", err)
		logger.Error("failed to dial face pipeline", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return NewPipeline(conn, timeout, logger), conn, nil
}

// NewPipeline wraps an existing connection.
func NewPipeline(conn grpc.ClientConnInterface, timeout time.Duration, logger *zap.Logger) imageprocessor.Client {
	return &grpcPipeline{conn: conn, timeout: timeout, logger: logger.Named("grpc_pipeline")}
}

type grpcPipeline struct {
	conn    grpc.ClientConnInterface
	timeout time.Duration
	logger  *zap.Logger
}

func (g *grpcPipeline) Detect(ctx context.Context, image []byte) ([]imageprocessor.DetectedFace, error) {
	requestID := logging.RequestIDFromContext(ctx)
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	req, err := structpb.NewStruct(map[string]interface{}{
		"image": base64.StdEncoding.EncodeToString(image),
	})
	if err != nil {
		return nil, logging.NewOperationError("grpcclient.build_request", requestID, err)
	}

	resp := &structpb.Struct{}
	if err := g.conn.Invoke(ctx, detectMethod, req, resp); err != nil {
		if code := status.Code(err); code == codes.Unavailable || code == codes.DeadlineExceeded {
			err = fmt.Errorf("%w: %v", imageprocessor.ErrPipelineUnavailable, err)
		}
		wrapped := logging.NewOperationError("grpcclient.detect", requestID, err)
		g.logger.Error("face pipeline call failed", zap.Error(wrapped))
		return nil, wrapped
	}

	faces, err := parseDetectResponse(resp)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.parse_response", requestID, err)
		g.logger.Error("face pipeline returned malformed response", zap.Error(wrapped))
		return nil, wrapped
	}
	return faces, nil
}

func parseDetectResponse(resp *structpb.Struct) ([]imageprocessor.DetectedFace, error) {
	facesValue, ok := resp.GetFields()["faces"]
	if !ok {
		return nil, fmt.Errorf("%w: missing faces", errMalformedResponse)
	}
	if _, isNull := facesValue.GetKind().(*structpb.Value_NullValue); isNull {
		return []imageprocessor.DetectedFace{}, nil
	}
	list := facesValue.GetListValue()
	if list == nil {
		return nil, fmt.Errorf("%w: faces is not a list", errMalformedResponse)
	}

	faces := make([]imageprocessor.DetectedFace, 0, len(list.GetValues()))
	for i, v := range list.GetValues() {
		face := v.GetStructValue()
		if face == nil {
			return nil, fmt.Errorf("%w: face %d is not an object", errMalformedResponse, i)
		}
		bbox, err := parseBoundingBox(face.GetFields()["bbox"])
		if err != nil {
			return nil, fmt.Errorf("face %d: %w", i, err)
		}
		embedding, err := parseEmbedding(face.GetFields()["embedding"])
		if err != nil {
			return nil, fmt.Errorf("face %d: %w", i, err)
		}
		faces = append(faces, imageprocessor.DetectedFace{BBox: bbox, Embedding: embedding})
	}
	return faces, nil
}

func parseBoundingBox(v *structpb.Value) (imageprocessor.BoundingBox, error) {
	var bbox imageprocessor.BoundingBox
	values := v.GetListValue().GetValues()
	if len(values) != len(bbox) {
		return bbox, fmt.Errorf("%w: bbox needs %d coordinates, got %d", errMalformedResponse, len(bbox), len(values))
	}
	for i, coord := range values {
		n, ok := coord.GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return bbox, fmt.Errorf("%w: bbox coordinate %d is not a number", errMalformedResponse, i)
		}
		bbox[i] = int(math.Round(n.NumberValue))
	}
	return bbox, nil
}

func parseEmbedding(v *structpb.Value) ([]float32, error) {
	values := v.GetListValue().GetValues()
	if len(values) == 0 {
		return nil, fmt.Errorf("%w: empty embedding", errMalformedResponse)
	}
	embedding := make([]float32, len(values))
	for i, component := range values {
		n, ok := component.GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return nil, fmt.Errorf("%w: embedding component %d is not a number", errMalformedResponse, i)
		}
		embedding[i] = float32(n.NumberValue)
	}
	return embedding, nil
}
