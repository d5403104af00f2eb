package grpcclient

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/lesion-triage/internal/apperrors"
	"github.com/example/lesion-triage/internal/classifier"
	"github.com/example/lesion-triage/internal/lesion"
	"github.com/example/lesion-triage/internal/logging"
)

// ClassifyMethod is the full gRPC method name of the upstream classifier.
const ClassifyMethod = "/lesion.v1.Classifier/Classify"

// DialClassifier returns a ready-to-use gRPC client for the classifier service.
func DialClassifier(ctx context.Context, addr string, logger *zap.Logger) (classifier.Client, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(
		dialCtx,
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_classifier", "", apperrors.NewUpstreamError("classifier", err))
		logger.Error("failed to dial classifier", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return NewClassifier(conn, logger), conn, nil
}

// NewClassifier wraps an existing connection.
func NewClassifier(conn grpc.ClientConnInterface, logger *zap.Logger) classifier.Client {
	return &grpcClassifier{conn: conn, logger: logger}
}

type grpcClassifier struct {
	conn   grpc.ClientConnInterface
	logger *zap.Logger
}

func (g *grpcClassifier) Classify(ctx context.Context, userID string, image []byte) (*classifier.Result, error) {
	req, err := structpb.NewStruct(map[string]interface{}{
		"user_id": userID,
		"image":   base64.StdEncoding.EncodeToString(image),
	})
	if err != nil {
		return nil, logging.NewOperationError("grpcclient.classify", userID, err)
	}

	resp := &structpb.Struct{}
	if err := g.conn.Invoke(ctx, ClassifyMethod, req, resp); err != nil {
		wrapped := logging.NewOperationError("grpcclient.classify", userID, apperrors.NewUpstreamError("classifier", err))
		g.logger.Error("classifier call failed", zap.Error(wrapped), zap.String("user_id", userID))
		return nil, wrapped
	}

	sources, err := decodeSources(resp)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.decode_response", userID, err)
		g.logger.Error("classifier response malformed", zap.Error(wrapped), zap.String("user_id", userID))
		return nil, wrapped
	}

	result, err := classifier.NewResult(sources)
	if err != nil {
		return nil, logging.NewOperationError("grpcclient.decode_response", userID, err)
	}
	return result, nil
}

// decodeSources reads {sources: [{name, predictions: {label: prob}}]}.
func decodeSources(resp *structpb.Struct) ([]classifier.Source, error) {
	list := resp.GetFields()["sources"].GetListValue()
	if list == nil {
		return nil, apperrors.NewContractViolation("classifier response has no sources list", nil)
	}

	sources := make([]classifier.Source, 0, len(list.GetValues()))
	for i, v := range list.GetValues() {
		entry := v.GetStructValue()
		if entry == nil {
			return nil, apperrors.NewContractViolation(fmt.Sprintf("source %d is not an object", i), nil)
		}
		preds := entry.GetFields()["predictions"].GetStructValue()
		if preds == nil {
			return nil, apperrors.NewContractViolation(fmt.Sprintf("source %d has no predictions", i), nil)
		}

		dist := make(lesion.Distribution, len(preds.GetFields()))
		for label, p := range preds.GetFields() {
			class, err := lesion.ParseClass(label)
			if err != nil {
				return nil, apperrors.NewContractViolation(fmt.Sprintf("source %d has unknown label", i), err)
			}
			num, ok := p.GetKind().(*structpb.Value_NumberValue)
			if !ok {
				return nil, apperrors.NewContractViolation(fmt.Sprintf("source %d label %s is not a number", i, label), nil)
			}
			dist[class] = num.NumberValue
		}
		sources = append(sources, classifier.Source{
			Name:        entry.GetFields()["name"].GetStringValue(),
			Predictions: dist,
		})
	}
	return sources, nil
}
