package grpcsvc

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vladislavdragonenkov/bms/internal/domain"
	"github.com/vladislavdragonenkov/bms/internal/service/api"
)

const (
	idempotencyKeyHeader = "idempotency-key"
	replayedHeader       = "idempotent-replayed"
)

// TradeService реализует gRPC API поверх общего api.Service.
type TradeService struct {
	svc    *api.Service
	logger *log.Entry
}

// NewTradeService конструирует сервис с зависимостями.
func NewTradeService(svc *api.Service, logger *log.Entry) *TradeService {
	if logger == nil {
		logger = log.WithField("component", "trade-service")
	}
	return &TradeService{svc: svc, logger: logger}
}

var _ TradeServiceServer = (*TradeService)(nil)

// CreateOrder принимает заявку {kind, header, lines}. Ключ идемпотентности
// передаётся в metadata idempotency-key.
func (s *TradeService) CreateOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request is required")
	}
	body, err := protojson.Marshal(req)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "encode request: %v", err)
	}

	r := s.svc.Create(ctx, "", readIdempotencyKey(ctx), body)
	if r.Replayed {
		if err := grpc.SetHeader(ctx, metadata.Pairs(replayedHeader, "true")); err != nil {
			s.logger.WithError(err).Debug("failed to set replay header")
		}
	}
	return s.toProto(r)
}

// GetOrder возвращает заказ {kind, id}.
func (s *TradeService) GetOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	kind, id, err := kindAndID(req)
	if err != nil {
		return nil, err
	}
	return s.toProto(s.svc.Get(ctx, kind, id))
}

// ListOrders - выборка {kind, status?, counterparty_id?, from?, to?, limit?, offset?}.
func (s *TradeService) ListOrders(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	kind, err := requireKind(req)
	if err != nil {
		return nil, err
	}
	f := req.GetFields()
	q := api.ListQuery{
		Status:         stringField(f["status"]),
		CounterpartyID: stringField(f["counterparty_id"]),
		From:           stringField(f["from"]),
		To:             stringField(f["to"]),
		Limit:          stringField(f["limit"]),
		Offset:         stringField(f["offset"]),
	}
	return s.toProto(s.svc.List(ctx, kind, q))
}

// UpdateOrder - {kind, id, update: {status?, amount_paid?, balance?, notes?}}.
func (s *TradeService) UpdateOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	kind, id, err := kindAndID(req)
	if err != nil {
		return nil, err
	}
	update := req.GetFields()["update"].GetStructValue()
	if update == nil {
		return nil, badRequest("update", "update object is required")
	}
	body, err := protojson.Marshal(update)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "encode update: %v", err)
	}
	return s.toProto(s.svc.Update(ctx, kind, id, body))
}

// VoidOrder аннулирует продажу или отменяет закупку.
func (s *TradeService) VoidOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	kind, id, err := kindAndID(req)
	if err != nil {
		return nil, err
	}
	return s.toProto(s.svc.Void(ctx, kind, id))
}

// ListMovements возвращает движения остатков по заказу.
func (s *TradeService) ListMovements(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	kind, id, err := kindAndID(req)
	if err != nil {
		return nil, err
	}
	return s.toProto(s.svc.Movements(ctx, kind, id))
}

// GetStats - {kind, from?, to?}.
func (s *TradeService) GetStats(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	kind, err := requireKind(req)
	if err != nil {
		return nil, err
	}
	f := req.GetFields()
	return s.toProto(s.svc.Stats(ctx, kind, stringField(f["from"]), stringField(f["to"])))
}

func (s *TradeService) toProto(r api.Reply) (*structpb.Struct, error) {
	if body := r.Err(); body != nil {
		return nil, toStatus(r.Status, body)
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(r.Body, out); err != nil {
		s.logger.WithError(err).Error("failed to convert reply to struct")
		return nil, status.Error(codes.Internal, "failed to encode response")
	}
	return out, nil
}

// toStatus переводит тело ошибки API в gRPC status.
func toStatus(httpStatus int, body *api.ErrorBody) error {
	code := codes.Internal
	switch body.Code {
	case api.CodeValidation:
		code = codes.InvalidArgument
	case api.CodeNotFound:
		code = codes.NotFound
	case api.CodeConflict:
		code = codes.Aborted
		if body.Field == "idempotency_key" {
			code = codes.AlreadyExists
		}
	case api.CodePersistence:
		if httpStatus < http.StatusInternalServerError {
			code = codes.FailedPrecondition
		}
	case api.CodeUnauthorized:
		code = codes.Unauthenticated
	case api.CodeTimeout:
		code = codes.DeadlineExceeded
	}

	st := status.New(code, body.Message)
	if body.Field != "" {
		withDetails, err := st.WithDetails(&errdetails.BadRequest{
			FieldViolations: []*errdetails.BadRequest_FieldViolation{{Field: body.Field, Description: body.Message}},
		})
		if err == nil {
			st = withDetails
		}
	}
	return st.Err()
}

func badRequest(field, message string) error {
	return toStatus(http.StatusBadRequest, &api.ErrorBody{Code: api.CodeValidation, Message: message, Field: field})
}

func requireKind(req *structpb.Struct) (domain.OrderKind, error) {
	raw := stringField(req.GetFields()["kind"])
	kind, ok := domain.ParseOrderKind(raw)
	if !ok {
		return "", badRequest("kind", "kind must be sale or purchase")
	}
	return kind, nil
}

func kindAndID(req *structpb.Struct) (domain.OrderKind, int64, error) {
	kind, err := requireKind(req)
	if err != nil {
		return "", 0, err
	}
	id, err := strconv.ParseInt(stringField(req.GetFields()["id"]), 10, 64)
	if err != nil || id <= 0 {
		return "", 0, badRequest("id", "id must be a positive integer")
	}
	return kind, id, nil
}

// stringField приводит скаляр Struct к строке; целые числа печатаются без дробной части.
func stringField(v *structpb.Value) string {
	switch x := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		return x.StringValue
	case *structpb.Value_NumberValue:
		return strconv.FormatFloat(x.NumberValue, 'f', -1, 64)
	case *structpb.Value_BoolValue:
		return strconv.FormatBool(x.BoolValue)
	default:
		return ""
	}
}

func readIdempotencyKey(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if values := md.Get(idempotencyKeyHeader); len(values) > 0 {
			return strings.TrimSpace(values[0])
		}
	}
	return ""
}
