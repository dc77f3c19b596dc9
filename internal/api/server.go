package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/messaging"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/state"
)

// Engine is the part of messaging.Service the server drives.
type Engine interface {
	Snapshot() state.State
	Subscribe(listener func(state.State)) func()
	SendMessage(ctx context.Context, conversationID, content string, opts outbox.Options) (*outbox.Delivery, error)
	MarkAsRead(ctx context.Context, messageID string) error
	LoadMore(ctx context.Context, conversationID string) int
	Keystroke(ctx context.Context, conversationID string) error
	StopTyping(ctx context.Context, conversationID string) error
	SelectConversation(ctx context.Context, conversationID string)
	Connect(ctx context.Context) error
	Disconnect()
}

// StateServer implements StateServiceServer on top of an Engine.
type StateServer struct {
	engine  Engine
	bus     *bus.Bus
	profile string
	logger  *zap.Logger
}

// NewStateServer creates the gRPC service of a profile's engine.
func NewStateServer(engine Engine, b *bus.Bus, profile string, logger *zap.Logger) *StateServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StateServer{engine: engine, bus: b, profile: profile, logger: logger.Named("api")}
}

func (s *StateServer) GetSnapshot(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	out, err := toStruct(s.engine.Snapshot())
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode snapshot: %v", err)
	}
	return out, nil
}

// SendMessage queues a message. With "wait" set it returns the confirmed
// message; otherwise it returns the temporary id at once.
func (s *StateServer) SendMessage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	convID := stringField(req, "conversationId")
	if convID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "conversationId is required")
	}
	opts := outbox.Options{
		Type:        state.MessageType(stringField(req, "type")),
		Priority:    state.Priority(stringField(req, "priority")),
		ReplyToID:   stringField(req, "replyToId"),
		IsEncrypted: boolField(req, "isEncrypted"),
	}
	d, err := s.engine.SendMessage(ctx, convID, stringField(req, "content"), opts)
	if err != nil {
		return nil, toStatus(err)
	}
	if !boolField(req, "wait") {
		return structpb.NewStruct(map[string]any{"tempId": d.TempID})
	}
	m, err := d.Wait(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	out, err := toStruct(m)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode message: %v", err)
	}
	return out, nil
}

func (s *StateServer) MarkAsRead(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	id := stringField(req, "messageId")
	if id == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "messageId is required")
	}
	if err := s.engine.MarkAsRead(ctx, id); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *StateServer) LoadMore(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	convID := stringField(req, "conversationId")
	if convID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "conversationId is required")
	}
	added := s.engine.LoadMore(ctx, convID)
	return structpb.NewStruct(map[string]any{"added": added})
}

// SetTyping reports a keystroke when "typing" is true and stops typing
// otherwise.
func (s *StateServer) SetTyping(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	convID := stringField(req, "conversationId")
	if convID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "conversationId is required")
	}
	var err error
	if boolField(req, "typing") {
		err = s.engine.Keystroke(ctx, convID)
	} else {
		err = s.engine.StopTyping(ctx, convID)
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *StateServer) SelectConversation(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	s.engine.SelectConversation(ctx, stringField(req, "conversationId"))
	return &emptypb.Empty{}, nil
}

func (s *StateServer) Connect(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if err := s.engine.Connect(ctx); err != nil {
		return nil, grpcstatus.Errorf(codes.Unavailable, "connect: %v", err)
	}
	return &emptypb.Empty{}, nil
}

func (s *StateServer) Disconnect(context.Context, *emptypb.Empty) (*emptypb.Empty, error) {
	s.engine.Disconnect()
	return &emptypb.Empty{}, nil
}

// Watch streams snapshots, starting with the current one. A slow client
// only ever receives the newest snapshot; intermediate ones are skipped.
func (s *StateServer) Watch(_ *emptypb.Empty, stream grpc.ServerStream) error {
	latest := make(chan state.State, 1)
	var mu sync.Mutex
	unsub := s.engine.Subscribe(func(snap state.State) {
		mu.Lock()
		defer mu.Unlock()
		select {
		case old := <-latest:
			if old.Version > snap.Version {
				snap = old
			}
		default:
		}
		latest <- snap
	})
	defer unsub()

	for {
		select {
		case <-stream.Context().Done():
			return nil
		case snap := <-latest:
			out, err := toStruct(snap)
			if err != nil {
				return grpcstatus.Errorf(codes.Internal, "encode snapshot: %v", err)
			}
			if err := stream.SendMsg(out); err != nil {
				return err
			}
		}
	}
}

// WatchEvents streams operational bus events as envelopes.
func (s *StateServer) WatchEvents(_ *emptypb.Empty, stream grpc.ServerStream) error {
	ch, unsub := s.bus.Subscribe("", 256)
	defer unsub()

	for {
		select {
		case <-stream.Context().Done():
			return nil
		case evt := <-ch:
			env, err := structpb.NewStruct(map[string]any{
				"eventId":    uuid.NewString(),
				"profile":    s.profile,
				"kind":       string(evt.Kind),
				"occurredAt": evt.Timestamp.UTC().Format(time.RFC3339Nano),
				"payload":    payloadValue(evt.Payload),
			})
			if err != nil {
				s.logger.Warn("encode event", zap.String("kind", string(evt.Kind)), zap.Error(err))
				continue
			}
			if err := stream.SendMsg(env); err != nil {
				return err
			}
		}
	}
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, outbox.ErrEmptyContent), errors.Is(err, outbox.ErrNoConversation):
		return grpcstatus.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, messaging.ErrNotInitialized):
		return grpcstatus.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return grpcstatus.FromContextError(err).Err()
	default:
		return grpcstatus.Error(codes.Internal, err.Error())
	}
}
