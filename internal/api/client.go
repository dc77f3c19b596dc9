package api

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/chatsync/internal/state"
)

// Client talks to a daemon's StateService.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon's Unix domain socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	return c.conn.Invoke(ctx, "/"+serviceName+"/"+method, in, out)
}

// Snapshot fetches the current state.
func (c *Client) Snapshot(ctx context.Context) (state.State, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, "GetSnapshot", &emptypb.Empty{}, out); err != nil {
		return state.State{}, err
	}
	var snap state.State
	if err := FromStruct(out, &snap); err != nil {
		return state.State{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

// SendMessage sends content to a conversation. With wait set it blocks
// until the server confirms and returns the confirmed message; otherwise
// the returned message only carries the temporary id.
func (c *Client) SendMessage(ctx context.Context, conversationID, content string, wait bool) (state.Message, error) {
	in, err := structpb.NewStruct(map[string]any{
		"conversationId": conversationID,
		"content":        content,
		"wait":           wait,
	})
	if err != nil {
		return state.Message{}, err
	}
	out := new(structpb.Struct)
	if err := c.invoke(ctx, "SendMessage", in, out); err != nil {
		return state.Message{}, err
	}
	if !wait {
		return state.Message{ID: stringField(out, "tempId"), ConversationID: conversationID, Content: content}, nil
	}
	var m state.Message
	if err := FromStruct(out, &m); err != nil {
		return state.Message{}, fmt.Errorf("decode message: %w", err)
	}
	return m, nil
}

// MarkAsRead marks a message read.
func (c *Client) MarkAsRead(ctx context.Context, messageID string) error {
	in, err := structpb.NewStruct(map[string]any{"messageId": messageID})
	if err != nil {
		return err
	}
	return c.invoke(ctx, "MarkAsRead", in, new(emptypb.Empty))
}

// LoadMore pages older messages of a conversation in.
func (c *Client) LoadMore(ctx context.Context, conversationID string) (int, error) {
	in, err := structpb.NewStruct(map[string]any{"conversationId": conversationID})
	if err != nil {
		return 0, err
	}
	out := new(structpb.Struct)
	if err := c.invoke(ctx, "LoadMore", in, out); err != nil {
		return 0, err
	}
	return int(out.GetFields()["added"].GetNumberValue()), nil
}

// SetTyping starts or stops the local typing indicator.
func (c *Client) SetTyping(ctx context.Context, conversationID string, typing bool) error {
	in, err := structpb.NewStruct(map[string]any{"conversationId": conversationID, "typing": typing})
	if err != nil {
		return err
	}
	return c.invoke(ctx, "SetTyping", in, new(emptypb.Empty))
}

// SelectConversation makes a conversation current.
func (c *Client) SelectConversation(ctx context.Context, conversationID string) error {
	in, err := structpb.NewStruct(map[string]any{"conversationId": conversationID})
	if err != nil {
		return err
	}
	return c.invoke(ctx, "SelectConversation", in, new(emptypb.Empty))
}

// Connect asks the daemon to open its real-time connection.
func (c *Client) Connect(ctx context.Context) error {
	return c.invoke(ctx, "Connect", &emptypb.Empty{}, new(emptypb.Empty))
}

// Disconnect asks the daemon to close its real-time connection.
func (c *Client) Disconnect(ctx context.Context) error {
	return c.invoke(ctx, "Disconnect", &emptypb.Empty{}, new(emptypb.Empty))
}

func (c *Client) stream(ctx context.Context, idx int) (grpc.ClientStream, error) {
	desc := &ServiceDesc.Streams[idx]
	s, err := c.conn.NewStream(ctx, desc, "/"+serviceName+"/"+desc.StreamName)
	if err != nil {
		return nil, err
	}
	if err := s.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, err
	}
	if err := s.CloseSend(); err != nil {
		return nil, err
	}
	return s, nil
}

// Watch calls fn with every snapshot the daemon streams until ctx ends,
// the stream fails, or fn returns false.
func (c *Client) Watch(ctx context.Context, fn func(state.State) bool) error {
	s, err := c.stream(ctx, 0)
	if err != nil {
		return err
	}
	for {
		out := new(structpb.Struct)
		if err := s.RecvMsg(out); err != nil {
			return err
		}
		var snap state.State
		if err := FromStruct(out, &snap); err != nil {
			return fmt.Errorf("decode snapshot: %w", err)
		}
		if !fn(snap) {
			return nil
		}
	}
}

// WatchEvents calls fn with every operational event envelope until ctx
// ends, the stream fails, or fn returns false.
func (c *Client) WatchEvents(ctx context.Context, fn func(map[string]any) bool) error {
	s, err := c.stream(ctx, 1)
	if err != nil {
		return err
	}
	for {
		out := new(structpb.Struct)
		if err := s.RecvMsg(out); err != nil {
			return err
		}
		if !fn(out.AsMap()) {
			return nil
		}
	}
}
