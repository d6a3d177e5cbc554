package providers

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/jiminy/pkg/chat"
)

func TestStreamDeliversThenEOF(t *testing.T) {
	s := NewStream(nil)
	require.True(t, s.Send(context.Background(), "a"))
	require.True(t, s.Send(context.Background(), "b"))
	s.CloseSend(nil)

	ctx := context.Background()
	d, err := s.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, "a", d)
	d, err = s.Recv(ctx)
	require.NoError(t, err)
	require.Equal(t, "b", d)
	_, err = s.Recv(ctx)
	require.Equal(t, io.EOF, err)
	_, err = s.Recv(ctx)
	require.Equal(t, io.EOF, err)
}

func TestStreamTerminalErrorAfterDrain(t *testing.T) {
	s := NewStream(nil)
	require.True(t, s.Send(context.Background(), "partial"))
	s.CloseSend(errors.Wrap(chat.ErrConnection, "reset by peer"))

	d, err := s.Recv(context.Background())
	require.NoError(t, err)
	require.Equal(t, "partial", d)
	_, err = s.Recv(context.Background())
	require.ErrorIs(t, err, chat.ErrConnection)
}

func TestStreamCloseSendIdempotent(t *testing.T) {
	s := NewStream(nil)
	s.CloseSend(errors.WithStack(chat.ErrRequest))
	s.CloseSend(nil)
	s.CloseSend(errors.WithStack(chat.ErrAuth))

	_, err := s.Recv(context.Background())
	require.ErrorIs(t, err, chat.ErrRequest)
}

func TestStreamRecvHonorsDeadline(t *testing.T) {
	s := NewStream(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Recv(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStreamSendStopsOnDoneContext(t *testing.T) {
	s := NewStream(nil)
	ctx, cancel := context.WithCancel(context.Background())
	// Fill the buffer so the next Send would block.
	for i := 0; i < cap(s.ch); i++ {
		require.True(t, s.Send(ctx, "x"))
	}
	cancel()
	require.False(t, s.Send(ctx, "y"))
}

func TestStreamCancelSignalsProducer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewStream(cancel)
	s.Cancel()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("cancel func not invoked")
	}
	s.Cancel()
}
