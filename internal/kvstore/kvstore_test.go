package kvstore

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenPingClose(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := Open(context.Background(), "redis://"+mr.Addr()+"/0")
	require.NoError(t, err)

	assert.NoError(t, Ping(context.Background(), client))
	Close(client, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestOpenRejectsBadURL(t *testing.T) {
	_, err := Open(context.Background(), "::not a url")
	assert.Error(t, err)
}

func TestOpenFailsWhenUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := Open(context.Background(), "redis://"+addr)
	assert.Error(t, err)
}
