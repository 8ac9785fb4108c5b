package inproc_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/klippa-app/godds/internal/convert"
	"github.com/klippa-app/godds/internal/dds/ddstest"
	"github.com/klippa-app/godds/internal/inproc"
	"github.com/klippa-app/godds/internal/message"
	"github.com/klippa-app/godds/internal/supervisor"
)

func TestInProcessWorkerConverts(t *testing.T) {
	t.Parallel()

	conv, err := convert.New(convert.Options{})
	require.NoError(t, err)

	logger := hclog.NewNullLogger()
	sup := supervisor.New(inproc.NewLauncher(conv, logger), logger)
	t.Cleanup(func() { _ = sup.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, sup.Load(ctx))
	require.NoError(t, sup.WaitReady(ctx))

	results := make(chan *message.Envelope, 1)
	sub := sup.Subscribe(func(env *message.Envelope) { results <- env })
	defer sub.Unsubscribe()

	texture := ddstest.DXT1(4, 4, 0xf800, 0x001f, 0)
	require.NoError(t, sup.Send(&message.Envelope{Kind: message.KindConvert, ID: "1", Contents: texture}))

	select {
	case env := <-results:
		require.Equal(t, "1", env.ID)
		require.Empty(t, env.Error)
		require.True(t, strings.HasPrefix(env.DataURL, "data:image/png;base64,"))
	case <-ctx.Done():
		t.Fatal("no conversion result")
	}

	require.NoError(t, sup.Close())
	require.Equal(t, supervisor.StateClosed, sup.State())
}
