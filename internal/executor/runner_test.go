package executor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestQuote(t *testing.T) {
	cases := []struct {
		argv []string
		want string
	}{
		{[]string{"systemctl", "restart", "api.service"}, "systemctl restart api.service"},
		{[]string{"echo", "hello world"}, "echo 'hello world'"},
		{[]string{"sh", "-c", "it's"}, `sh -c 'it'\''s'`},
		{[]string{"printf", ""}, "printf ''"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Quote(tc.argv))
	}
}

func TestLocalRun(t *testing.T) {
	r := NewLocal(zap.NewNop())

	res, err := r.Run(context.Background(), "sh", "-c", "echo ok")
	require.NoError(t, err)
	assert.Equal(t, "ok", strings.TrimSpace(res.Output))

	_, err = r.Run(context.Background(), "sh", "-c", "echo boom >&2; exit 3")
	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 3, exitErr.ExitCode)
	assert.Contains(t, exitErr.Output, "boom")
}

func TestLocalRunHonoursTimeout(t *testing.T) {
	r := NewLocal(zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := r.Run(ctx, "sleep", "5")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestLimitedBufferKeepsTail(t *testing.T) {
	var b limitedBuffer
	_, _ = b.Write([]byte(strings.Repeat("a", maxOutput)))
	_, _ = b.Write([]byte("tail"))
	assert.Len(t, b.String(), maxOutput)
	assert.True(t, strings.HasSuffix(b.String(), "tail"))
}
