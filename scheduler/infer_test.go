package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestInfer(t *testing.T) (*Infer, context.Context, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	cfg := DefaultConfig()
	cfg.Batching.SizeLimit = 8
	cfg.Server.MaxConcurrentRequests = 2
	backend := NewReferenceBackend(cfg.Backend)
	in := NewInfer(ctx, cfg, backend, NoopMetrics{})
	return in, ctx, cancel
}

func testRequest(maxNewTokens uint32) Request {
	return Request{
		ClientID: uuid.New(),
		InputIDs: []int32{1, 2, 3},
		Stopping: StoppingParams{MaxNewTokens: maxNewTokens},
	}
}

func TestInfer_Generate_ReturnsCompletedText(t *testing.T) {
	in, ctx, cancel := newTestInfer(t)
	defer cancel()

	ctxTimeout, cancelTimeout := context.WithTimeout(ctx, 2*time.Second)
	defer cancelTimeout()

	text, err := in.Generate(ctxTimeout, testRequest(3))
	require.NoError(t, err)
	require.NotNil(t, text)
	assert.Equal(t, "length", text.FinishReason)
}

func TestInfer_GenerateStream_OverloadedWhenAtLimit(t *testing.T) {
	in, ctx, cancel := newTestInfer(t)
	defer cancel()

	_, release1, err := in.GenerateStream(ctx, testRequest(100))
	require.NoError(t, err)
	defer release1()
	_, release2, err := in.GenerateStream(ctx, testRequest(100))
	require.NoError(t, err)
	defer release2()

	limitedCtx, cancelLimited := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancelLimited()
	_, _, err = in.GenerateStream(limitedCtx, testRequest(100))
	assert.Error(t, err)
}

func TestInfer_GenerateBestOf_PicksHighestMeanLogProb(t *testing.T) {
	in, ctx, cancel := newTestInfer(t)
	defer cancel()

	ctxTimeout, cancelTimeout := context.WithTimeout(ctx, 3*time.Second)
	defer cancelTimeout()

	req := testRequest(2)
	req.NumBestOf = 3
	text, others, err := in.GenerateBestOf(ctxTimeout, req)
	require.NoError(t, err)
	require.NotNil(t, text)
	assert.Len(t, others, 2)
}

func TestInfer_ApplyChatTemplate_NoneConfigured(t *testing.T) {
	in, _, cancel := newTestInfer(t)
	defer cancel()

	_, err := in.ApplyChatTemplate([]ChatMessage{{Role: "user", Content: "hi"}})
	require.Error(t, err)
	var te *TemplateError
	assert.ErrorAs(t, err, &te)
}

func TestInfer_Tokenize_RejectsEmptyInput(t *testing.T) {
	in, _, cancel := newTestInfer(t)
	defer cancel()

	_, err := in.Tokenize(nil)
	var ve *ValidationError
	assert.ErrorAs(t, err, &ve)
}
