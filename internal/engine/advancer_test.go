package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	xerrors "listen-engine/internal/errors"
	"listen-engine/internal/evaluator"
	"listen-engine/internal/observability/alerting"
	"listen-engine/internal/pipeline"
	"listen-engine/internal/store"
	"listen-engine/pkg/logger"
)

type fakeExecutor struct {
	mu     sync.Mutex
	hash   string
	err    error
	orders []pipeline.SwapOrder
}

func (f *fakeExecutor) ExecuteOrder(_ context.Context, order pipeline.SwapOrder, _, _, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders = append(f.orders, order)
	return f.hash, f.err
}

func (f *fakeExecutor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.orders)
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingDispatcher) Notify(_ context.Context, event alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func newTestAdvancer(st store.Store, exec OrderExecutor, opts ...AdvancerOption) *StepAdvancer {
	return NewStepAdvancer(st, exec, append([]AdvancerOption{WithAdvancerLogger(logger.Nop())}, opts...)...)
}

func TestAdvanceKeepsStepOnEvaluationError(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	exec := &fakeExecutor{hash: "h"}
	p := buildPipeline(t, "u1", swapStep(above("SOL", 1), above("BONK", 1)))
	stepID := p.CurrentSteps[0]

	done, err := newTestAdvancer(st, exec).Advance(ctx, p, evaluator.Prices{"SOL": 5})
	require.False(t, done)
	require.True(t, xerrors.HasCode(err, xerrors.CodeMissingPriceData))
	require.Equal(t, 0, exec.count())

	stored := loadPipeline(t, st, p.DedupKey())
	require.Equal(t, pipeline.StatusPending, stored.Status)
	require.Equal(t, []string{stepID.String()}, idStrings(stored.CurrentSteps))
	require.NotNil(t, stored.Steps[stepID].Error)
	require.Equal(t, pipeline.StatusPending, stored.Steps[stepID].Status)
}

func TestAdvanceFailsPipelineOnActionError(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	exec := &fakeExecutor{err: xerrors.New(xerrors.CodeTransaction, "custody rejected")}
	alerts := &recordingDispatcher{}
	p := buildPipeline(t, "u1", swapStep(above("SOL", 1)), swapStep())

	done, err := newTestAdvancer(st, exec, WithAlertDispatcher(alerts)).Advance(ctx, p, evaluator.Prices{"SOL": 5})
	require.True(t, done)
	require.True(t, xerrors.HasCode(err, xerrors.CodeTransaction))

	stored := loadPipeline(t, st, p.DedupKey())
	require.Equal(t, pipeline.StatusFailed, stored.Status)
	failed := stored.Steps[p.CurrentSteps[0]]
	require.Equal(t, pipeline.StatusFailed, failed.Status)
	require.Contains(t, *failed.Error, "custody rejected")

	require.Len(t, alerts.events, 1)
	require.Equal(t, xerrors.CodeTransaction, alerts.events[0].Code)
	require.Equal(t, "Order", alerts.events[0].Metadata["action"])
}

func TestAdvanceWalksStepGraph(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	exec := &fakeExecutor{hash: "0xswap"}
	notes := &recordingDispatcher{}
	p := buildPipeline(t, "u1",
		swapStep(above("SOL", 100)),
		pipeline.StepDraft{Action: pipeline.Notification{Message: "swap done"}},
	)
	adv := newTestAdvancer(st, exec, WithNotifier(notes))

	done, err := adv.Advance(ctx, p, evaluator.Prices{"SOL": 150})
	require.NoError(t, err)
	require.False(t, done)
	require.Equal(t, 1, exec.count())
	require.Len(t, p.CurrentSteps, 1)
	require.Empty(t, notes.events)

	done, err = adv.Advance(ctx, p, evaluator.Prices{})
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, pipeline.StatusCompleted, p.Status)
	require.Len(t, notes.events, 1)
	require.Equal(t, "swap done", notes.events[0].Message)
	require.Equal(t, p.ID.String(), notes.events[0].PipelineID)

	stored := loadPipeline(t, st, p.DedupKey())
	require.Equal(t, pipeline.StatusCompleted, stored.Status)
}

func TestAdvancePaymentUsesOrderPath(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	exec := &fakeExecutor{hash: "0xpay"}
	pay := pipeline.PaymentOrder{InputToken: "a", OutputToken: "b", Amount: "7", FromChainCAIP2: "eip155:1", ToChainCAIP2: "eip155:1"}
	p := buildPipeline(t, "u1", pipeline.StepDraft{Action: pay})

	done, err := newTestAdvancer(st, exec).Advance(ctx, p, nil)
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, []pipeline.SwapOrder{pay.AsSwap()}, exec.orders)
}

func TestAdvanceObservesCancellationBetweenSteps(t *testing.T) {
	st := store.NewMemoryStore()
	exec := &fakeExecutor{hash: "h"}
	p := buildPipeline(t, "u1", swapStep())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done, err := newTestAdvancer(st, exec).Advance(ctx, p, nil)
	require.False(t, done)
	require.True(t, xerrors.HasCode(err, xerrors.CodeInterrupted))
	require.Equal(t, 0, exec.count())
	require.Len(t, p.CurrentSteps, 1)
}

func TestAdvanceSurfacesStoreFailure(t *testing.T) {
	exec := &fakeExecutor{hash: "h"}
	p := buildPipeline(t, "u1", swapStep())
	failing := &failingSaveStore{Store: store.NewMemoryStore()}

	alerts := &recordingDispatcher{}

	done, err := newTestAdvancer(failing, exec, WithAlertDispatcher(alerts)).Advance(context.Background(), p, nil)
	require.False(t, done)
	require.ErrorIs(t, err, errSaveFailed)
	require.True(t, xerrors.HasCode(err, xerrors.CodeStorageFailure))

	e, ok := xerrors.From(err)
	require.True(t, ok)
	require.Equal(t, "h", e.Metadata()["tx_hashes"])
	require.Equal(t, p.ID.String(), e.Metadata()["pipeline_id"])
	require.Len(t, alerts.events, 1)
	require.Equal(t, xerrors.CodeStorageFailure, alerts.events[0].Code)
	require.Equal(t, "h", alerts.events[0].Metadata["tx_hashes"])
}

func TestAdvanceStoreFailureWithoutSubmissionSkipsAlert(t *testing.T) {
	exec := &fakeExecutor{hash: "h"}
	p := buildPipeline(t, "u1", swapStep(above("SOL", 1), above("BONK", 1)))
	failing := &failingSaveStore{Store: store.NewMemoryStore()}
	alerts := &recordingDispatcher{}

	_, err := newTestAdvancer(failing, exec, WithAlertDispatcher(alerts)).
		Advance(context.Background(), p, evaluator.Prices{"SOL": 2})
	require.ErrorIs(t, err, errSaveFailed)
	require.Equal(t, 0, exec.count())

	e, ok := xerrors.From(err)
	require.True(t, ok)
	require.NotContains(t, e.Metadata(), "tx_hashes")
	require.Empty(t, alerts.events)
}

func TestAdvanceTimerUsesInjectedClock(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	exec := &fakeExecutor{hash: "h"}
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	p := buildPipeline(t, "u1", swapStep(pipeline.NewCondition(pipeline.GTTimer{At: at})))
	require.NoError(t, st.Save(ctx, p))

	clock := at.Add(-time.Minute)
	ev := evaluator.New(evaluator.WithClock(func() time.Time { return clock }))
	adv := newTestAdvancer(st, exec, WithEvaluator(ev))

	done, err := adv.Advance(ctx, p, nil)
	require.NoError(t, err)
	require.False(t, done)
	require.Equal(t, 0, exec.count())

	clock = at.Add(time.Second)
	done, err = adv.Advance(ctx, p, nil)
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, 1, exec.count())
	require.Equal(t, pipeline.StatusCompleted, p.Status)
}

var errSaveFailed = errors.New("save failed")

type failingSaveStore struct {
	store.Store
}

func (f *failingSaveStore) Save(context.Context, *pipeline.Pipeline) error { return errSaveFailed }

func idStrings[T interface{ String() string }](ids []T) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
