package topology

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/attaradev/jetstream-bridge/brokertest"
	"github.com/attaradev/jetstream-bridge/config"
)

func newReconciler(t *testing.T, b *brokertest.Broker) *Reconciler {
	t.Helper()
	return New(b, zaptest.NewLogger(t), 2*time.Minute)
}

func TestEnsureCreatesStream(t *testing.T) {
	b := brokertest.New()
	r := newReconciler(t, b)

	err := r.Ensure(context.Background(), "dev-jetstream-bridge-stream",
		[]string{"api.sync.worker", "api.sync.worker.dlq"})
	require.NoError(t, err)

	info, err := b.StreamInfo("dev-jetstream-bridge-stream")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"api.sync.worker", "api.sync.worker.dlq"}, info.Config.Subjects)
	assert.Equal(t, nats.InterestPolicy, info.Config.Retention)
	assert.Equal(t, nats.FileStorage, info.Config.Storage)
	assert.Equal(t, 2*time.Minute, info.Config.Duplicates)
}

func TestEnsureIsIdempotent(t *testing.T) {
	b := brokertest.New()
	r := newReconciler(t, b)
	ctx := context.Background()
	desired := []string{"api.sync.worker"}

	require.NoError(t, r.Ensure(ctx, "s", desired))
	require.NoError(t, r.Ensure(ctx, "s", desired))
	assert.Equal(t, []string{"api.sync.worker"}, b.Subjects("s"))
}

func TestEnsureUnionsMissingSubjects(t *testing.T) {
	b := brokertest.New()
	r := newReconciler(t, b)
	ctx := context.Background()

	// The counterpart provisioned its direction first.
	require.NoError(t, r.Ensure(ctx, "s", []string{"worker.sync.api", "worker.sync.api.dlq"}))
	require.NoError(t, r.Ensure(ctx, "s", []string{"api.sync.worker", "api.sync.worker.dlq"}))

	assert.ElementsMatch(t, []string{
		"worker.sync.api", "worker.sync.api.dlq",
		"api.sync.worker", "api.sync.worker.dlq",
	}, b.Subjects("s"))
}

func TestEnsureTreatsWildcardCoverageAsPresent(t *testing.T) {
	b := brokertest.New()
	r := newReconciler(t, b)
	ctx := context.Background()

	require.NoError(t, r.Ensure(ctx, "s", []string{"api.>"}))
	require.NoError(t, r.Ensure(ctx, "s", []string{"api.sync.worker"}))

	// "api.>" already matches the concrete subject; nothing was added.
	assert.Equal(t, []string{"api.>"}, b.Subjects("s"))
}

func TestEnsureNormalizesDesired(t *testing.T) {
	b := brokertest.New()
	r := newReconciler(t, b)

	require.NoError(t, r.Ensure(context.Background(), "s",
		[]string{" api.sync.worker ", "", "api.sync.worker"}))
	assert.Equal(t, []string{"api.sync.worker"}, b.Subjects("s"))
}

func TestEnsureRejectsEmptyInput(t *testing.T) {
	b := brokertest.New()
	r := newReconciler(t, b)
	ctx := context.Background()

	err := r.Ensure(ctx, "", []string{"a.b"})
	assert.ErrorIs(t, err, config.ErrInvalid)
	err = r.Ensure(ctx, "s", []string{"", "  "})
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestCreateSkipsForeignClaims(t *testing.T) {
	b := brokertest.New()
	_, err := b.AddStream(&nats.StreamConfig{Name: "S1", Subjects: []string{"one.*"}})
	require.NoError(t, err)

	r := newReconciler(t, b)
	require.NoError(t, r.Ensure(context.Background(), "S2", []string{"one.x", "two.x"}))

	// The blocked subject is skipped without an error; the rest is claimed.
	assert.Equal(t, []string{"two.x"}, b.Subjects("S2"))
	assert.Equal(t, []string{"one.*"}, b.Subjects("S1"))
}

func TestUpdateSkipsForeignClaims(t *testing.T) {
	b := brokertest.New()
	_, err := b.AddStream(&nats.StreamConfig{Name: "other", Subjects: []string{"blocked.>"}})
	require.NoError(t, err)

	r := newReconciler(t, b)
	ctx := context.Background()
	require.NoError(t, r.Ensure(ctx, "s", []string{"mine.a"}))
	require.NoError(t, r.Ensure(ctx, "s", []string{"mine.a", "blocked.a", "mine.b"}))

	assert.ElementsMatch(t, []string{"mine.a", "mine.b"}, b.Subjects("s"))
}

func TestEnsureLeavesStreamUncreatedWhenEverythingIsBlocked(t *testing.T) {
	b := brokertest.New()
	_, err := b.AddStream(&nats.StreamConfig{Name: "other", Subjects: []string{">"}})
	require.NoError(t, err)

	r := newReconciler(t, b)
	require.NoError(t, r.Ensure(context.Background(), "s", []string{"a.b"}))

	_, err = b.StreamInfo("s")
	assert.ErrorIs(t, err, nats.ErrStreamNotFound)
}

func TestForeignEnumerationPagesThroughNames(t *testing.T) {
	b := brokertest.New()
	b.PageLimit = 1
	for _, name := range []string{"f1", "f2", "f3"} {
		_, err := b.AddStream(&nats.StreamConfig{Name: name, Subjects: []string{name + ".>"}})
		require.NoError(t, err)
	}

	r := newReconciler(t, b)
	require.NoError(t, r.Ensure(context.Background(), "s", []string{"f2.x", "mine.x"}))
	assert.Equal(t, []string{"mine.x"}, b.Subjects("s"))
}

func TestErrorClassification(t *testing.T) {
	assert.True(t, isOverlapErr(&nats.APIError{ErrorCode: 10065}))
	assert.True(t, isOverlapErr(&nats.APIError{Code: 400}))
	assert.True(t, isOverlapErr(errors.New("subjects overlap with an existing stream")))
	assert.False(t, isOverlapErr(assert.AnError))

	assert.True(t, isNotFoundErr(nats.ErrStreamNotFound))
	assert.True(t, isNotFoundErr(errors.New("nats: API error 404: stream not found")))
	assert.False(t, isNotFoundErr(assert.AnError))
}
