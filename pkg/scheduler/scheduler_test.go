package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/28Pollux28/kiln/pkg/config"
	"github.com/28Pollux28/kiln/pkg/models"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Discard,
		NowFunc:        func() time.Time { return time.Now().UTC() },
		TranslateError: true,
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&models.Instance{}))
	return db
}

type recorder struct {
	mu   sync.Mutex
	ids  []string
	seen chan string
	err  error
}

func newRecorder() *recorder { return &recorder{seen: make(chan string, 16)} }

func (r *recorder) record(id string) error {
	r.mu.Lock()
	r.ids = append(r.ids, id)
	r.mu.Unlock()
	r.seen <- id
	return r.err
}

func (r *recorder) ExpireInstance(_ context.Context, id string) error    { return r.record(id) }
func (r *recorder) ReconcileInstance(_ context.Context, id string) error { return r.record(id) }

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

func running(t *testing.T, db *gorm.DB, user string, expiresAt time.Time) *models.Instance {
	t.Helper()
	inst, err := models.CreateInstance(db, user, "web/http", expiresAt, 1, nil)
	require.NoError(t, err)
	require.NoError(t, models.MarkRunning(db, inst, "", models.ConnectionInfo{}))
	return inst
}

func TestExpiryScheduler_FiresInOrder(t *testing.T) {
	db := newTestDB(t)
	now := time.Now().UTC()
	later := running(t, db, "bob", now.Add(300*time.Millisecond))
	first := running(t, db, "alice", now.Add(100*time.Millisecond))
	running(t, db, "carol", now.Add(time.Hour))

	rec := newRecorder()
	sched := NewExpiryScheduler(db, rec, 2*time.Second, zap.NewNop().Sugar())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sched.Start(ctx)
		close(done)
	}()

	for _, want := range []string{first.ID, later.ID} {
		select {
		case id := <-rec.seen:
			assert.Equal(t, want, id)
		case <-time.After(3 * time.Second):
			t.Fatalf("expiry of %s was not dispatched", want)
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.Len(t, rec.got(), 2)
}

func TestExpiryScheduler_NotifyChangeDoesNotDeadlock(t *testing.T) {
	db := newTestDB(t)
	inst := running(t, db, "alice", time.Now().UTC().Add(time.Hour))

	sched := NewExpiryScheduler(db, newRecorder(), 2*time.Hour, zap.NewNop().Sugar())
	sched.fetchNextExpiries()
	require.Len(t, sched.upcoming, 1)

	done := make(chan struct{})
	go func() {
		sched.NotifyChange(inst.ID)
		sched.NotifyChange("unknown")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("NotifyChange blocked")
	}

	sched.mu.Lock()
	if sched.timer != nil {
		sched.timer.Stop()
	}
	sched.mu.Unlock()
}

func TestSweepExpired(t *testing.T) {
	db := newTestDB(t)
	now := time.Now().UTC()
	due := running(t, db, "alice", now.Add(-time.Minute))
	running(t, db, "bob", now.Add(time.Hour))

	rec := newRecorder()
	rec.err = errors.New("ignored")
	n, err := SweepExpired(context.Background(), db, rec, now, zap.NewNop().Sugar())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{due.ID}, rec.got())
}

func TestSweepExpired_NonUTCClock(t *testing.T) {
	db := newTestDB(t)
	now := time.Now().UTC()
	due := running(t, db, "alice", now.Add(-time.Minute))
	running(t, db, "bob", now.Add(time.Hour))

	rec := newRecorder()
	kiritimati := now.In(time.FixedZone("UTC+14", 14*60*60))
	n, err := SweepExpired(context.Background(), db, rec, kiritimati, zap.NewNop().Sugar())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{due.ID}, rec.got())
}

func TestReconciler_RunOnce(t *testing.T) {
	db := newTestDB(t)
	now := time.Now().UTC()
	cfg := config.Defaults()
	cfg.Instancer.ProvisioningGrace = time.Minute

	run := running(t, db, "alice", now.Add(time.Hour))

	fresh, err := models.CreateInstance(db, "bob", "web/http", now.Add(time.Hour), 1, nil)
	require.NoError(t, err)

	stale, err := models.CreateInstance(db, "carol", "web/http", now.Add(time.Hour), 1, nil)
	require.NoError(t, err)
	require.NoError(t, db.Model(&models.Instance{}).Where("id = ?", stale.ID).
		UpdateColumn("updated_at", now.Add(-5*time.Minute)).Error)

	stopped, err := models.CreateInstance(db, "dave", "web/http", now.Add(time.Hour), 1, nil)
	require.NoError(t, err)
	require.NoError(t, models.MarkStopping(db, stopped))
	require.NoError(t, models.MarkStopped(db, stopped, now))

	rec := newRecorder()
	r := NewReconciler(db, rec, &config.StaticProvider{Cfg: cfg}, zap.NewNop().Sugar())
	n, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{stale.ID, run.ID}, rec.got())
	assert.NotContains(t, rec.got(), fresh.ID)
}
