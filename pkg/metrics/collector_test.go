package metrics

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/28Pollux28/kiln/pkg/models"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestInstanceCollector(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&models.Instance{}))

	exp := time.Now().UTC().Add(time.Hour)
	_, err = models.CreateInstance(db, "alice", "web/http", exp, 1, nil)
	require.NoError(t, err)
	_, err = models.CreateInstance(db, "bob", "web/http", exp, 1, nil)
	require.NoError(t, err)
	running, err := models.CreateInstance(db, "carol", "pwn/bof", exp, 1, nil)
	require.NoError(t, err)
	require.NoError(t, models.MarkRunning(db, running, "", models.ConnectionInfo{}))
	stopped, err := models.CreateInstance(db, "dave", "pwn/bof", exp, 1, nil)
	require.NoError(t, err)
	require.NoError(t, models.MarkStopping(db, stopped))
	require.NoError(t, models.MarkStopped(db, stopped, time.Now().UTC()))

	expected := `
# HELP kiln_instances Current number of instances grouped by status and challenge.
# TYPE kiln_instances gauge
kiln_instances{challenge_id="pwn/bof",status="running"} 1
kiln_instances{challenge_id="web/http",status="provisioning"} 2
`
	assert.NoError(t, testutil.CollectAndCompare(NewInstanceCollector(db), strings.NewReader(expected), "kiln_instances"))
}

type fakeQueue struct {
	n   int64
	err error
}

func (f fakeQueue) QueueLength(context.Context) (int64, error) { return f.n, f.err }

func TestQueueCollector(t *testing.T) {
	assert.Equal(t, float64(7), testutil.ToFloat64(NewQueueCollector(fakeQueue{n: 7})))

	_, err := testutil.CollectAndLint(NewQueueCollector(fakeQueue{err: errors.New("redis down")}))
	assert.Error(t, err)
}

func TestSetChallengesIndexed(t *testing.T) {
	SetChallengesIndexed(map[string]int{"web": 2, "pwn": 1})
	assert.Equal(t, 2, testutil.CollectAndCount(ChallengesIndexed))
	assert.Equal(t, float64(2), testutil.ToFloat64(ChallengesIndexed.WithLabelValues("web")))

	SetChallengesIndexed(map[string]int{"crypto": 3})
	assert.Equal(t, 1, testutil.CollectAndCount(ChallengesIndexed))
}
