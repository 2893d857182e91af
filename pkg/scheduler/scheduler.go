package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/28Pollux28/kiln/pkg/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Expirer terminates an instance whose expiry has passed. Implementations
// must skip instances that were extended in the meantime.
type Expirer interface {
	ExpireInstance(ctx context.Context, instanceID string) error
}

// ExpiryScheduler arms a timer for the earliest expiry within lookahead and
// refetches every lookahead/2.
type ExpiryScheduler struct {
	db             *gorm.DB
	expirer        Expirer
	timer          *time.Timer
	mu             sync.Mutex
	lookahead      time.Duration
	upcoming       []models.Instance
	rescheduleChan chan struct{}
	wg             sync.WaitGroup // ongoing expiries
	stopped        bool
	ctx            context.Context
	l              *zap.SugaredLogger
}

func NewExpiryScheduler(db *gorm.DB, expirer Expirer, lookahead time.Duration, logger *zap.SugaredLogger) *ExpiryScheduler {
	if lookahead <= 0 {
		lookahead = time.Minute
	}
	return &ExpiryScheduler{
		db:             db,
		expirer:        expirer,
		lookahead:      lookahead,
		rescheduleChan: make(chan struct{}, 1),
		ctx:            context.Background(),
		l:              logger,
	}
}

func (s *ExpiryScheduler) Start(ctx context.Context) {
	s.l.Debug("starting expiry scheduler")
	s.mu.Lock()
	// In-flight expiries finish even when shutdown starts.
	s.ctx = context.WithoutCancel(ctx)
	s.mu.Unlock()
	s.fetchNextExpiries()

	ticker := time.NewTicker(s.lookahead / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.stopped = true
			if s.timer != nil {
				s.timer.Stop()
			}
			s.mu.Unlock()
			s.wg.Wait()
			return

		case <-ticker.C:
			s.fetchNextExpiries()

		case <-s.rescheduleChan:
			s.nextExpiry()
		}
	}
}

func (s *ExpiryScheduler) fetchNextExpiries() {
	s.l.Debug("fetching upcoming expirations")
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}

	insts, err := models.ListExpiringInstances(s.db, time.Now().UTC().Add(s.lookahead))
	if err != nil {
		s.l.Errorf("failed to fetch upcoming expirations: %v", err)
		return
	}
	s.upcoming = insts
	s.armLocked()
}

func (s *ExpiryScheduler) nextExpiry() {
	s.l.Debug("rescheduling expiry")
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.armLocked()
}

// armLocked sets the timer for the head of upcoming. s.mu must be held.
func (s *ExpiryScheduler) armLocked() {
	if len(s.upcoming) == 0 {
		return
	}
	next := s.upcoming[0]
	s.l.Debugf("scheduling expiry for instance %s at %s", next.ID, next.ExpiresAt)
	delay := time.Until(*next.ExpiresAt)
	if delay < 0 {
		delay = 0
	}
	s.timer = time.AfterFunc(delay, func() {
		s.handleExpiry(next.ID)
	})
}

func (s *ExpiryScheduler) handleExpiry(instanceID string) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.removeFromUpcoming(instanceID)
	ctx := s.ctx
	s.mu.Unlock()
	defer s.wg.Done()

	s.l.Debugf("handling expiry for instance %s", instanceID)
	// Arm the next timer before the (possibly slow) termination.
	s.triggerReschedule()

	if err := s.expirer.ExpireInstance(ctx, instanceID); err != nil {
		s.l.Errorf("failed to expire instance %s: %v", instanceID, err)
	}
}

func (s *ExpiryScheduler) removeFromUpcoming(instanceID string) {
	for i, inst := range s.upcoming {
		if inst.ID == instanceID {
			s.upcoming = append(s.upcoming[:i], s.upcoming[i+1:]...)
			return
		}
	}
}

func (s *ExpiryScheduler) triggerReschedule() {
	select {
	case s.rescheduleChan <- struct{}{}:
	default:
	}
}

// NotifyChange refetches when an upcoming instance had its expiry moved.
func (s *ExpiryScheduler) NotifyChange(instanceID string) {
	s.mu.Lock()
	found := false
	for _, inst := range s.upcoming {
		if inst.ID == instanceID {
			found = true
			break
		}
	}
	s.mu.Unlock()

	if found {
		s.fetchNextExpiries()
	}
}

// SweepExpired expires every live instance whose expiry is at or before now.
// It returns how many instances were handed to the expirer.
func SweepExpired(ctx context.Context, db *gorm.DB, expirer Expirer, now time.Time, logger *zap.SugaredLogger) (int, error) {
	insts, err := models.ListExpiringInstances(db, now)
	if err != nil {
		return 0, err
	}
	for _, inst := range insts {
		if err := expirer.ExpireInstance(ctx, inst.ID); err != nil {
			logger.Errorf("failed to expire instance %s: %v", inst.ID, err)
		}
	}
	return len(insts), nil
}
