package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	StatusProvisioning = "provisioning"
	StatusRunning      = "running"
	StatusStopping     = "stopping"
	StatusStopped      = "stopped"
	StatusFailed       = "failed"
)

var (
	ErrNotFound             = errors.New("instance not found")
	ErrActiveInstanceExists = errors.New("an active instance already exists for this user and challenge")
	ErrStaleStatus          = errors.New("instance status changed concurrently")
	ErrNoExpiry             = errors.New("instance has no expiration time")
	ErrExtensionWindow      = errors.New("cannot extend: extension window not reached")
	ErrAlreadyExpired       = errors.New("instance already expired")
	ErrNoExtensionsLeft     = errors.New("no time extensions left")
)

// LiveStatuses are the statuses covered by the one-instance-per-user-and-challenge rule.
var LiveStatuses = []string{StatusProvisioning, StatusRunning}

// ConnectionInfo is what a user needs to reach their instance.
type ConnectionInfo struct {
	SSHCommand string `json:"sshCommand"`
	Password   string `json:"password"`
	HTTPURL    string `json:"httpUrl"`
}

// Instance is a container provisioned for one user and one challenge.
// Terminal records (stopped, failed) are kept for history.
type Instance struct {
	ID                string         `gorm:"primaryKey;size:36"`
	UserID            string         `gorm:"size:64;not null;index;uniqueIndex:idx_instances_active,where:status = 'provisioning' OR status = 'running'"`
	ChallengeID       string         `gorm:"size:191;not null;uniqueIndex:idx_instances_active"`
	Status            string         `gorm:"size:16;not null;index"`
	TaskRef           string         `gorm:"size:191"`
	ConnectionInfo    datatypes.JSON `json:"-"`
	ExpiresAt         *time.Time     `gorm:"index"`
	TimeExtensionLeft int
	StartAttempts     int
	LastError         string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// IsLive reports whether the instance counts towards the per-user uniqueness rule.
func (i *Instance) IsLive() bool {
	return i.Status == StatusProvisioning || i.Status == StatusRunning
}

// IsTerminal reports whether the instance reached an end state.
func (i *Instance) IsTerminal() bool {
	return i.Status == StatusStopped || i.Status == StatusFailed
}

// Connection decodes the stored connection info. It returns nil when none is set.
func (i *Instance) Connection() *ConnectionInfo {
	if len(i.ConnectionInfo) == 0 || string(i.ConnectionInfo) == "null" {
		return nil
	}
	var ci ConnectionInfo
	if err := json.Unmarshal(i.ConnectionInfo, &ci); err != nil {
		return nil
	}
	return &ci
}

// RefFunc names the orchestrator task of a not yet started instance.
type RefFunc func(instanceID string) string

// CreateInstance inserts a provisioning record whose task ref comes from
// refFor, or a "task-<id>" placeholder when refFor is nil or yields nothing.
// A live instance for the same user and challenge makes the insert fail with
// ErrActiveInstanceExists.
func CreateInstance(db *gorm.DB, userID, challengeID string, expiresAt time.Time, maxExtensions int, refFor RefFunc) (*Instance, error) {
	id := uuid.NewString()
	ref := ""
	if refFor != nil {
		ref = refFor(id)
	}
	if ref == "" {
		ref = "task-" + id
	}
	inst := &Instance{
		ID:                id,
		UserID:            userID,
		ChallengeID:       challengeID,
		Status:            StatusProvisioning,
		TaskRef:           ref,
		ExpiresAt:         &expiresAt,
		TimeExtensionLeft: maxExtensions,
	}
	if err := db.Create(inst).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrActiveInstanceExists
		}
		return nil, err
	}
	return inst, nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "duplicate key")
}

// GetActiveInstance returns the provisioning or running instance of a user for a challenge.
func GetActiveInstance(db *gorm.DB, userID, challengeID string) (*Instance, error) {
	var inst Instance
	result := db.Where("user_id = ? AND challenge_id = ? AND status IN ?", userID, challengeID, LiveStatuses).
		Limit(1).Find(&inst)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return &inst, nil
}

// GetInstance loads an instance by id. lock adds FOR UPDATE where the dialect supports it.
func GetInstance(db *gorm.DB, id string, lock bool) (*Instance, error) {
	q := db
	if lock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var inst Instance
	result := q.Where("id = ?", id).Limit(1).Find(&inst)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return &inst, nil
}

// GetInstanceForUser loads an instance only if userID owns it. Missing and
// foreign instances both yield ErrNotFound.
func GetInstanceForUser(db *gorm.DB, id, userID string) (*Instance, error) {
	var inst Instance
	result := db.Where("id = ? AND user_id = ?", id, userID).Limit(1).Find(&inst)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return &inst, nil
}

// ListInstancesForUser returns a user's instances, newest first.
func ListInstancesForUser(db *gorm.DB, userID string, liveOnly bool) ([]Instance, error) {
	q := db.Where("user_id = ?", userID)
	if liveOnly {
		q = q.Where("status IN ?", LiveStatuses)
	}
	var out []Instance
	err := q.Order("created_at DESC").Find(&out).Error
	return out, err
}

// ListInstances returns all instances, optionally filtered by status.
func ListInstances(db *gorm.DB, status string) ([]Instance, error) {
	q := db.Model(&Instance{})
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var out []Instance
	err := q.Order("created_at DESC").Find(&out).Error
	return out, err
}

// ListExpiringInstances returns live instances whose expiry falls before deadline.
// Timestamps are stored in UTC and SQLite compares them as text, so the
// deadline is converted first.
func ListExpiringInstances(db *gorm.DB, deadline time.Time) ([]Instance, error) {
	var out []Instance
	err := db.Where("status IN ? AND expires_at IS NOT NULL AND expires_at <= ?", LiveStatuses, deadline.UTC()).
		Order("expires_at ASC").
		Find(&out).Error
	return out, err
}

// ListStaleInstances returns instances in status that were last touched before cutoff.
func ListStaleInstances(db *gorm.DB, status string, cutoff time.Time) ([]Instance, error) {
	var out []Instance
	err := db.Where("status = ? AND updated_at <= ?", status, cutoff.UTC()).
		Order("updated_at ASC").
		Find(&out).Error
	return out, err
}

// transition moves inst from its current status to "to" only if nobody changed
// the status in between. fields are written in the same statement.
func transition(db *gorm.DB, inst *Instance, to string, fields map[string]interface{}) error {
	from := inst.Status
	updates := map[string]interface{}{"status": to}
	for k, v := range fields {
		updates[k] = v
	}
	result := db.Model(&Instance{}).
		Where("id = ? AND status = ?", inst.ID, from).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s expected %s", ErrStaleStatus, inst.ID, from)
	}
	inst.Status = to
	return nil
}

// MarkRunning records a successful activation.
func MarkRunning(db *gorm.DB, inst *Instance, taskRef string, conn ConnectionInfo) error {
	raw, err := json.Marshal(conn)
	if err != nil {
		return fmt.Errorf("encode connection info: %w", err)
	}
	if taskRef == "" {
		taskRef = inst.TaskRef
	}
	if err := transition(db, inst, StatusRunning, map[string]interface{}{
		"task_ref":        taskRef,
		"connection_info": datatypes.JSON(raw),
		"last_error":      "",
	}); err != nil {
		return err
	}
	inst.TaskRef = taskRef
	inst.ConnectionInfo = raw
	inst.LastError = ""
	return nil
}

// RecordStartFailure counts a failed activation attempt without changing the status.
func RecordStartFailure(db *gorm.DB, inst *Instance, cause error) error {
	msg := cause.Error()
	result := db.Model(&Instance{}).
		Where("id = ? AND status = ?", inst.ID, StatusProvisioning).
		Updates(map[string]interface{}{
			"start_attempts": gorm.Expr("start_attempts + 1"),
			"last_error":     msg,
		})
	if result.Error != nil {
		return result.Error
	}
	inst.StartAttempts++
	inst.LastError = msg
	return nil
}

// MarkStopping moves a live instance to stopping.
func MarkStopping(db *gorm.DB, inst *Instance) error {
	return transition(db, inst, StatusStopping, nil)
}

// MarkStopped finishes a termination: connection info is cleared and the
// expiry is set to the moment of termination.
func MarkStopped(db *gorm.DB, inst *Instance, at time.Time) error {
	if err := transition(db, inst, StatusStopped, map[string]interface{}{
		"connection_info": nil,
		"expires_at":      at,
	}); err != nil {
		return err
	}
	inst.ConnectionInfo = nil
	inst.ExpiresAt = &at
	return nil
}

// MarkFailed moves an instance to the failed end state.
func MarkFailed(db *gorm.DB, inst *Instance, reason string, at time.Time) error {
	if err := transition(db, inst, StatusFailed, map[string]interface{}{
		"connection_info": nil,
		"expires_at":      at,
		"last_error":      reason,
	}); err != nil {
		return err
	}
	inst.ConnectionInfo = nil
	inst.ExpiresAt = &at
	inst.LastError = reason
	return nil
}

// ExtendInstanceExpiration pushes the expiry of a running instance back by extension.
// maxExtensions of -1 means unlimited.
func ExtendInstanceExpiration(db *gorm.DB, inst *Instance, now time.Time, extension, extensionWindow time.Duration, maxExtensions int) error {
	if inst.ExpiresAt == nil {
		return ErrNoExpiry
	}
	timeLeft := inst.ExpiresAt.Sub(now)
	if timeLeft <= 0 {
		return ErrAlreadyExpired
	}
	if timeLeft > extensionWindow {
		return ErrExtensionWindow
	}

	left := inst.TimeExtensionLeft
	if maxExtensions > -1 {
		if left == -1 {
			left = maxExtensions
		}
		if left <= 0 {
			return ErrNoExtensionsLeft
		}
		left--
	}

	newExpiry := inst.ExpiresAt.Add(extension)
	result := db.Model(&Instance{}).
		Where("id = ? AND status = ? AND time_extension_left = ?", inst.ID, StatusRunning, inst.TimeExtensionLeft).
		Updates(map[string]interface{}{
			"expires_at":          newExpiry,
			"time_extension_left": left,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStaleStatus
	}
	inst.ExpiresAt = &newExpiry
	inst.TimeExtensionLeft = left
	return nil
}
