package queue

import "time"

// Task statuses. A task starts queued and only ever moves forward through
// claimed/processing to one of the terminal states, except for the
// failed -> queued retry transition performed by the retry policy.
const (
	StatusQueued     = "queued"
	StatusClaimed    = "claimed"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusDeadLetter = "dead_letter"
	StatusCancelled  = "cancelled"
)

// Log levels used in task_logs rows.
const (
	LogInfo  = "info"
	LogWarn  = "warn"
	LogError = "error"
)

// Task is one unit of schedulable work.
type Task struct {
	ID                  int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	Type                string     `gorm:"type:varchar(255);not null" json:"type"`
	Parameters          []byte     `gorm:"type:blob;not null" json:"parameters"`
	Priority            int        `gorm:"not null;default:0" json:"priority"`
	Status              string     `gorm:"type:varchar(16);not null;default:'queued';index" json:"status"`
	Attempts            int        `gorm:"not null;default:0" json:"attempts"`
	MaxAttempts         int        `gorm:"not null;default:5" json:"max_attempts"`
	LockedBy            *string    `gorm:"type:varchar(36);index" json:"locked_by,omitempty"`
	LeaseExpiresAt      *time.Time `gorm:"index" json:"lease_expires_at,omitempty"`
	NextRunAfter        time.Time  `gorm:"not null;index" json:"next_run_after"`
	CreatedAt           time.Time  `gorm:"not null" json:"created_at"`
	ClaimedAt           *time.Time `json:"claimed_at,omitempty"`
	ProcessingStartedAt *time.Time `json:"processing_started_at,omitempty"`
	FinishedAt          *time.Time `json:"finished_at,omitempty"`
	LastError           *string    `gorm:"type:text" json:"last_error,omitempty"`
	IdempotencyKey      *string    `gorm:"type:varchar(128);uniqueIndex" json:"idempotency_key,omitempty"`
	UpdatedAt           time.Time  `gorm:"not null" json:"updated_at"`
}

func (Task) TableName() string { return "task_queue" }

// Terminal reports whether no further automatic transition applies.
func (t *Task) Terminal() bool {
	switch t.Status {
	case StatusCompleted, StatusDeadLetter, StatusCancelled:
		return true
	}
	return false
}

// Worker is a registered executor process. Rows are upserted on every
// heartbeat; liveness is derived from HeartbeatAt, never stored.
type Worker struct {
	WorkerID      string    `gorm:"primaryKey;type:char(36)" json:"worker_id"`
	Capabilities  string    `gorm:"type:text;not null;default:''" json:"capabilities"`
	HeartbeatAt   time.Time `gorm:"not null;index" json:"heartbeat_at"`
	CurrentTaskID *int64    `json:"current_task_id,omitempty"`
	CreatedAt     time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt     time.Time `gorm:"not null" json:"updated_at"`
}

func (Worker) TableName() string { return "workers" }

// TaskLog is an append-only audit record of a task state transition.
type TaskLog struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	TaskID    int64     `gorm:"not null;index" json:"task_id"`
	Level     string    `gorm:"type:varchar(8);not null" json:"level"`
	Message   string    `gorm:"type:text;not null" json:"message"`
	Details   []byte    `gorm:"type:blob" json:"details,omitempty"`
	Timestamp time.Time `gorm:"not null;index" json:"timestamp"`
}

func (TaskLog) TableName() string { return "task_logs" }

// MigrationRecord is one row of the schema version ledger.
type MigrationRecord struct {
	Version      int64      `gorm:"primaryKey" json:"version"`
	Description  string     `gorm:"type:text;not null" json:"description"`
	Applied      bool       `gorm:"not null;default:false" json:"applied"`
	AppliedAt    *time.Time `json:"applied_at,omitempty"`
	RolledBackAt *time.Time `json:"rolled_back_at,omitempty"`
}

func (MigrationRecord) TableName() string { return "migration_history" }
