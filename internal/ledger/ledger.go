// Package ledger persists Transit session lifecycle events (connect,
// close, final byte counts) so the optional control API can show history
// and live status. It is observability about transit.Transit, not a
// feature of it: internal/transit never imports this package, only the
// transit.Recorder interface crosses the boundary.
package ledger

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/unicornultrafoundation/transit/internal/transit"
)

// Session is one completed or failed negotiation attempt.
type Session struct {
	ID           uint      `gorm:"primarykey" json:"id"`
	Role         string    `gorm:"not null" json:"role"`
	Description  string    `json:"description,omitempty"`
	BytesSent    int64     `json:"bytes_sent"`
	BytesRecv    int64     `json:"bytes_recv"`
	Error        string    `json:"error,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	NegotiatedAt time.Time `json:"negotiated_at,omitempty"`
	ClosedAt     time.Time `json:"closed_at,omitempty"`
}

// InitDB opens the session ledger database and runs migrations.
// Only "sqlite:///path/to/db" DSNs are accepted.
func InitDB(dsn string) (*gorm.DB, error) {
	if !strings.HasPrefix(dsn, "sqlite://") {
		return nil, fmt.Errorf("unsupported database DSN: %s (only sqlite:// supported)", dsn)
	}
	dbPath := strings.TrimPrefix(dsn, "sqlite://")
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(&Session{}); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, nil
}

// Recorder implements transit.Recorder over a GORM database, creating one
// Session row per NegotiationStarted and updating it through to close.
// One Recorder is meant to be attached to one Transit instance at a time,
// keyed by role since that instance only ever negotiates one role.
type Recorder struct {
	db *gorm.DB

	mu      sync.Mutex
	current map[transit.Role]*Session
}

func NewRecorder(db *gorm.DB) *Recorder {
	return &Recorder{db: db, current: make(map[transit.Role]*Session)}
}

func (r *Recorder) NegotiationStarted(role transit.Role) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := &Session{Role: role.String(), StartedAt: time.Now()}
	r.db.Create(s)
	r.current[role] = s
}

func (r *Recorder) ConnectionWon(role transit.Role, description string) {
	r.mu.Lock()
	s := r.current[role]
	r.mu.Unlock()
	if s == nil {
		return
	}
	s.Description = description
	s.NegotiatedAt = time.Now()
	r.db.Save(s)
}

func (r *Recorder) ConnectionFailed(role transit.Role, err error) {
	r.mu.Lock()
	s := r.current[role]
	delete(r.current, role)
	r.mu.Unlock()
	if s == nil {
		return
	}
	s.Error = err.Error()
	s.ClosedAt = time.Now()
	r.db.Save(s)
}

func (r *Recorder) RecordsExchanged(role transit.Role, sent, recv int64) {
	r.mu.Lock()
	s := r.current[role]
	delete(r.current, role)
	r.mu.Unlock()
	if s == nil {
		return
	}
	s.BytesSent = sent
	s.BytesRecv = recv
	s.ClosedAt = time.Now()
	r.db.Save(s)
}

// ListSessions returns sessions ordered newest-first, for the control
// API's history endpoint.
func ListSessions(db *gorm.DB, offset, limit int) ([]Session, error) {
	var sessions []Session
	err := db.Order("id desc").Offset(offset).Limit(limit).Find(&sessions).Error
	return sessions, err
}
