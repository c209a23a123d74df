package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/llcraft/llcraft/internal/vm/memory"
	"github.com/llcraft/llcraft/pkg/vmerr"
)

// sessionModel is the gorm row for session metadata plus a JSON blob of
// everything else (page index, trace summary, progress log) — the VM
// session is a document, not a normalized relational record, so only the
// columns needed for listing/filtering get their own fields.
type sessionModel struct {
	ID         string `gorm:"primaryKey"`
	Task       string
	Status     string
	TotalSteps int
	LLMCalls   int
	CreatedAt  time.Time
	UpdatedAt  time.Time
	Payload    []byte // full json.Marshal(Session)
}

func (sessionModel) TableName() string { return "llcraft_sessions" }

// pageModel is a gorm row for one memory page belonging to one session.
type pageModel struct {
	SessionID  string `gorm:"primaryKey;column:session_id"`
	PageID     string `gorm:"primaryKey;column:page_id"`
	Payload    []byte
	ModifiedAt time.Time
}

func (pageModel) TableName() string { return "llcraft_pages" }

// SQLBackend persists sessions and pages through gorm, over sqlite or
// postgres depending on driver.
type SQLBackend struct {
	db *gorm.DB
}

// NewSQLBackend opens a gorm connection for driver ("sqlite" | "postgres")
// and dsn, and migrates the session/page tables.
func NewSQLBackend(driver, dsn string) (*SQLBackend, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, vmerr.New(vmerr.KindConfigInvalid, fmt.Sprintf("unsupported sql driver %q", driver)).WithOperation("new_sql_backend")
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  gormlogger.Default.LogMode(gormlogger.Warn),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindStorageFailed, err, "open sql connection").WithOperation("new_sql_backend")
	}
	if err := db.AutoMigrate(&sessionModel{}, &pageModel{}); err != nil {
		return nil, vmerr.Wrap(vmerr.KindStorageFailed, err, "migrate sql schema").WithOperation("new_sql_backend")
	}
	return &SQLBackend{db: db}, nil
}

var _ Backend = (*SQLBackend)(nil)

func (b *SQLBackend) CreateSession(ctx context.Context, task string) (*Session, error) {
	s := New(GenerateID(), task)
	if err := b.SaveSession(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (b *SQLBackend) SaveSession(ctx context.Context, s *Session) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return vmerr.Wrap(vmerr.KindSerializationFailed, err, "encode session").WithOperation("save_session")
	}
	row := sessionModel{
		ID:         s.Metadata.ID,
		Task:       s.Metadata.Task,
		Status:     string(s.Metadata.Status),
		TotalSteps: s.Metadata.TotalSteps,
		LLMCalls:   s.Metadata.LLMCalls,
		CreatedAt:  time.Unix(s.Metadata.CreatedAt, 0),
		UpdatedAt:  time.Unix(s.Metadata.UpdatedAt, 0),
		Payload:    payload,
	}
	if err := b.db.WithContext(ctx).Save(&row).Error; err != nil {
		return vmerr.Wrap(vmerr.KindStorageFailed, err, "upsert session row").WithOperation("save_session").WithContext("session_id", s.Metadata.ID)
	}
	return nil
}

func (b *SQLBackend) LoadSession(ctx context.Context, id string) (*Session, error) {
	var row sessionModel
	if err := b.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, vmerr.New(vmerr.KindStorageNotFound, "session not found").WithOperation("load_session").WithContext("session_id", id)
		}
		return nil, vmerr.Wrap(vmerr.KindStorageFailed, err, "query session row").WithOperation("load_session")
	}
	var s Session
	if err := json.Unmarshal(row.Payload, &s); err != nil {
		return nil, vmerr.Wrap(vmerr.KindSerializationFailed, err, "decode session").WithOperation("load_session")
	}
	return &s, nil
}

func (b *SQLBackend) SavePage(ctx context.Context, sessionID string, page *memory.Page) error {
	payload, err := json.Marshal(page)
	if err != nil {
		return vmerr.Wrap(vmerr.KindSerializationFailed, err, "encode page").WithOperation("save_page")
	}
	row := pageModel{SessionID: sessionID, PageID: page.ID, Payload: payload, ModifiedAt: time.Now().UTC()}
	if err := b.db.WithContext(ctx).Save(&row).Error; err != nil {
		return vmerr.Wrap(vmerr.KindStorageFailed, err, "upsert page row").WithOperation("save_page").WithContext("page_id", page.ID)
	}
	return nil
}

func (b *SQLBackend) LoadPage(ctx context.Context, sessionID, pageID string) (*memory.Page, error) {
	var row pageModel
	if err := b.db.WithContext(ctx).First(&row, "session_id = ? AND page_id = ?", sessionID, pageID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, vmerr.New(vmerr.KindPageNotFound, "page not found").WithOperation("load_page").WithContext("page_id", pageID)
		}
		return nil, vmerr.Wrap(vmerr.KindStorageFailed, err, "query page row").WithOperation("load_page")
	}
	var p memory.Page
	if err := json.Unmarshal(row.Payload, &p); err != nil {
		return nil, vmerr.Wrap(vmerr.KindSerializationFailed, err, "decode page").WithOperation("load_page")
	}
	return &p, nil
}

func (b *SQLBackend) ListSessions(ctx context.Context) ([]string, error) {
	var ids []string
	if err := b.db.WithContext(ctx).Model(&sessionModel{}).Order("created_at").Pluck("id", &ids).Error; err != nil {
		return nil, vmerr.Wrap(vmerr.KindStorageFailed, err, "list sessions").WithOperation("list_sessions")
	}
	return ids, nil
}

func (b *SQLBackend) DeleteSession(ctx context.Context, id string) error {
	if err := b.db.WithContext(ctx).Where("session_id = ?", id).Delete(&pageModel{}).Error; err != nil {
		return vmerr.Wrap(vmerr.KindStorageFailed, err, "delete pages").WithOperation("delete_session")
	}
	if err := b.db.WithContext(ctx).Delete(&sessionModel{}, "id = ?", id).Error; err != nil {
		return vmerr.Wrap(vmerr.KindStorageFailed, err, "delete session row").WithOperation("delete_session")
	}
	return nil
}

func (b *SQLBackend) SessionExists(ctx context.Context, id string) (bool, error) {
	var count int64
	if err := b.db.WithContext(ctx).Model(&sessionModel{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return false, vmerr.Wrap(vmerr.KindStorageFailed, err, "count session rows").WithOperation("session_exists")
	}
	return count > 0, nil
}
