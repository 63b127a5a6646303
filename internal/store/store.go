// Package store persists the bot directory, recording chunks, and
// event snapshots behind a SQLite database. The broker core never
// touches it directly; the API layer and the recording manager consume
// it through small interfaces they define themselves.
package store

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/chromeherd/chromeherd/internal/shared/id"
)

// ErrNotFound is returned when a lookup matches no record.
var ErrNotFound = errors.New("store: not found")

// ErrBadCredentials is returned when proxy credentials do not match
// any enrolled bot.
var ErrBadCredentials = errors.New("store: bad credentials")

// DB wraps the SQLite-backed gorm handle.
type DB struct {
	db  *gorm.DB
	log *zap.Logger
}

// Open opens (or creates) the database at path and migrates the
// schema. Use ":memory:" for an ephemeral database.
func Open(path string, log *zap.Logger) (*DB, error) {
	gdb, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	if err := gdb.AutoMigrate(&Bot{}, &RecordingChunk{}, &BotEvent{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &DB{db: gdb, log: log.Named("store")}, nil
}

// Close releases the underlying connection pool.
func (d *DB) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// UpsertBot enrolls a bot on first sight and refreshes its user agent
// and last-seen time on every subsequent attach. New bots get
// generated proxy credentials.
func (d *DB) UpsertBot(ctx context.Context, identity, userAgent string) (*Bot, error) {
	var bot Bot
	err := d.db.WithContext(ctx).Where("identity = ?", identity).First(&bot).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		bot = Bot{
			Identity:      identity,
			Name:          "Unnamed Bot",
			UserAgent:     userAgent,
			ProxyUsername: id.SecureToken(24),
			ProxyPassword: id.SecureToken(32),
			Online:        true,
			LastSeenAt:    time.Now(),
		}
		if err := d.db.WithContext(ctx).Create(&bot).Error; err != nil {
			return nil, fmt.Errorf("enroll bot %s: %w", identity, err)
		}
		d.log.Info("Bot enrolled", zap.String("identity", identity))
		return &bot, nil
	case err != nil:
		return nil, fmt.Errorf("lookup bot %s: %w", identity, err)
	}

	updates := map[string]interface{}{
		"user_agent":   userAgent,
		"online":       true,
		"last_seen_at": time.Now(),
	}
	if err := d.db.WithContext(ctx).Model(&bot).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("refresh bot %s: %w", identity, err)
	}
	return &bot, nil
}

// MarkOffline records that the bot's connection dropped.
func (d *DB) MarkOffline(ctx context.Context, identity string) error {
	return d.db.WithContext(ctx).Model(&Bot{}).
		Where("identity = ?", identity).
		Updates(map[string]interface{}{"online": false, "last_seen_at": time.Now()}).Error
}

// UpdateBotConfig replaces both config blobs on the bot record. The
// bot need not be online; the new value reaches it at the next attach,
// or rides the next outbound call when the connection is live.
func (d *DB) UpdateBotConfig(ctx context.Context, identity string, switchCfg, dataCfg json.RawMessage) error {
	res := d.db.WithContext(ctx).Model(&Bot{}).
		Where("identity = ?", identity).
		Updates(map[string]interface{}{
			"switch_config": []byte(switchCfg),
			"data_config":   []byte(dataCfg),
		})
	if res.Error != nil {
		return fmt.Errorf("update config for %s: %w", identity, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetBot fetches one bot by identity.
func (d *DB) GetBot(ctx context.Context, identity string) (*Bot, error) {
	var bot Bot
	err := d.db.WithContext(ctx).Where("identity = ?", identity).First(&bot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &bot, nil
}

// ListBots returns the directory ordered by enrollment time.
func (d *DB) ListBots(ctx context.Context) ([]Bot, error) {
	var bots []Bot
	if err := d.db.WithContext(ctx).Order("created_at").Find(&bots).Error; err != nil {
		return nil, err
	}
	return bots, nil
}

// ResolveCredentials maps proxy credentials to a bot identity. The
// password check is constant-time; a username miss and a password
// mismatch are indistinguishable to the caller.
func (d *DB) ResolveCredentials(ctx context.Context, username, password string) (string, error) {
	var bot Bot
	err := d.db.WithContext(ctx).Where("proxy_username = ?", username).First(&bot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// Burn a comparison anyway to keep timing flat.
		subtle.ConstantTimeCompare([]byte(password), []byte("chromeherd-no-such-user"))
		return "", ErrBadCredentials
	}
	if err != nil {
		return "", err
	}
	if subtle.ConstantTimeCompare([]byte(bot.ProxyPassword), []byte(password)) != 1 {
		return "", ErrBadCredentials
	}
	return bot.Identity, nil
}

// SaveChunk persists one recording chunk. Satisfies the recording
// manager's sink interface.
func (d *DB) SaveChunk(ctx context.Context, identity string, session id.SessionID, chunk id.ChunkID, payload json.RawMessage) error {
	rec := RecordingChunk{
		ChunkID:     chunk.String(),
		SessionID:   session.String(),
		BotIdentity: identity,
		Payload:     []byte(payload),
	}
	return d.db.WithContext(ctx).Create(&rec).Error
}

// SessionChunks returns a session's chunks in arrival order.
func (d *DB) SessionChunks(ctx context.Context, session id.SessionID) ([]RecordingChunk, error) {
	var chunks []RecordingChunk
	err := d.db.WithContext(ctx).
		Where("session_id = ?", session.String()).
		Order("id").
		Find(&chunks).Error
	return chunks, err
}

// SaveEvent stores one unsolicited event snapshot.
func (d *DB) SaveEvent(ctx context.Context, identity, action string, payload json.RawMessage) error {
	return d.db.WithContext(ctx).Create(&BotEvent{
		BotIdentity: identity,
		Action:      action,
		Payload:     []byte(payload),
	}).Error
}

// RecentEvents returns the newest events for a bot, capped at limit.
func (d *DB) RecentEvents(ctx context.Context, identity string, limit int) ([]BotEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var events []BotEvent
	err := d.db.WithContext(ctx).
		Where("bot_identity = ?", identity).
		Order("id desc").
		Limit(limit).
		Find(&events).Error
	return events, err
}
