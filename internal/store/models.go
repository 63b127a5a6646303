package store

import (
	"encoding/json"
	"time"
)

// Bot is the directory record for one enrolled browser bot. Proxy
// credentials are generated at enrollment and map external caller
// authentication onto a bot identity. The config blobs are the
// bot's durable configuration: they survive reconnects and can be
// updated while the bot is offline, taking effect at the next attach.
type Bot struct {
	ID            uint   `gorm:"primarykey" json:"-"`
	Identity      string `gorm:"uniqueIndex;not null" json:"identity"`
	Name          string `gorm:"not null" json:"name"`
	UserAgent     string `json:"user_agent"`
	ProxyUsername string `gorm:"uniqueIndex;not null" json:"proxy_username"`
	ProxyPassword string `gorm:"not null" json:"-"`
	Online        bool   `gorm:"index" json:"online"`
	SwitchConfig  json.RawMessage `json:"switch_config,omitempty"`
	DataConfig    json.RawMessage `json:"data_config,omitempty"`
	LastSeenAt    time.Time `json:"last_seen_at"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// RecordingChunk is one stored audio chunk. Ordering within a session
// follows insertion order; chunks carry no sequence numbers.
type RecordingChunk struct {
	ID          uint   `gorm:"primarykey"`
	ChunkID     string `gorm:"uniqueIndex;not null"`
	SessionID   string `gorm:"index;not null"`
	BotIdentity string `gorm:"index;not null"`
	Payload     []byte
	CreatedAt   time.Time
}

// BotEvent is a persisted unsolicited event snapshot (sync blobs,
// state changes, streamed collection data).
type BotEvent struct {
	ID          uint   `gorm:"primarykey"`
	BotIdentity string `gorm:"index;not null"`
	Action      string `gorm:"index;not null"`
	Payload     []byte
	CreatedAt   time.Time
}
