package chathub

import (
	"context"
	"encoding/json"
	"time"

	"dmchat/backend/internal/logger"
	"dmchat/backend/internal/metrics"
	"dmchat/backend/internal/models"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

const pgFanoutChannel = "dmchat_fanout"

// pgNotice is the NOTIFY payload. Only ids travel; the listener reloads the
// message so payloads stay under the 8000 byte NOTIFY limit.
type pgNotice struct {
	RoomID    string           `json:"roomId"`
	Event     models.EventType `json:"event"`
	MessageID string           `json:"messageId,omitempty"`
}

// PGBroker fans out through Postgres LISTEN/NOTIFY.
type PGBroker struct {
	db       *gorm.DB
	listener *pq.Listener
	log      zerolog.Logger
}

// NewPGBroker publishes through db and listens on a dedicated lib/pq connection.
func NewPGBroker(db *gorm.DB, dsn string) *PGBroker {
	log := logger.Component("fanout").With().Str("backend", "postgres").Logger()
	listener := pq.NewListener(dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			metrics.BrokerErrors.WithLabelValues("postgres", "listener").Inc()
			log.Warn().Err(err).Int("event", int(ev)).Msg("postgres listener event")
		}
	})
	return &PGBroker{db: db, listener: listener, log: log}
}

func (b *PGBroker) Name() string { return "postgres" }

func encodeNotice(roomID string, env models.Envelope) (string, error) {
	notice := pgNotice{RoomID: roomID, Event: env.Event}
	if env.Message != nil {
		notice.MessageID = env.Message.ID
	}
	payload, err := json.Marshal(notice)
	return string(payload), err
}

func (b *PGBroker) Publish(ctx context.Context, roomID string, env models.Envelope) error {
	payload, err := encodeNotice(roomID, env)
	if err != nil {
		return err
	}
	return b.db.WithContext(ctx).Exec("SELECT pg_notify(?, ?)", pgFanoutChannel, payload).Error
}

func (b *PGBroker) Listen(ctx context.Context, deliver func(roomID string, env models.Envelope)) error {
	if err := b.listener.Listen(pgFanoutChannel); err != nil {
		return err
	}

	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ping.C:
			go func() { _ = b.listener.Ping() }()
		case n, ok := <-b.listener.Notify:
			if !ok {
				return nil
			}
			// nil after a reconnect; anything missed is recovered by clients re-fetching
			if n == nil {
				continue
			}
			env, roomID, err := b.decode(ctx, n.Extra)
			if err != nil {
				metrics.BrokerErrors.WithLabelValues(b.Name(), "decode").Inc()
				b.log.Warn().Err(err).Msg("bad fanout notice from postgres")
				continue
			}
			deliver(roomID, env)
		}
	}
}

func (b *PGBroker) decode(ctx context.Context, payload string) (models.Envelope, string, error) {
	var notice pgNotice
	if err := json.Unmarshal([]byte(payload), &notice); err != nil {
		return models.Envelope{}, "", err
	}

	env := models.Envelope{Event: notice.Event, RoomID: notice.RoomID}
	if notice.MessageID != "" {
		var msg models.Message
		err := b.db.WithContext(ctx).Preload("Sender").Where("id = ?", notice.MessageID).First(&msg).Error
		if err != nil {
			return models.Envelope{}, "", err
		}
		env.Message = &msg
	}
	return env, notice.RoomID, nil
}

func (b *PGBroker) Close() error {
	return b.listener.Close()
}
