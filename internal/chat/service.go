// Package chat holds the room and message rules: private room resolution,
// message append and paging, read flags and the per-user room directory.
package chat

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"dmchat/backend/internal/apperr"
	"dmchat/backend/internal/config"
	"dmchat/backend/internal/logger"
	"dmchat/backend/internal/metrics"
	"dmchat/backend/internal/models"
	"dmchat/backend/internal/storage"

	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

// Publisher pushes a stored message to live subscribers of its room.
// It is best-effort and must not block on slow subscribers.
type Publisher interface {
	Publish(ctx context.Context, roomID string, msg *models.Message)
}

type Options struct {
	RequestTimeout  time.Duration
	DefaultPageSize int
	MaxPageSize     int
}

func DefaultOptions() Options {
	return Options{
		RequestTimeout:  config.DefaultRequestTimeout,
		DefaultPageSize: config.DefaultPageSize,
		MaxPageSize:     config.MaxPageSize,
	}
}

type Service struct {
	store storage.Storage
	pub   Publisher
	opts  Options

	resolves singleflight.Group
	locks    *roomLocks
}

func NewService(store storage.Storage, pub Publisher, opts Options) *Service {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = config.DefaultRequestTimeout
	}
	if opts.DefaultPageSize <= 0 {
		opts.DefaultPageSize = config.DefaultPageSize
	}
	if opts.MaxPageSize < opts.DefaultPageSize {
		opts.MaxPageSize = opts.DefaultPageSize
	}
	return &Service{
		store: store,
		pub:   pub,
		opts:  opts,
		locks: newRoomLocks(),
	}
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opts.RequestTimeout)
}

// storageErr classifies a storage failure. notFound is used for missing rows.
func storageErr(err error, notFound *apperr.Error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		if notFound == nil {
			return apperr.Internal(err)
		}
		return notFound
	case errors.Is(err, storage.ErrNotParticipant), errors.Is(err, storage.ErrRoomInactive):
		return apperr.Forbidden()
	default:
		return apperr.Transient(err)
	}
}

// ResolveOrCreatePrivateRoom returns the single active private room for the
// pair, creating it when absent. Concurrent callers for the same pair inside
// this process share one lookup; across processes the unique pair key decides
// and the loser returns the winner's room.
func (s *Service) ResolveOrCreatePrivateRoom(ctx context.Context, requesterID, otherID string) (*models.Room, error) {
	otherID = strings.TrimSpace(otherID)
	if otherID == "" {
		return nil, apperr.InvalidArgument("Participant ID is required")
	}
	if otherID == requesterID {
		return nil, apperr.InvalidArgument("Cannot create room with yourself")
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if _, err := s.store.GetUserByID(ctx, otherID); err != nil {
		return nil, storageErr(err, apperr.NotFound("Participant not found"))
	}

	key := models.PrivatePairKey(requesterID, otherID)
	v, err, _ := s.resolves.Do(key, func() (interface{}, error) {
		// Shared by every waiter, so it must not die with the first caller.
		rctx, rcancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.RequestTimeout)
		defer rcancel()
		return s.resolvePair(rctx, key, requesterID, otherID)
	})
	if err != nil {
		return nil, err
	}

	room := *v.(*models.Room)
	return &room, nil
}

func (s *Service) resolvePair(ctx context.Context, key, requesterID, otherID string) (*models.Room, error) {
	room, err := s.store.FindPrivateRoom(ctx, key)
	if err == nil {
		return room, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.Transient(err)
	}

	room = &models.Room{
		RoomType: models.RoomPrivate,
		PairKey:  &key,
	}
	err = s.store.CreateRoom(ctx, room, []string{requesterID, otherID})
	switch {
	case err == nil:
		metrics.RoomsCreated.WithLabelValues(string(models.RoomPrivate)).Inc()
		logger.Info().Str("room_id", room.ID).Str("pair", key).Msg("private room created")
		created, err := s.store.GetRoomByID(ctx, room.ID)
		if err != nil {
			// Committed already; the bare row is still the right answer.
			return room, nil
		}
		return created, nil

	case errors.Is(err, gorm.ErrDuplicatedKey):
		metrics.RoomCreateConflicts.Inc()
		logger.Info().Str("pair", key).Msg("private room creation lost race, returning existing room")
		winner, err := s.store.FindPrivateRoom(ctx, key)
		if err != nil {
			return nil, apperr.Transient(err)
		}
		return winner, nil

	default:
		return nil, apperr.Transient(err)
	}
}

// CreateGroupRoom creates a named room for the creator and the given users.
func (s *Service) CreateGroupRoom(ctx context.Context, creatorID, name string, participantIDs []string) (*models.Room, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperr.InvalidArgument("Group name is required")
	}

	members := []string{creatorID}
	seen := map[string]bool{creatorID: true}
	for _, id := range participantIDs {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		members = append(members, id)
	}
	if len(members) < 2 {
		return nil, apperr.InvalidArgument("A group needs at least one other participant")
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	for _, id := range members[1:] {
		if _, err := s.store.GetUserByID(ctx, id); err != nil {
			return nil, storageErr(err, apperr.NotFound("Participant not found"))
		}
	}

	room := &models.Room{RoomType: models.RoomGroup, RoomName: name}
	if err := s.store.CreateRoom(ctx, room, members); err != nil {
		return nil, storageErr(err, nil)
	}
	metrics.RoomsCreated.WithLabelValues(string(models.RoomGroup)).Inc()

	created, err := s.store.GetRoomByID(ctx, room.ID)
	if err != nil {
		return room, nil
	}
	return created, nil
}

// DeactivateRoom logically deletes a room the caller belongs to.
func (s *Service) DeactivateRoom(ctx context.Context, callerID, roomID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.requireParticipant(ctx, roomID, callerID); err != nil {
		return err
	}
	return storageErr(s.store.DeactivateRoom(ctx, roomID), apperr.Forbidden())
}

// CanSubscribe reports whether userID may receive pushes for roomID.
func (s *Service) CanSubscribe(ctx context.Context, roomID, userID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.requireParticipant(ctx, roomID, userID)
}

func (s *Service) requireParticipant(ctx context.Context, roomID, userID string) error {
	if roomID == "" {
		return apperr.InvalidArgument("Room ID is required")
	}
	ok, err := s.store.IsParticipant(ctx, roomID, userID)
	if err != nil {
		return storageErr(err, apperr.Forbidden())
	}
	if !ok {
		return apperr.Forbidden()
	}
	return nil
}

// Append durably stores a message, then publishes the stored copy.
// Publishing happens under a per-room lock so subscribers see room order.
func (s *Service) Append(ctx context.Context, roomID, senderID, content string) (*models.Message, error) {
	if strings.TrimSpace(roomID) == "" || strings.TrimSpace(content) == "" {
		return nil, apperr.InvalidArgument("Room ID and content are required")
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	unlock := s.locks.lock(roomID)
	defer unlock()

	msg := &models.Message{
		RoomID:      roomID,
		SenderID:    senderID,
		Content:     content,
		MessageType: models.MessageTypeText,
	}
	if err := s.store.AppendMessage(ctx, msg); err != nil {
		return nil, storageErr(err, apperr.Forbidden())
	}

	roomType := models.RoomGroup
	if msg.ReceiverID != nil {
		roomType = models.RoomPrivate
	}
	metrics.MessagesAppended.WithLabelValues(string(roomType)).Inc()

	if stored, err := s.store.GetMessage(ctx, msg.ID); err == nil {
		msg = stored
	} else {
		logger.Warn().Err(err).Str("message_id", msg.ID).Msg("reload after append failed, publishing in-memory copy")
	}

	if s.pub != nil {
		s.pub.Publish(ctx, roomID, msg)
	}
	return msg, nil
}

// Rebroadcast publishes an already stored message again on behalf of its sender.
func (s *Service) Rebroadcast(ctx context.Context, senderID, roomID, messageID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return storageErr(err, apperr.NotFound("Message not found"))
	}
	if msg.RoomID != roomID || msg.SenderID != senderID {
		return apperr.Forbidden()
	}
	if s.pub != nil {
		s.pub.Publish(ctx, roomID, msg)
	}
	return nil
}

// ListPage returns one page of a room's history in ascending order.
// Page 1 holds the newest messages.
func (s *Service) ListPage(ctx context.Context, roomID, callerID string, page, pageSize int) ([]models.Message, error) {
	if page < 1 {
		return nil, apperr.InvalidArgument("page must be 1 or greater")
	}
	if pageSize <= 0 {
		pageSize = s.opts.DefaultPageSize
	}
	if pageSize > s.opts.MaxPageSize {
		pageSize = s.opts.MaxPageSize
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.requireParticipant(ctx, roomID, callerID); err != nil {
		return nil, err
	}

	// pages whose offset would overflow int lie past any real history
	if page-1 > math.MaxInt/pageSize {
		return []models.Message{}, nil
	}

	msgs, err := s.store.ListMessages(ctx, roomID, (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, storageErr(err, nil)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// MarkRead flags a received message as read. Idempotent.
func (s *Service) MarkRead(ctx context.Context, messageID, readerID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return storageErr(s.store.MarkRead(ctx, messageID, readerID), apperr.NotFound("Message not found"))
}

// ListRoomsFor returns the caller's active rooms by recent activity, with the
// per-caller unread flag filled in.
func (s *Service) ListRoomsFor(ctx context.Context, userID string) ([]models.Room, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rooms, err := s.store.ListRoomsForUser(ctx, userID)
	if err != nil {
		return nil, storageErr(err, nil)
	}
	for i := range rooms {
		last := rooms[i].LastMessage
		rooms[i].Unread = last != nil && last.SenderID != userID && !last.IsRead
	}
	return rooms, nil
}
