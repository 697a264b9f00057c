// Package sync contains the event router: it subscribes to source events on
// the bus and drives them through sanitization, identity resolution, and the
// entity store, with batching and retry on the bulk paths.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/wastore/internal/batch"
	"github.com/matheus3301/wastore/internal/bus"
	"github.com/matheus3301/wastore/internal/identity"
	"github.com/matheus3301/wastore/internal/retry"
	"github.com/matheus3301/wastore/internal/sanitize"
	"github.com/matheus3301/wastore/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// HistorySet is the payload of a bulk backfill event.
type HistorySet struct {
	Chats    []map[string]any
	Contacts []map[string]any
	Messages []map[string]any
	IsLatest bool
}

// MessageUpsert is the payload of an incremental message event.
type MessageUpsert struct {
	Records []map[string]any
	// Type distinguishes live notifications ("notify") from appended
	// history ("append"); only notifications bump unread counters.
	Type string
}

// CollectionUpdate targets one message's reaction or receipt collection.
type CollectionUpdate struct {
	Key   map[string]any
	Entry map[string]any
}

// CredsUpdate carries one serialized credential blob.
type CredsUpdate struct {
	ID   string
	Data json.RawMessage
}

// contactConcurrency bounds the per-record fan-out for contact upserts,
// which touch independent rows and can safely run in parallel.
const contactConcurrency = 8

var (
	singleRetry = retry.Options{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond}
	bulkRetry   = retry.Options{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond}
)

// Router dispatches source events for one session to the entity store.
type Router struct {
	db        *store.DB
	bus       *bus.Bus
	resolver  *identity.Resolver
	logger    *zap.Logger
	sessionID string
	tiers     []batch.Tier

	listening bool
	unsub     func()
	cancel    context.CancelFunc
}

// NewRouter creates a router for the given session. tiers may be nil to use
// the default batch volume table.
func NewRouter(db *store.DB, b *bus.Bus, resolver *identity.Resolver, logger *zap.Logger, sessionID string, tiers []batch.Tier) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		db:        db,
		bus:       b,
		resolver:  resolver,
		logger:    logger.With(zap.String("session", sessionID)),
		sessionID: sessionID,
		tiers:     tiers,
	}
}

// Listen subscribes to source events and starts processing them in arrival
// order. Calling Listen while already listening is a no-op.
func (r *Router) Listen() {
	if r.listening {
		return
	}
	r.listening = true

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	ch, unsub := r.bus.Subscribe("source.", 256)
	r.unsub = unsub

	go func() {
		for {
			select {
			case evt := <-ch:
				if evt.SessionID != r.sessionID {
					continue
				}
				r.handleEvent(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Unlisten stops processing and drops the subscription. Calling Unlisten
// while not listening is a no-op.
func (r *Router) Unlisten() {
	if !r.listening {
		return
	}
	r.listening = false
	r.cancel()
	r.unsub()
}

// Listening reports whether the router is currently subscribed.
func (r *Router) Listening() bool {
	return r.listening
}

// handleEvent dispatches one event. Errors never propagate back into the
// event source; they are logged with context and the handler returns.
func (r *Router) handleEvent(ctx context.Context, evt bus.Event) {
	var err error
	switch evt.Kind {
	case bus.KindHistorySet:
		hs, ok := evt.Payload.(*HistorySet)
		if !ok {
			return
		}
		err = r.handleHistorySet(ctx, hs)
	case bus.KindChatsUpsert:
		err = r.handleChatsUpsert(ctx, records(evt))
	case bus.KindChatsUpdate:
		err = r.handleChatsUpdate(ctx, records(evt))
	case bus.KindChatsDelete:
		ids, ok := evt.Payload.([]string)
		if !ok {
			return
		}
		err = r.handleChatsDelete(ctx, ids)
	case bus.KindContactsUpsert:
		err = r.handleContactsUpsert(ctx, records(evt))
	case bus.KindContactsUpdate:
		err = r.handleContactsUpdate(ctx, records(evt))
	case bus.KindMessagesUpsert:
		mu, ok := evt.Payload.(*MessageUpsert)
		if !ok {
			return
		}
		err = r.handleMessagesUpsert(ctx, mu)
	case bus.KindMessagesUpdate:
		err = r.handleMessagesUpdate(ctx, records(evt))
	case bus.KindMessagesDelete:
		// Deliberately not executed: stored messages are immutable.
		r.logger.Debug("ignoring message delete event")
	case bus.KindMessageReceipt:
		err = r.handleCollection(ctx, evt, "receipt")
	case bus.KindMessageReaction:
		err = r.handleCollection(ctx, evt, "reaction")
	case bus.KindCredsUpdate:
		cu, ok := evt.Payload.(*CredsUpdate)
		if !ok {
			return
		}
		r.handleCredsUpdate(ctx, cu)
	case bus.KindLoggedOut:
		err = r.db.DeleteSession(ctx, r.sessionID)
	}
	if err != nil {
		r.logger.Error("event handler failed",
			zap.String("kind", evt.Kind),
			zap.Error(err))
	}
}

func records(evt bus.Event) []map[string]any {
	recs, _ := evt.Payload.([]map[string]any)
	return recs
}

// prepareChat runs one raw chat record through the sanitizer and the
// identity resolver.
func (r *Router) prepareChat(ctx context.Context, raw map[string]any) (*store.Chat, error) {
	rec, filtered := r.clean(raw, sanitize.KindChat)
	if len(filtered) > 0 {
		r.logger.Debug("filtered unknown chat fields", zap.Strings("fields", filtered))
	}
	id, _ := rec["id"].(string)
	if id == "" {
		return nil, store.ErrMissingID
	}
	canonical, err := r.resolver.Resolve(ctx, id, rec)
	if err != nil {
		return nil, err
	}
	rec["id"] = canonical
	return store.ChatFromRecord(r.sessionID, rec)
}

func (r *Router) prepareContact(ctx context.Context, raw map[string]any) (*store.Contact, error) {
	rec, filtered := r.clean(raw, sanitize.KindContact)
	if len(filtered) > 0 {
		r.logger.Debug("filtered unknown contact fields", zap.Strings("fields", filtered))
	}
	id, _ := rec["id"].(string)
	if id == "" {
		return nil, store.ErrMissingID
	}
	canonical, err := r.resolver.Resolve(ctx, id, rec)
	if err != nil {
		return nil, err
	}
	rec["id"] = canonical
	return store.ContactFromRecord(r.sessionID, rec)
}

func (r *Router) prepareMessage(ctx context.Context, raw map[string]any) (*store.Message, error) {
	rec, filtered := r.clean(raw, sanitize.KindMessage)
	if len(filtered) > 0 {
		r.logger.Debug("filtered unknown message fields", zap.Strings("fields", filtered))
	}
	key, _ := rec["key"].(map[string]any)
	remote, _ := rec["remoteJid"].(string)
	if remote == "" && key != nil {
		remote, _ = key["remoteJid"].(string)
	}
	if remote != "" {
		canonical, err := r.resolver.Resolve(ctx, remote, key)
		if err != nil {
			return nil, err
		}
		rec["remoteJid"] = canonical
		if key != nil {
			key["remoteJid"] = canonical
		}
	}
	return store.MessageFromRecord(r.sessionID, rec)
}

func (r *Router) clean(raw map[string]any, kind sanitize.Kind) (map[string]any, []string) {
	return sanitize.Clean(raw, kind)
}

func (r *Router) handleHistorySet(ctx context.Context, hs *HistorySet) error {
	if hs.IsLatest {
		if err := r.db.WipeChats(ctx, r.sessionID); err != nil {
			return fmt.Errorf("wipe chats for history rebuild: %w", err)
		}
	}

	chats := make([]*store.Chat, 0, len(hs.Chats))
	for _, raw := range hs.Chats {
		c, err := r.prepareChat(ctx, raw)
		if err != nil {
			r.skipRecord("chat", err)
			continue
		}
		chats = append(chats, c)
	}
	contacts := make([]*store.Contact, 0, len(hs.Contacts))
	for _, raw := range hs.Contacts {
		c, err := r.prepareContact(ctx, raw)
		if err != nil {
			r.skipRecord("contact", err)
			continue
		}
		contacts = append(contacts, c)
	}
	msgs := make([]*store.Message, 0, len(hs.Messages))
	for _, raw := range hs.Messages {
		m, err := r.prepareMessage(ctx, raw)
		if err != nil {
			r.skipRecord("message", err)
			continue
		}
		msgs = append(msgs, m)
	}

	var errs []error
	plan := batch.Plan(len(chats), r.tiers)
	errs = append(errs, batch.Run(ctx, r.logger, "history chats", chats, plan, func(ctx context.Context, b []*store.Chat) error {
		return retry.Do(ctx, r.logger, "bulk upsert chats", bulkRetry, retry.Transient, func(ctx context.Context) error {
			return r.db.BulkUpsertChats(ctx, plan.Timeout, b)
		})
	}))

	cplan := batch.Plan(len(contacts), r.tiers)
	errs = append(errs, batch.Run(ctx, r.logger, "history contacts", contacts, cplan, func(ctx context.Context, b []*store.Contact) error {
		return retry.Do(ctx, r.logger, "bulk upsert contacts", bulkRetry, retry.Transient, func(ctx context.Context) error {
			return r.db.BulkUpsertContacts(ctx, cplan.Timeout, b)
		})
	}))

	mplan := batch.Plan(len(msgs), r.tiers)
	errs = append(errs, batch.Run(ctx, r.logger, "history messages", msgs, mplan, func(ctx context.Context, b []*store.Message) error {
		return retry.Do(ctx, r.logger, "bulk upsert messages", bulkRetry, retry.Transient, func(ctx context.Context) error {
			return r.db.BulkUpsertMessages(ctx, mplan.Timeout, b)
		})
	}))

	r.bus.Publish(bus.Event{
		Kind:      bus.KindHistorySynced,
		SessionID: r.sessionID,
		Timestamp: time.Now(),
		Payload: map[string]int{
			"chats":    len(chats),
			"contacts": len(contacts),
			"messages": len(msgs),
		},
	})
	return errors.Join(errs...)
}

func (r *Router) handleChatsUpsert(ctx context.Context, recs []map[string]any) error {
	var errs []error
	for _, raw := range recs {
		c, err := r.prepareChat(ctx, raw)
		if err != nil {
			r.skipRecord("chat", err)
			continue
		}
		err = retry.Do(ctx, r.logger, "upsert chat", singleRetry, retry.Transient, func(ctx context.Context) error {
			return r.db.UpsertChat(ctx, c)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("upsert chat %q: %w", c.JID, err))
			continue
		}
		r.bus.Publish(bus.Event{Kind: bus.KindChatSynced, SessionID: r.sessionID, Timestamp: time.Now(), Payload: c.JID})
	}
	return errors.Join(errs...)
}

func (r *Router) handleChatsUpdate(ctx context.Context, recs []map[string]any) error {
	var errs []error
	for _, raw := range recs {
		c, err := r.prepareChat(ctx, raw)
		if err != nil {
			r.skipRecord("chat", err)
			continue
		}
		err = retry.Do(ctx, r.logger, "update chat", singleRetry, retry.Transient, func(ctx context.Context) error {
			// Fall back to create so an update racing ahead of its
			// upsert is not lost.
			return r.db.UpdateChat(ctx, c, false)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("update chat %q: %w", c.JID, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Router) handleChatsDelete(ctx context.Context, ids []string) error {
	jids := make([]string, 0, len(ids))
	for _, id := range ids {
		canonical, err := r.resolver.Resolve(ctx, id, nil)
		if err != nil {
			r.skipRecord("chat delete", err)
			continue
		}
		jids = append(jids, canonical)
	}
	return r.db.DeleteChats(ctx, r.sessionID, jids)
}

func (r *Router) handleContactsUpsert(ctx context.Context, recs []map[string]any) error {
	// Contacts are independent rows; upsert them concurrently.
	g := new(errgroup.Group)
	g.SetLimit(contactConcurrency)
	for _, raw := range recs {
		g.Go(func() error {
			c, err := r.prepareContact(ctx, raw)
			if err != nil {
				r.skipRecord("contact", err)
				return nil
			}
			err = retry.Do(ctx, r.logger, "upsert contact", singleRetry, retry.Transient, func(ctx context.Context) error {
				return r.db.UpsertContact(ctx, c)
			})
			if err != nil {
				return fmt.Errorf("upsert contact %q: %w", c.JID, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (r *Router) handleContactsUpdate(ctx context.Context, recs []map[string]any) error {
	var errs []error
	for _, raw := range recs {
		c, err := r.prepareContact(ctx, raw)
		if err != nil {
			r.skipRecord("contact", err)
			continue
		}
		if err := r.db.UpdateContact(ctx, c, false); err != nil {
			errs = append(errs, fmt.Errorf("update contact %q: %w", c.JID, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Router) handleMessagesUpsert(ctx context.Context, mu *MessageUpsert) error {
	var errs []error
	for _, raw := range mu.Records {
		m, err := r.prepareMessage(ctx, raw)
		if err != nil {
			r.skipRecord("message", err)
			continue
		}
		err = retry.Do(ctx, r.logger, "upsert message", singleRetry, retry.Transient, func(ctx context.Context) error {
			return r.db.UpsertMessage(ctx, m)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("upsert message %q: %w", m.MsgID, err))
			continue
		}

		r.bus.Publish(bus.Event{Kind: bus.KindMessageSynced, SessionID: r.sessionID, Timestamp: time.Now(), Payload: m.MsgID})
		r.emitDerivedChat(ctx, m, mu.Type)
	}
	return errors.Join(errs...)
}

// emitDerivedChat synthesizes a chat-upsert event when a message arrives for
// a conversation with no chat row yet, keeping the chat set consistent
// without requiring the source to emit one explicitly.
func (r *Router) emitDerivedChat(ctx context.Context, m *store.Message, upsertType string) {
	_, err := r.db.GetChat(ctx, r.sessionID, m.RemoteJID)
	if err == nil {
		return
	}
	if !errors.Is(err, store.ErrNotFound) {
		r.logger.Warn("chat existence check failed", zap.String("jid", m.RemoteJID), zap.Error(err))
		return
	}

	rec := map[string]any{
		"id":                    m.RemoteJID,
		"conversationTimestamp": m.MessageTimestamp,
	}
	if upsertType == "notify" && !m.FromMe {
		rec["unreadCount"] = int64(1)
	}
	r.logger.Info("synthesizing chat for unknown conversation", zap.String("jid", m.RemoteJID))
	r.bus.Publish(bus.Event{
		Kind:      bus.KindChatsUpsert,
		SessionID: r.sessionID,
		Timestamp: time.Now(),
		Payload:   []map[string]any{rec},
	})
}

func (r *Router) handleMessagesUpdate(ctx context.Context, recs []map[string]any) error {
	var errs []error
	for _, raw := range recs {
		m, err := r.prepareMessage(ctx, raw)
		if err != nil {
			r.skipRecord("message", err)
			continue
		}
		err = retry.Do(ctx, r.logger, "update message", singleRetry, retry.Transient, func(ctx context.Context) error {
			return r.db.UpdateMessage(ctx, m, true)
		})
		if errors.Is(err, store.ErrNotFound) {
			// Expected: update for a message this store has not seen.
			r.logger.Info("skipping update for unknown message",
				zap.String("jid", m.RemoteJID), zap.String("msg_id", m.MsgID))
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("update message %q: %w", m.MsgID, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Router) handleCollection(ctx context.Context, evt bus.Event, what string) error {
	cu, ok := evt.Payload.(*CollectionUpdate)
	if !ok {
		return nil
	}
	key, _ := sanitize.Clean(cu.Key, sanitize.KindMessage)
	msgID, _ := key["id"].(string)
	remote, _ := key["remoteJid"].(string)
	if msgID == "" || remote == "" {
		r.skipRecord(what, store.ErrMissingID)
		return nil
	}
	canonical, err := r.resolver.Resolve(ctx, remote, key)
	if err != nil {
		return err
	}

	merge := r.db.MergeReceiptInto
	if what == "reaction" {
		merge = r.db.MergeReactionInto
	}
	err = retry.Do(ctx, r.logger, "merge "+what, singleRetry, retry.Transient, func(ctx context.Context) error {
		return merge(ctx, r.sessionID, canonical, msgID, cu.Entry)
	})
	if errors.Is(err, store.ErrNotFound) {
		r.logger.Info("skipping "+what+" for unknown message",
			zap.String("jid", canonical), zap.String("msg_id", msgID))
		return nil
	}
	return err
}

// handleCredsUpdate persists a credential blob. A blob that cannot
// round-trip through serialization is logged and skipped, never retried.
func (r *Router) handleCredsUpdate(ctx context.Context, cu *CredsUpdate) {
	id := cu.ID
	if id == "" {
		id = store.CredsID
	}
	err := r.db.UpsertCredential(ctx, &store.Credential{
		SessionID: r.sessionID,
		ID:        id,
		Data:      cu.Data,
	})
	if err != nil {
		r.logger.Warn("skipping credential write", zap.String("id", id), zap.Error(err))
	}
}

func (r *Router) skipRecord(what string, err error) {
	if errors.Is(err, store.ErrMissingID) {
		r.logger.Warn("skipping "+what+" record without id")
		return
	}
	r.logger.Warn("skipping malformed "+what+" record", zap.Error(err))
}
