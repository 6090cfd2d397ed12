package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/example/storefront/internal/models"
	"github.com/example/storefront/internal/utils"
)

const (
	reminderItemLimit = 5
	sweepBatchSize    = 500
)

// Messenger delivers a chat message to a user.
type Messenger interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// SweepReport summarises one sweep pass.
type SweepReport struct {
	Scanned int
	Sent    int
	Blocked int
	Failed  int
	Skipped int
}

// AbandonmentSweep reminds users about carts they left untouched.
type AbandonmentSweep struct {
	db         *gorm.DB
	messenger  Messenger
	limiter    *rate.Limiter
	staleAfter time.Duration
	batchSize  int
	now        func() time.Time
	log        *zap.Logger
}

func NewAbandonmentSweep(db *gorm.DB, messenger Messenger, staleAfter, sendDelay time.Duration, log *zap.Logger) *AbandonmentSweep {
	limit := rate.Inf
	if sendDelay > 0 {
		limit = rate.Every(sendDelay)
	}
	return &AbandonmentSweep{
		db:         db,
		messenger:  messenger,
		limiter:    rate.NewLimiter(limit, 1),
		staleAfter: staleAfter,
		batchSize:  sweepBatchSize,
		now:        time.Now,
		log:        log,
	}
}

// Start runs a sweep every interval until ctx is done.
func (s *AbandonmentSweep) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		s.log.Warn("abandonment sweep disabled", zap.Duration("interval", interval))
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info("abandonment sweep started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			s.log.Info("abandonment sweep stopped")
			return
		case <-ticker.C:
			report, err := s.Run(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.log.Error("abandonment sweep failed", zap.Error(err))
				continue
			}
			if report.Scanned > 0 {
				s.log.Info("abandonment sweep finished",
					zap.Int("scanned", report.Scanned),
					zap.Int("sent", report.Sent),
					zap.Int("blocked", report.Blocked),
					zap.Int("failed", report.Failed),
					zap.Int("skipped", report.Skipped))
			}
		}
	}
}

// Run sends one reminder per stale, unreminded cart of a non-banned user. Carts are read in
// pages ordered by (last_synced_at, id) until none are left, so carts that keep failing
// never hide newer ones. A failed send leaves the cart for the next pass.
func (s *AbandonmentSweep) Run(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	cutoff := s.now().UTC().Add(-s.staleAfter)

	var after *models.CartSession
	for {
		page, err := s.stalePage(ctx, cutoff, after)
		if err != nil {
			return report, err
		}
		for i := range page {
			if err := s.remind(ctx, &page[i], &report); err != nil {
				return report, err
			}
		}
		if len(page) < s.batchSize {
			return report, nil
		}
		after = &page[len(page)-1]
	}
}

func (s *AbandonmentSweep) stalePage(ctx context.Context, cutoff time.Time, after *models.CartSession) ([]models.CartSession, error) {
	q := s.db.WithContext(ctx).
		Select("cart_sessions.*").
		Joins("JOIN users ON users.id = cart_sessions.user_id").
		Where("cart_sessions.reminder_sent = ? AND cart_sessions.last_synced_at < ? AND users.is_banned = ?",
			false, cutoff, false)
	if after != nil {
		q = q.Where("(cart_sessions.last_synced_at > ? OR (cart_sessions.last_synced_at = ? AND cart_sessions.id > ?))",
			after.LastSyncedAt, after.LastSyncedAt, after.ID)
	}

	var sessions []models.CartSession
	if err := q.Preload("User").
		Order("cart_sessions.last_synced_at asc, cart_sessions.id asc").
		Limit(s.batchSize).
		Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("select stale carts: %w", err)
	}
	return sessions, nil
}

// remind handles one cart. Only a cancelled context or a disabled messenger abort the pass.
func (s *AbandonmentSweep) remind(ctx context.Context, session *models.CartSession, report *SweepReport) error {
	report.Scanned++

	var items []models.CartItem
	if err := json.Unmarshal(session.Items, &items); err != nil || len(items) == 0 || session.User == nil {
		// Nothing can be sent for this version of the cart; a content change re-arms it.
		s.log.Warn("cart has nothing to remind about",
			zap.String("cart_id", session.ID.String()), zap.NamedError("decode_error", err))
		report.Skipped++
		s.mark(ctx, session)
		return nil
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	err := s.messenger.SendMessage(ctx, session.User.TelegramID, reminderText(items, session.Total))
	switch {
	case err == nil:
		report.Sent++
	case errors.Is(err, ErrBotBlocked):
		report.Blocked++
	case errors.Is(err, ErrMessengerDisabled), errors.Is(err, context.Canceled):
		return fmt.Errorf("send cart reminder: %w", err)
	default:
		s.log.Warn("cart reminder not sent",
			zap.String("user_id", session.UserID.String()), zap.Error(err))
		report.Failed++
		return nil
	}

	s.mark(ctx, session)
	return nil
}

func (s *AbandonmentSweep) mark(ctx context.Context, session *models.CartSession) {
	if err := s.markReminded(ctx, session); err != nil {
		s.log.Error("cart reminder not marked", zap.String("cart_id", session.ID.String()), zap.Error(err))
	}
}

// markReminded flags the cart version the message described; a cart edited meanwhile stays eligible.
func (s *AbandonmentSweep) markReminded(ctx context.Context, session *models.CartSession) error {
	return s.db.WithContext(ctx).Model(&models.CartSession{}).
		Where("id = ? AND version = ? AND reminder_sent = ?", session.ID, session.Version, false).
		Updates(map[string]any{
			"reminder_sent":    true,
			"reminder_sent_at": s.now().UTC(),
		}).Error
}

func reminderText(items []models.CartItem, total int64) string {
	var b strings.Builder
	b.WriteString("🛒 <b>Вы оставили товары в корзине</b>\n\n")

	for i, item := range items {
		if i == reminderItemLimit {
			fmt.Fprintf(&b, "…и ещё %d\n", len(items)-reminderItemLimit)
			break
		}
		fmt.Fprintf(&b, "• %s × %d — %s\n",
			html.EscapeString(item.ProductName),
			item.Quantity,
			utils.FormatRub(item.Price*int64(item.Quantity)))
	}

	fmt.Fprintf(&b, "\n<b>Итого:</b> %s\n", utils.FormatRub(total))
	b.WriteString("Оформите заказ, пока товары в наличии!")
	return b.String()
}
