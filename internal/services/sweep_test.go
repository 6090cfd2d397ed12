package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/example/storefront/internal/models"
	"github.com/example/storefront/internal/testutil"
)

type sentMessage struct {
	chatID int64
	text   string
}

type fakeMessenger struct {
	mu    sync.Mutex
	sent  []sentMessage
	fails map[int64]error
}

func (m *fakeMessenger) SendMessage(_ context.Context, chatID int64, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fails[chatID]; err != nil {
		return err
	}
	m.sent = append(m.sent, sentMessage{chatID: chatID, text: text})
	return nil
}

type sweepFixture struct {
	db        *gorm.DB
	carts     *CartService
	sweep     *AbandonmentSweep
	messenger *fakeMessenger
	now       time.Time
}

func newSweepFixture(t *testing.T) *sweepFixture {
	db := testutil.NewDB(t)
	messenger := &fakeMessenger{fails: map[int64]error{}}
	now := time.Now().UTC()

	sweep := NewAbandonmentSweep(db, messenger, time.Hour, 0, zap.NewNop())
	sweep.now = func() time.Time { return now }

	return &sweepFixture{
		db:        db,
		carts:     NewCartService(db, zap.NewNop()),
		sweep:     sweep,
		messenger: messenger,
		now:       now,
	}
}

// syncAt stores items as the user's cart as of age ago.
func (f *sweepFixture) syncAt(t *testing.T, userID uuid.UUID, age time.Duration, items []models.CartItem) {
	t.Helper()
	f.carts.now = func() time.Time { return f.now.Add(-age) }
	_, err := f.carts.Sync(context.Background(), userID, items, cartTotal(items))
	require.NoError(t, err)
}

func (f *sweepFixture) session(t *testing.T, userID uuid.UUID) *models.CartSession {
	t.Helper()
	session, ok, err := f.carts.Get(context.Background(), userID)
	require.NoError(t, err)
	require.True(t, ok)
	return session
}

func TestSweepRemindsOnce(t *testing.T) {
	f := newSweepFixture(t)
	user := testutil.CreateUser(t, f.db, 1001, 0)
	f.syncAt(t, user.ID, 90*time.Minute, cartItems("Netflix"))

	report, err := f.sweep.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Scanned)
	assert.Equal(t, 1, report.Sent)
	require.Len(t, f.messenger.sent, 1)
	assert.Equal(t, int64(1001), f.messenger.sent[0].chatID)
	assert.Contains(t, f.messenger.sent[0].text, "Netflix")

	session := f.session(t, user.ID)
	assert.True(t, session.ReminderSent)
	assert.NotNil(t, session.ReminderSentAt)

	report, err = f.sweep.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Scanned)
	assert.Len(t, f.messenger.sent, 1)
}

func TestSweepSkipsFreshAndBannedCarts(t *testing.T) {
	f := newSweepFixture(t)
	fresh := testutil.CreateUser(t, f.db, 1, 0)
	banned := testutil.CreateUser(t, f.db, 2, 0)
	require.NoError(t, f.db.Model(banned).Update("is_banned", true).Error)

	f.syncAt(t, fresh.ID, 10*time.Minute, cartItems("Netflix"))
	f.syncAt(t, banned.ID, 3*time.Hour, cartItems("Netflix"))

	report, err := f.sweep.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Scanned)
	assert.Empty(t, f.messenger.sent)
	assert.False(t, f.session(t, banned.ID).ReminderSent)
}

func TestSweepDeliveryFailures(t *testing.T) {
	f := newSweepFixture(t)
	blocked := testutil.CreateUser(t, f.db, 1, 0)
	flaky := testutil.CreateUser(t, f.db, 2, 0)
	fine := testutil.CreateUser(t, f.db, 3, 0)

	f.messenger.fails[1] = fmt.Errorf("%w: forbidden", ErrBotBlocked)
	f.messenger.fails[2] = errors.New("telegram returned status 502")

	for _, u := range []*models.User{blocked, flaky, fine} {
		f.syncAt(t, u.ID, 2*time.Hour, cartItems("Netflix"))
	}

	report, err := f.sweep.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Scanned: 3, Sent: 1, Blocked: 1, Failed: 1}, report)

	assert.True(t, f.session(t, blocked.ID).ReminderSent)
	assert.False(t, f.session(t, flaky.ID).ReminderSent)
	assert.True(t, f.session(t, fine.ID).ReminderSent)

	// The transient failure is retried on the next pass.
	delete(f.messenger.fails, 2)
	report, err = f.sweep.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Scanned: 1, Sent: 1}, report)
	assert.True(t, f.session(t, flaky.ID).ReminderSent)
}

func TestSweepReachesCartsBehindFailingOnes(t *testing.T) {
	f := newSweepFixture(t)
	f.sweep.batchSize = 2

	// Five older carts whose owners keep failing with a transient error fill more than two pages.
	for i := int64(1); i <= 5; i++ {
		u := testutil.CreateUser(t, f.db, i, 0)
		f.messenger.fails[i] = &TelegramError{Status: 429, Description: "Too Many Requests: retry after 5"}
		f.syncAt(t, u.ID, time.Duration(10-i)*time.Hour, cartItems("Netflix"))
	}
	healthy := testutil.CreateUser(t, f.db, 100, 0)
	f.syncAt(t, healthy.ID, 2*time.Hour, cartItems("Spotify"))

	for pass := 0; pass < 2; pass++ {
		report, err := f.sweep.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 5, report.Failed)
	}

	require.Len(t, f.messenger.sent, 1)
	assert.Equal(t, int64(100), f.messenger.sent[0].chatID)
	assert.True(t, f.session(t, healthy.ID).ReminderSent)
}

func TestSweepMarksUnreadableCart(t *testing.T) {
	f := newSweepFixture(t)
	user := testutil.CreateUser(t, f.db, 1, 0)
	f.syncAt(t, user.ID, 2*time.Hour, cartItems("Netflix"))
	require.NoError(t, f.db.Model(&models.CartSession{}).
		Where("user_id = ?", user.ID).
		Update("items", datatypes.JSON(`{"broken":true}`)).Error)

	report, err := f.sweep.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Scanned: 1, Skipped: 1}, report)
	assert.Empty(t, f.messenger.sent)
	assert.True(t, f.session(t, user.ID).ReminderSent)

	// A fresh snapshot re-arms the reminder.
	f.syncAt(t, user.ID, 2*time.Hour, cartItems("Spotify"))
	report, err = f.sweep.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)
}

func TestSweepStopsWhenMessengerDisabled(t *testing.T) {
	f := newSweepFixture(t)
	user := testutil.CreateUser(t, f.db, 1, 0)
	f.syncAt(t, user.ID, 2*time.Hour, cartItems("Netflix"))

	sweep := NewAbandonmentSweep(f.db, NewTelegramService("http://127.0.0.1:1", "", "", zap.NewNop()), time.Hour, 0, zap.NewNop())
	sweep.now = func() time.Time { return f.now }

	report, err := sweep.Run(context.Background())
	require.ErrorIs(t, err, ErrMessengerDisabled)
	assert.Zero(t, report.Sent)
	assert.False(t, f.session(t, user.ID).ReminderSent)
}

func TestSweepRemindsAgainAfterCartChanges(t *testing.T) {
	f := newSweepFixture(t)
	user := testutil.CreateUser(t, f.db, 1, 0)
	f.syncAt(t, user.ID, 2*time.Hour, cartItems("Netflix"))

	_, err := f.sweep.Run(context.Background())
	require.NoError(t, err)

	f.syncAt(t, user.ID, 70*time.Minute, cartItems("Netflix", "Spotify"))
	report, err := f.sweep.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)
	assert.Len(t, f.messenger.sent, 2)
	assert.Contains(t, f.messenger.sent[1].text, "Spotify")
}

func TestMarkRemindedIgnoresEditedCart(t *testing.T) {
	f := newSweepFixture(t)
	user := testutil.CreateUser(t, f.db, 1, 0)
	f.syncAt(t, user.ID, 2*time.Hour, cartItems("Netflix"))
	described := f.session(t, user.ID)

	f.syncAt(t, user.ID, 0, cartItems("Netflix", "Spotify"))
	require.NoError(t, f.sweep.markReminded(context.Background(), described))

	session := f.session(t, user.ID)
	assert.False(t, session.ReminderSent)
	assert.Equal(t, int64(2), session.Version)
}

func TestReminderText(t *testing.T) {
	items := make([]models.CartItem, 0, 7)
	for i := 1; i <= 7; i++ {
		items = append(items, models.CartItem{
			ProductID:   fmt.Sprintf("p%d", i),
			ProductName: fmt.Sprintf("Item %d", i),
			Price:       10000,
			Quantity:    1,
		})
	}
	items[0].ProductName = "<Premium>"
	items[0].Quantity = 2

	text := reminderText(items, 80000)

	assert.True(t, strings.HasPrefix(text, "🛒 <b>Вы оставили товары в корзине</b>"))
	assert.Contains(t, text, "• &lt;Premium&gt; × 2 — 200 ₽")
	assert.Contains(t, text, "• Item 5 × 1 — 100 ₽")
	assert.NotContains(t, text, "Item 6")
	assert.Contains(t, text, "…и ещё 2")
	assert.Contains(t, text, "<b>Итого:</b> 800 ₽")
	assert.True(t, strings.HasSuffix(text, "Оформите заказ, пока товары в наличии!"))
}
