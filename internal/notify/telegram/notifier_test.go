package telegram

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pagewatch/internal/progress"
	"github.com/JakeFAU/pagewatch/internal/watch"
)

type sentMsg struct {
	ChatID int64
	Text   string
}

type mockAPI struct {
	mu   sync.Mutex
	sent []sentMsg
	err  error
}

func (m *mockAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if m.err != nil {
		return tgbotapi.Message{}, m.err
	}
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		m.mu.Lock()
		m.sent = append(m.sent, sentMsg{ChatID: msg.ChatID, Text: msg.Text})
		m.mu.Unlock()
	}
	return tgbotapi.Message{}, nil
}

func itemEvent(name, id, title, rel string) progress.Event {
	return progress.Event{
		RunID: progress.UUIDToBytes(uuid.New()),
		TS:    time.Now(),
		Stage: progress.StageItemFound,
		Update: &watch.Update{
			Source: watch.Source{Name: name, URL: "https://example.org/user.htm?author=1"},
			Item:   watch.Item{ExternalID: id, Title: title, RelativeTime: rel},
		},
	}
}

func TestNotifierSendsItems(t *testing.T) {
	t.Parallel()

	api := &mockAPI{}
	n := newNotifier(api, Config{ChatID: 100})

	err := n.Consume(context.Background(), []progress.Event{
		{Stage: progress.StageCheckStart},
		itemEvent("alice", "1001", "first clip", "2小时前"),
		itemEvent("", "1002", "second clip", ""),
	})
	require.NoError(t, err)

	want := []sentMsg{
		{ChatID: 100, Text: "New video from alice\nfirst clip (2小时前)\nhttps://example.org/video-1001.htm"},
		{ChatID: 100, Text: "New video from https://example.org/user.htm?author=1\nsecond clip\nhttps://example.org/video-1002.htm"},
	}
	if diff := cmp.Diff(want, api.sent); diff != "" {
		t.Fatalf("sent messages mismatch (-want +got):\n%s", diff)
	}
}

func TestNotifierSummarizesLargeBatches(t *testing.T) {
	t.Parallel()

	api := &mockAPI{}
	n := newNotifier(api, Config{ChatID: 1, MaxPerBatch: 2})

	batch := []progress.Event{
		itemEvent("a", "1", "one", ""),
		itemEvent("a", "2", "two", ""),
		itemEvent("a", "3", "three", ""),
		itemEvent("a", "4", "four", ""),
	}
	require.NoError(t, n.Consume(context.Background(), batch))
	require.Len(t, api.sent, 3)
	require.Equal(t, "…and 2 more new videos", api.sent[2].Text)
}

func TestNotifierIgnoresOtherStagesAndReportsErrors(t *testing.T) {
	t.Parallel()

	api := &mockAPI{}
	n := newNotifier(api, Config{ChatID: 1})
	require.NoError(t, n.Consume(context.Background(), []progress.Event{{Stage: progress.StageCheckDone}}))
	require.Empty(t, api.sent)

	api.err = errors.New("blocked by user")
	err := n.Consume(context.Background(), []progress.Event{itemEvent("a", "1", "one", "")})
	require.ErrorContains(t, err, "blocked by user")
}

func TestNewRequiresCredentials(t *testing.T) {
	t.Parallel()
	_, err := New(Config{})
	require.Error(t, err)
}
