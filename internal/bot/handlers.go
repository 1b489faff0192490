package bot

import (
	"context"
	"errors"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"feedmatch/internal/engine"
	"feedmatch/internal/storage"
)

// queuePageSize bounds how many manual queue entries /queue shows.
const queuePageSize = 10

func (b *Bot) handleStart(chatID int64) {
	b.reply(chatID, `Welcome to feedmatch!

New tracker items are matched against author filters, author subscriptions, and feed rules. Anything that matches nothing lands in the manual queue.

Use /help for the full command reference.`)
}

func (b *Bot) handleHelp(chatID int64) {
	b.reply(chatID, `Feeds:
/feeds - show all feeds and their rule counts
/check <feed_id> - dry-run matching on the current feed items

Review:
/queue - show the newest unmatched items
/dismiss <queue_id> - remove an item from the manual queue
/errors - filters skipped because they do not compile
/subs <subscription_id> - items delivered through a subscription`)
}

func (b *Bot) snapshot(ctx context.Context) (*engine.Snapshot, error) {
	catalog, err := b.store.LoadCatalog(ctx)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	return engine.Compile(catalog), nil
}

func (b *Bot) handleFeeds(ctx context.Context, chatID int64) {
	snap, err := b.snapshot(ctx)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	feeds, err := b.store.ListFeeds(ctx)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}

	counts := make(map[int64]int, len(feeds))
	for _, f := range feeds {
		counts[f.ID] = snap.RuleCount(f.ID)
	}
	b.reply(chatID, FormatFeedList(feeds, counts))
}

func (b *Bot) handleCheck(ctx context.Context, chatID int64, args string) {
	id, err := ParseIDArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /check <feed_id>")
		return
	}

	feed, err := b.store.GetFeed(ctx, id)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Feed #%d not found.", id))
		return
	}

	items, err := b.fetcher.Items(ctx, *feed)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Failed to fetch: %v", err))
		return
	}
	snap, err := b.snapshot(ctx)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}

	decisions := make([]engine.Decision, len(items))
	for i, item := range items {
		decisions[i] = engine.Evaluate(snap, item)
	}
	b.reply(chatID, FormatCheck(feed, items, decisions))
}

func (b *Bot) handleQueue(ctx context.Context, chatID int64) {
	items, err := b.store.ListManualQueue(ctx, queuePageSize)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	if len(items) == 0 {
		b.reply(chatID, "The manual queue is empty.")
		return
	}

	msg := tgbotapi.NewMessage(chatID, FormatQueue(items))
	msg.DisableWebPagePreview = true
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(items))
	for _, it := range items {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(fmt.Sprintf("Dismiss Q%d", it.ID), fmt.Sprintf("%s:%d", cmdDismiss, it.ID)),
		))
	}
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send queue", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) handleDismiss(ctx context.Context, chatID int64, args string) {
	id, err := ParseIDArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /dismiss <queue_id>")
		return
	}

	if err := b.store.DismissManual(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			b.reply(chatID, fmt.Sprintf("Queue item Q%d not found.", id))
			return
		}
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, fmt.Sprintf("Queue item Q%d dismissed.", id))
}

func (b *Bot) handleErrors(ctx context.Context, chatID int64) {
	snap, err := b.snapshot(ctx)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, FormatConfigErrors(snap.Errors))
}

func (b *Bot) handleSubs(ctx context.Context, chatID int64, args string) {
	id, err := ParseIDArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /subs <subscription_id>")
		return
	}

	items, err := b.store.ListSubscriptionItems(ctx, id)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	b.reply(chatID, FormatSubscriptionItems(id, items))
}
