// Command feedmatch polls tracker feeds, matches every item against author
// filters, author subscriptions, and feed rules, and files the result.
//
// Usage:
//
//	feedmatch run            start the poller, Telegram bot, and metrics endpoint
//	feedmatch run --once     poll every active feed once and exit
//	feedmatch check          list filters that fail to compile
//	feedmatch match <feed>   dry-run matching on a feed's current items
//	feedmatch queue list     show the manual queue
//	feedmatch migrate        apply database migrations
//
// Configuration is read from the environment, optionally seeded from a .env
// file.
package main
