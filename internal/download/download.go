// Package download hands matched items to the download client under a category.
package download

import (
	"bytes"
	"context"
	"crypto/sha1" //nolint:gosec // BitTorrent v1 info hashes are SHA-1.
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/autobrr/go-qbittorrent"
	"github.com/carlmjohnson/requests"
	"github.com/jackpal/bencode-go"

	"feedmatch/internal/filter"
	"feedmatch/internal/model"
)

// ErrNoLink is returned for items without a download link.
var ErrNoLink = errors.New("item has no link")

// Client assigns a matched item to a download category. It returns the
// torrent info hash when it is known, or "".
type Client interface {
	AssignCategory(ctx context.Context, item filter.Item, category model.Category) (string, error)
}

type qbitAPI interface {
	LoginCtx(ctx context.Context) error
	AddTorrentFromUrlCtx(ctx context.Context, url string, options map[string]string) error
	AddTorrentFromMemoryCtx(ctx context.Context, buf []byte, options map[string]string) error
}

// Qbit adds items to qBittorrent with automatic torrent management so the
// category decides the save path.
type Qbit struct {
	api    qbitAPI
	client *http.Client
	log    *slog.Logger
}

// NewQbit creates a qBittorrent client. It does not contact the server.
func NewQbit(host, username, password string, log *slog.Logger) *Qbit {
	api := qbittorrent.NewClient(qbittorrent.Config{
		Host:     host,
		Username: username,
		Password: password,
	})
	return &Qbit{api: api, client: &http.Client{Timeout: 30 * time.Second}, log: log}
}

// Login authenticates against the server.
func (q *Qbit) Login(ctx context.Context) error {
	if err := q.api.LoginCtx(ctx); err != nil {
		return fmt.Errorf("qbittorrent login: %w", err)
	}
	return nil
}

// AssignCategory adds the item to qBittorrent under category. Torrent files
// are downloaded first so their info hash can be returned; magnet links are
// passed through and hashed from their btih parameter.
func (q *Qbit) AssignCategory(ctx context.Context, item filter.Item, category model.Category) (string, error) {
	if item.Link == "" {
		return "", ErrNoLink
	}
	opts := map[string]string{
		"autoTMM":  "true",
		"category": category.Name,
	}

	var hash string
	if strings.HasPrefix(item.Link, "magnet:") {
		hash = MagnetInfoHash(item.Link)
		if err := q.api.AddTorrentFromUrlCtx(ctx, item.Link, opts); err != nil {
			return "", fmt.Errorf("add torrent %s: %w", item.Identifier, err)
		}
	} else {
		var buf bytes.Buffer
		err := requests.
			URL(item.Link).
			Client(q.client).
			ToBytesBuffer(&buf).
			Fetch(ctx)
		if err != nil {
			return "", fmt.Errorf("download torrent %s: %w", item.Identifier, err)
		}
		hash, err = InfoHash(buf.Bytes())
		if err != nil {
			return "", fmt.Errorf("torrent %s: %w", item.Identifier, err)
		}
		if err := q.api.AddTorrentFromMemoryCtx(ctx, buf.Bytes(), opts); err != nil {
			return "", fmt.Errorf("add torrent %s: %w", item.Identifier, err)
		}
	}

	q.log.Info("torrent added", "item", item.Identifier, "title", item.Title, "category", category.Name, "hash", hash)
	return hash, nil
}

// InfoHash returns the hex SHA-1 of the bencoded info dictionary of a
// torrent file.
func InfoHash(torrent []byte) (string, error) {
	decoded, err := bencode.Decode(bytes.NewReader(torrent))
	if err != nil {
		return "", fmt.Errorf("parse torrent: %w", err)
	}
	dict, ok := decoded.(map[string]interface{})
	if !ok {
		return "", errors.New("torrent is not a dictionary")
	}
	info, ok := dict["info"]
	if !ok || info == nil {
		return "", errors.New("torrent has no info dictionary")
	}

	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, info); err != nil {
		return "", fmt.Errorf("encode info dictionary: %w", err)
	}
	sum := sha1.Sum(buf.Bytes()) //nolint:gosec
	return hex.EncodeToString(sum[:]), nil
}

// MagnetInfoHash extracts a hex info hash from a magnet link, or "" when the
// link carries none.
func MagnetInfoHash(link string) string {
	u, err := url.Parse(link)
	if err != nil {
		return ""
	}
	for _, xt := range u.Query()["xt"] {
		if h, ok := strings.CutPrefix(xt, "urn:btih:"); ok && len(h) == 40 {
			return strings.ToLower(h)
		}
	}
	return ""
}

// Noop discards assignments when no download client is configured.
type Noop struct {
	Log *slog.Logger
}

// AssignCategory logs the assignment and returns no hash.
func (n Noop) AssignCategory(_ context.Context, item filter.Item, category model.Category) (string, error) {
	if n.Log != nil {
		n.Log.Debug("download client disabled, skipping", "item", item.Identifier, "category", category.Name)
	}
	return "", nil
}
