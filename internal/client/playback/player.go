// Package playback holds the local side of room playback: the media player
// contract, the guest reconciler and the host state machine.
package playback

import (
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Player is the local audio pipeline.
type Player interface {
	Load(url string) error
	Seek(seconds float64) error
	Play() error
	Pause() error
	Stop() error
	// Position is the current offset into the loaded track in seconds.
	Position() float64
}

// URLResolver maps a catalog track reference to its stream URL.
type URLResolver interface {
	StreamURL(trackRef string) string
}

// CatalogURL resolves tracks against a catalog service base URL.
type CatalogURL struct {
	Base string
}

func (c CatalogURL) StreamURL(trackRef string) string {
	return strings.TrimRight(c.Base, "/") + "/api/v1/tracks/" + url.PathEscape(trackRef) + "/stream"
}

// LogPlayer pretends to play. It logs every pipeline call and advances its
// position with the wall clock while playing.
type LogPlayer struct {
	mu      sync.Mutex
	logger  *slog.Logger
	now     func() time.Time
	url     string
	offset  float64
	since   time.Time
	playing bool
}

func NewLogPlayer(logger *slog.Logger) *LogPlayer {
	return &LogPlayer{logger: logger, now: time.Now}
}

func (p *LogPlayer) position() float64 {
	if !p.playing {
		return p.offset
	}
	return p.offset + p.now().Sub(p.since).Seconds()
}

func (p *LogPlayer) Load(url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.url = url
	p.offset = 0
	p.playing = false
	p.logger.Info("player load", "url", url)
	return nil
}

func (p *LogPlayer) Seek(seconds float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.offset = seconds
	p.since = p.now()
	p.logger.Info("player seek", "position", seconds)
	return nil
}

func (p *LogPlayer) Play() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.playing {
		p.since = p.now()
		p.playing = true
	}
	p.logger.Info("player play", "url", p.url, "position", p.offset)
	return nil
}

func (p *LogPlayer) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.offset = p.position()
	p.playing = false
	p.logger.Info("player pause", "position", p.offset)
	return nil
}

func (p *LogPlayer) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.url = ""
	p.offset = 0
	p.playing = false
	p.logger.Info("player stop")
	return nil
}

func (p *LogPlayer) Position() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.position()
}
