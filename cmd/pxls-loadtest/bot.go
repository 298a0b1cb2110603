package main

import (
	"context"
	"fmt"
	"log"
	"math/rand/v2"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aeolun/pixelcanvas/pkg/client"
	"github.com/aeolun/pixelcanvas/pkg/protocol"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat."

var loremWords = strings.Fields(loremIpsum)

// Stats tracks load test counters
type Stats struct {
	pixelsPlaced      atomic.Int64
	pixelsRejected    atomic.Int64
	chatsSent         atomic.Int64
	totalResponseTime atomic.Int64 // in microseconds
	connectionErrors  atomic.Int64
	successfulClients atomic.Int64

	timeouts       atomic.Int64
	disconnections atomic.Int64

	// Connect phase failure breakdown
	connectDialFailed      atomic.Int64
	connectUserInfoTimeout atomic.Int64
}

func (s *Stats) recordPlaced(responseTimeUs int64) {
	s.pixelsPlaced.Add(1)
	s.totalResponseTime.Add(responseTimeUs)
}

func (s *Stats) snapshot() (placed, rejected, chats, connErrors int64, avgResponseUs float64) {
	placed = s.pixelsPlaced.Load()
	rejected = s.pixelsRejected.Load()
	chats = s.chatsSent.Load()
	connErrors = s.connectionErrors.Load()

	if placed > 0 {
		avgResponseUs = float64(s.totalResponseTime.Load()) / float64(placed)
	}
	return
}

// Board is the part of the canvas bots paint on
type Board struct {
	Width   int
	Height  int
	Palette int
}

// BotClient is one simulated player
type BotClient struct {
	id    int
	login string
	conn  *client.Conn
	stats *Stats
	board Board

	// cooldown is the wait the server last reported
	cooldown time.Duration
}

func NewBotClient(id int, login string, board Board, stats *Stats) *BotClient {
	return &BotClient{id: id, login: login, board: board, stats: stats}
}

// Connect dials the server and waits for the session greeting
func (bc *BotClient) Connect(ctx context.Context, serverAddr string) error {
	conn, err := client.Dial(ctx, serverAddr, bc.login)
	if err != nil {
		bc.stats.connectDialFailed.Add(1)
		return err
	}
	bc.conn = conn

	if bc.login == "" {
		return nil
	}
	if _, err := conn.ReceiveType(protocol.TypeUserInfo, 5*time.Second); err != nil {
		bc.stats.connectUserInfoTimeout.Add(1)
		return fmt.Errorf("receive userinfo: %w", err)
	}
	return nil
}

// PlaceRandomPixel paints a random cell and waits for the cooldown notice
// that ends every placement. An ACK before it means the pixel landed.
func (bc *BotClient) PlaceRandomPixel() error {
	x := rand.IntN(bc.board.Width)
	y := rand.IntN(bc.board.Height)
	color := rand.IntN(bc.board.Palette)

	start := time.Now()
	if err := bc.conn.Place(x, y, color); err != nil {
		bc.stats.disconnections.Add(1)
		return err
	}

	acked := false
	deadline := time.Now().Add(10 * time.Second)
	for {
		msg, err := bc.conn.Receive(time.Until(deadline))
		if err != nil {
			bc.stats.timeouts.Add(1)
			return fmt.Errorf("receive place response: %w", err)
		}
		switch msg.Type {
		case protocol.TypeACK:
			var ack protocol.ACK
			if msg.Decode(&ack) == nil && ack.AckFor == protocol.AckPlace && ack.X == x && ack.Y == y {
				acked = true
			}
		case protocol.TypeCooldown:
			var cd protocol.Cooldown
			if err := msg.Decode(&cd); err == nil {
				bc.cooldown = time.Duration(cd.Wait * float64(time.Second))
			}
			if acked {
				bc.stats.recordPlaced(time.Since(start).Microseconds())
			} else {
				bc.stats.pixelsRejected.Add(1)
			}
			debugLogger.Printf("[Bot %d] place (%d,%d)=%d acked=%v wait=%v", bc.id, x, y, color, acked, bc.cooldown)
			return nil
		}
	}
}

// ChatRandomLine posts a few words of filler text
func (bc *BotClient) ChatRandomLine() error {
	wordCount := 3 + rand.IntN(8)
	words := make([]string, 0, wordCount)
	for i := 0; i < wordCount; i++ {
		words = append(words, loremWords[rand.IntN(len(loremWords))])
	}
	if err := bc.conn.Chat(strings.Join(words, " ")); err != nil {
		bc.stats.disconnections.Add(1)
		return err
	}
	bc.stats.chatsSent.Add(1)
	return nil
}

// Run places pixels until duration passes, sleeping at least the reported
// cooldown between attempts
func (bc *BotClient) Run(duration, minDelay, maxDelay, shutdownDelay time.Duration, chatRatio float64) {
	defer bc.conn.Close()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Bot %d] PANIC: %v", bc.id, r)
		}
	}()

	endTime := time.Now().Add(duration)
	for time.Now().Before(endTime) {
		if rand.Float64() < chatRatio {
			if err := bc.ChatRandomLine(); err != nil {
				return
			}
		}
		if err := bc.PlaceRandomPixel(); err != nil {
			// A failed read leaves the websocket unusable
			debugLogger.Printf("[Bot %d] place failed: %v", bc.id, err)
			return
		}

		delay := minDelay
		if maxDelay > minDelay {
			delay += time.Duration(rand.Int64N(int64(maxDelay - minDelay)))
		}
		if bc.cooldown > delay {
			delay = bc.cooldown
		}
		if left := time.Until(endTime); delay > left {
			delay = left
		}
		if delay > 0 {
			time.Sleep(delay)
		}
	}

	// Stagger shutdown to avoid a thundering herd on disconnect
	if shutdownDelay > 0 {
		time.Sleep(shutdownDelay)
	}
}
