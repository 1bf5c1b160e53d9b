// Package alert delivers operator notifications (re-pair needed, reconnect
// give-up, queue saturation) to a Telegram chat. Alerts are best-effort and
// must never block or destabilize the engine.
package alert

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"psinotify/pkg/logx"
)

type Config struct {
	Enabled bool
	Token   string
	ChatID  int64
	// RatePerMin caps alert volume so an event storm cannot flood the chat.
	RatePerMin int
}

func (c Config) withDefaults() Config {
	if c.RatePerMin <= 0 {
		c.RatePerMin = 6
	}
	return c
}

type Notifier struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	limiter *rate.Limiter

	queue  chan string
	once   sync.Once
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the notifier. A disabled config returns a functional no-op
// notifier so callers never need nil checks.
func New(cfg Config, log logx.Logger) (*Notifier, error) {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	n := &Notifier{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "alert")),
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.RatePerMin)/60), cfg.RatePerMin),
		queue:   make(chan string, 32),
	}
	if !cfg.Enabled {
		return n, nil
	}
	if strings.TrimSpace(cfg.Token) == "" || cfg.ChatID == 0 {
		return nil, errAlertConfig
	}
	bot, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	n.bot = bot
	return n, nil
}

var errAlertConfig = errString("alert: telegram enabled but token/chat_id missing")

type errString string

func (e errString) Error() string { return string(e) }

// Start launches the delivery worker. Safe to call on a no-op notifier.
func (n *Notifier) Start() {
	if n.bot == nil {
		return
	}
	n.once.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		n.cancel = cancel
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.worker(ctx)
		}()
	})
}

func (n *Notifier) Stop() {
	if n.cancel != nil {
		n.cancel()
		n.wg.Wait()
	}
}

// Notify queues one alert. Never blocks; drops when the queue is full or
// the rate cap is hit.
func (n *Notifier) Notify(msg string) {
	if n.bot == nil {
		return
	}
	if !n.limiter.Allow() {
		n.log.Debug("alert dropped (rate capped)")
		return
	}
	select {
	case n.queue <- msg:
	default:
		n.log.Debug("alert dropped (queue full)")
	}
}

func (n *Notifier) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-n.queue:
			if _, err := n.bot.Send(tele.ChatID(n.cfg.ChatID), "⚠️ notifyd: "+msg); err != nil {
				n.log.Warn("alert delivery failed", logx.Err(err))
			}
		}
	}
}
