package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/scalecode-solutions/mvchat2-client/api"
	"github.com/scalecode-solutions/mvchat2-client/auth"
	"github.com/scalecode-solutions/mvchat2-client/binding"
	"github.com/scalecode-solutions/mvchat2-client/config"
	"github.com/scalecode-solutions/mvchat2-client/irido"
	"github.com/scalecode-solutions/mvchat2-client/realtime"
	"github.com/scalecode-solutions/mvchat2-client/redis"
	"github.com/scalecode-solutions/mvchat2-client/socket"
	"github.com/scalecode-solutions/mvchat2-client/store"
	"github.com/scalecode-solutions/mvchat2-client/tokenstore"
	"github.com/scalecode-solutions/mvchat2-client/wire"
)

const (
	currentVersion = "0.1.0"

	messagesChannel = "messages"
)

var buildstamp = "dev"

func usage() {
	fmt.Fprintf(os.Stderr, `mvchat2-client v%s (build: %s)

Usage:
  mvchat2-client [flags]                     stay connected and record messages
  mvchat2-client [flags] send <conv> <text>  send one message
  mvchat2-client [flags] history <conv>      print cached messages

Flags:
`, currentVersion, buildstamp)
	flag.PrintDefaults()
}

func main() {
	configFile := flag.String("config", "mvchat2-client.yaml", "Path to config file")
	login := flag.String("login", "", "Log in as this user (password from MVCHAT_PASSWORD)")
	logout := flag.Bool("logout", false, "End the stored session and exit")
	initCache := flag.Bool("init-cache", false, "Initialize the message cache schema")
	flag.Usage = usage
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	setupLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *login, *logout, *initCache, flag.Args()); err != nil {
		log.Error().Err(err).Msg("mvchat2-client failed")
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, login string, logout, initCache bool, args []string) error {
	tokens, closeTokens, err := openTokenStore(cfg)
	if err != nil {
		return err
	}
	defer closeTokens()

	authSignal := auth.NewSignal(false)
	client := api.New(api.Config{
		BaseURL:       cfg.Server.APIURL,
		UserAgent:     cfg.Client.UserAgent,
		Timeout:       config.Seconds(cfg.HTTP.Timeout),
		RefreshSkew:   config.Seconds(cfg.HTTP.RefreshSkew),
		RefreshLimit:  cfg.HTTP.RefreshLimit,
		RefreshWindow: config.Seconds(cfg.HTTP.RefreshWindow),
	}, tokens, authSignal)

	if logout {
		if err := client.Logout(ctx); err != nil {
			return err
		}
		log.Info().Msg("logged out")
		return nil
	}

	var db *store.DB
	if cfg.Cache.Enabled {
		db, err = openCache(ctx, &cfg.Cache, initCache)
		if err != nil {
			return err
		}
		defer db.Close()
	}

	command := ""
	if len(args) > 0 {
		command = args[0]
	}

	if command == "history" {
		if db == nil {
			return errors.New("history requires cache.enabled")
		}
		if len(args) != 2 {
			return errors.New("usage: history <conv>")
		}
		return printHistory(ctx, db, args[1])
	}
	if command != "" && command != "send" {
		return fmt.Errorf("unknown command %q", command)
	}

	if login != "" {
		creds, err := client.Login(ctx, login, os.Getenv("MVCHAT_PASSWORD"))
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}
		log.Info().Str("user", creds.UserID).Str("token", maskToken(creds.AccessToken)).Msg("logged in")
	} else {
		ok, err := client.Restore(ctx)
		if err != nil {
			return fmt.Errorf("failed to restore session: %w", err)
		}
		if !ok {
			return errors.New("not logged in (use -login)")
		}
	}

	transport := socket.NewWebSocket(socket.Config{
		HandshakeTimeout: config.Seconds(cfg.Client.HandshakeTimeout),
		WriteTimeout:     config.Seconds(cfg.Client.WriteTimeout),
		PongTimeout:      config.Seconds(cfg.Client.PongTimeout),
		MaxMessageSize:   cfg.Client.MaxMessageSize,
	})
	manager := realtime.NewManager(realtime.Config{
		URL:       cfg.Server.URL,
		WSPath:    cfg.Server.WSPath,
		Version:   cfg.Client.Version,
		UserAgent: cfg.Client.UserAgent,
		Lang:      cfg.Client.Lang,
	}, transport, authSignal, tokens)
	defer manager.Disconnect()

	b := binding.New(manager, authSignal, binding.Options{AutoJoin: cfg.Server.Namespaces})
	defer b.Close()

	if command == "send" {
		if len(args) < 3 {
			return errors.New("usage: send <conv> <text>")
		}
		return sendMessage(ctx, b, config.Seconds(cfg.Client.HandshakeTimeout), args[1], strings.Join(args[2:], " "))
	}

	// Stay connected until interrupted.
	unsub := b.Subscribe(logState())
	defer unsub()

	if db != nil {
		creds, err := tokens.Load(ctx)
		if err != nil {
			return fmt.Errorf("failed to load credentials: %w", err)
		}
		var userID string
		if creds != nil {
			userID = creds.UserID
		}

		rec := NewRecorder(ctx, db, RecorderConfig{
			UserID:       userID,
			SendReceipts: cfg.Client.SendReceipts,
			Logger:       log.Logger,
		})
		defer rec.Detach()
		stopRec := b.Subscribe(func(s binding.State) { rec.Attach(recordingTarget(s)) })
		defer stopRec()
		rec.Attach(recordingTarget(b.State()))
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")
	return nil
}

// recordingTarget picks the channel message traffic arrives on: the
// messages namespace when joined, else the primary connection.
func recordingTarget(s binding.State) *realtime.Connection {
	if c, ok := s.Channels[messagesChannel]; ok && c != nil {
		return c
	}
	return s.Connection
}

// setupLogger configures the global zerolog logger.
func setupLogger(cfg config.LogConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	if cfg.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}

// openTokenStore opens the configured credential backend.
func openTokenStore(cfg *config.Config) (tokenstore.Store, func(), error) {
	switch cfg.Tokens.Backend {
	case "memory":
		return tokenstore.NewMemoryStore(), func() {}, nil

	case "redis":
		rc := cfg.Tokens.Redis
		client, err := redis.New(redis.Config{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
			Prefix:   rc.Prefix,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		log.Debug().Str("addr", rc.Addr).Msg("connected to redis")
		return tokenstore.NewRedisStore(client, rc.Key), func() { client.Close() }, nil

	default:
		fs, err := tokenstore.NewFileStore(cfg.Tokens.Path, cfg.Tokens.Passphrase)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open token file: %w", err)
		}
		return fs, func() {}, nil
	}
}

// openCache connects to the message cache and checks its schema.
func openCache(ctx context.Context, cfg *config.CacheConfig, initSchema bool) (*store.DB, error) {
	db, err := store.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to cache: %w", err)
	}

	if initSchema {
		if err := db.InitSchema(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
		log.Info().Msg("cache schema initialized")
	}

	version, err := db.GetSchemaVersion(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("could not get cache schema version (run with -init-cache to initialize)")
	} else if version != store.SchemaVersion {
		log.Warn().Int("version", version).Int("want", store.SchemaVersion).Msg("cache schema version mismatch")
	}
	return db, nil
}

// logState reports connection changes. Only transitions are logged.
func logState() func(binding.State) {
	var connected bool
	var channels int
	return func(s binding.State) {
		if s.Connected != connected {
			connected = s.Connected
			if connected {
				log.Info().Msg("connected")
			} else {
				log.Warn().Err(s.Err).Msg("not connected")
			}
		}
		if len(s.Channels) != channels {
			channels = len(s.Channels)
			names := make([]string, 0, channels)
			for name := range s.Channels {
				names = append(names, name)
			}
			log.Info().Strs("channels", names).Msg("channels changed")
		}
	}
}

// waitConnected blocks until the primary connection is live or fails.
func waitConnected(ctx context.Context, b *binding.Binding, timeout time.Duration) (*realtime.Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ready := make(chan binding.State, 1)
	unsub := b.Subscribe(func(s binding.State) {
		if s.Connected || s.Err != nil {
			select {
			case ready <- s:
			default:
			}
		}
	})
	defer unsub()

	s := b.State()
	if !s.Connected && s.Err == nil {
		select {
		case s = <-ready:
		case <-ctx.Done():
			return nil, fmt.Errorf("not connected: %w", ctx.Err())
		}
	}
	if !s.Connected {
		return nil, fmt.Errorf("not connected: %w", s.Err)
	}
	return s.Connection, nil
}

// sendMessage sends text to conv and waits for the server's reply.
func sendMessage(ctx context.Context, b *binding.Binding, timeout time.Duration, conv, text string) error {
	content, err := irido.NewBuilder().Text(text).Build()
	if err != nil {
		return err
	}
	raw, err := content.Raw()
	if err != nil {
		return err
	}

	conn, err := waitConnected(ctx, b, timeout)
	if err != nil {
		return err
	}

	frameID := "send-" + uuid.NewString()
	replies := make(chan *wire.Ctrl, 1)
	id := conn.On(wire.EventCtrl, func(payload json.RawMessage) {
		var ctrl wire.Ctrl
		if err := json.Unmarshal(payload, &ctrl); err != nil || ctrl.ID != frameID {
			return
		}
		select {
		case replies <- &ctrl:
		default:
		}
	})
	defer conn.Off(wire.EventCtrl, id)

	if err := conn.EmitWithID(frameID, wire.EventSend, wire.Send{ConversationID: conv, Content: raw}); err != nil {
		return fmt.Errorf("send failed: %w", err)
	}

	select {
	case ctrl := <-replies:
		if !ctrl.OK() {
			return fmt.Errorf("send rejected: %d %s", ctrl.Code, ctrl.Text)
		}
		if seq, ok := ctrl.Params["seq"]; ok {
			fmt.Printf("sent to %s (seq %v)\n", conv, seq)
		} else {
			fmt.Printf("sent to %s\n", conv)
		}
		return nil
	case <-time.After(timeout):
		return errors.New("no reply from server")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// printHistory prints the newest cached messages of conv, oldest first.
func printHistory(ctx context.Context, db store.Store, conv string) error {
	messages, err := db.GetMessages(ctx, conv, 0, 50)
	if err != nil {
		return fmt.Errorf("failed to read cache: %w", err)
	}
	state, err := db.GetDeliveryState(ctx, conv)
	if err != nil {
		return fmt.Errorf("failed to read delivery state: %w", err)
	}

	for i := len(messages) - 1; i >= 0; i-- {
		fmt.Println(formatMessage(&messages[i], state))
	}
	return nil
}

// formatMessage renders one cached message as a history line. Messages past
// the read position are marked with '*'.
func formatMessage(msg *store.Message, state *store.DeliveryState) string {
	marker := " "
	if state != nil && msg.Seq > state.ReadSeq {
		marker = "*"
	}

	text := "(unsent)"
	if msg.DeletedAt == nil {
		if content, err := irido.Parse(msg.Content); err == nil {
			text = content.PlainText()
		} else {
			text = "(unreadable)"
		}
		if msg.EditedAt != nil {
			text += " (edited)"
		}
	}

	return fmt.Sprintf("%s%5d %s %s: %s", marker, msg.Seq, msg.SentAt.Local().Format("2006-01-02 15:04"), msg.From, text)
}
