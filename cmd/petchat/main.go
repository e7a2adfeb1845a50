package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kleqing/PetSitter-sub000/internal/api"
	"github.com/kleqing/PetSitter-sub000/internal/chat"
	"github.com/kleqing/PetSitter-sub000/internal/config"
	"github.com/kleqing/PetSitter-sub000/internal/connection"
	"github.com/kleqing/PetSitter-sub000/internal/health"
	"github.com/kleqing/PetSitter-sub000/internal/metrics"
	"github.com/kleqing/PetSitter-sub000/internal/model"
	"github.com/kleqing/PetSitter-sub000/internal/presence"
	"github.com/kleqing/PetSitter-sub000/internal/session"
	"github.com/kleqing/PetSitter-sub000/internal/stream"
	"github.com/kleqing/PetSitter-sub000/internal/transport"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "config file, empty to use defaults and environment only")
	openID := flag.String("conversation", "", "conversation to open on start")
	with := flag.String("with", "", "start a conversation with this user")
	serviceID := flag.String("service", "", "service for -with")
	flag.Parse()

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化日志
	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	sess, err := session.FromToken(cfg.Token)
	if err != nil {
		logger.Error("Invalid session token, set PETCHAT_TOKEN", "error", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	dialer, err := transport.New(cfg.Hub.Transport, transport.Options{
		HandshakeTimeout:   cfg.Hub.HandshakeTimeout,
		WriteTimeout:       cfg.Hub.WriteTimeout,
		InsecureSkipVerify: cfg.Hub.InsecureSkipVerify,
		MaxIdleTimeout:     cfg.Hub.MaxIdleTimeout,
		KeepAlivePeriod:    cfg.Hub.KeepAlivePeriod,
	})
	if err != nil {
		logger.Error("Failed to create transport", "error", err)
		os.Exit(1)
	}

	conn := connection.NewManager(dialer, connection.Options{
		URL:               cfg.Hub.URL,
		HandshakeTimeout:  cfg.Hub.HandshakeTimeout,
		InvokeTimeout:     cfg.Hub.InvokeTimeout,
		HeartbeatInterval: cfg.Hub.HeartbeatInterval,
		HeartbeatTimeout:  cfg.Hub.HeartbeatTimeout,
		EventQueueSize:    cfg.Hub.EventQueueSize,
		Reconnect: connection.ReconnectPolicy{
			InitialInterval:     cfg.Reconnect.InitialInterval,
			MaxInterval:         cfg.Reconnect.MaxInterval,
			Multiplier:          cfg.Reconnect.Multiplier,
			RandomizationFactor: cfg.Reconnect.RandomizationFactor,
			MaxElapsedTime:      cfg.Reconnect.MaxElapsedTime,
		},
		Metrics: m,
	}, logger)

	client := api.NewClient(api.Options{
		BaseURL: cfg.API.BaseURL,
		Timeout: cfg.API.Timeout,
		RPS:     cfg.API.RPS,
		Burst:   cfg.API.Burst,
	}, sess, logger)

	ctrl := chat.New(conn, client, sess, chat.Options{
		PollInterval: cfg.API.PollInterval,
		Typing: presence.Options{
			QuietPeriod:  cfg.Typing.QuietPeriod,
			RemoteExpiry: cfg.Typing.RemoteExpiry,
		},
		Metrics: m,
	}, logger)
	printUpdates(ctrl, sess.UserID)

	// 启动健康检查 HTTP 服务
	var healthServer *http.Server
	if cfg.Health.Addr != "" {
		healthServer = startHealthServer(cfg.Health.Addr, ctrl, reg, logger)
	}

	startCtx, cancel := context.WithTimeout(context.Background(), cfg.Hub.HandshakeTimeout+cfg.API.Timeout)
	err = ctrl.Start(startCtx)
	cancel()
	if err != nil {
		logger.Error("Failed to start chat", "error", err)
		os.Exit(1)
	}

	logger.Info("Chat client started",
		"user_id", sess.UserID,
		"hub", cfg.Hub.URL,
		"transport", cfg.Hub.Transport)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	switch {
	case *with != "":
		if _, _, err := ctrl.StartConversation(ctx, *with, *serviceID); err != nil {
			logger.Error("Failed to start conversation", "with", *with, "error", err)
		}
	case *openID != "":
		if _, err := ctrl.Open(ctx, *openID); err != nil {
			logger.Error("Failed to open conversation", "conversation_id", *openID, "error", err)
		}
	default:
		printList(ctrl.Directory().List(), sess.UserID)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		readInput(ctx, ctrl, sess.UserID)
	}()

	// 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-done:
	}

	logger.Info("Shutting down chat client...")
	stop()
	ctrl.Close(context.Background())
	ctrl.Stop()
	if healthServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		healthServer.Shutdown(shutdownCtx)
		cancel()
	}
	logger.Info("Chat client stopped")
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	// 标准输出留给聊天界面
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// startHealthServer 启动健康检查与指标 HTTP 服务
func startHealthServer(addr string, ctrl *chat.Controller, reg *prometheus.Registry, logger *slog.Logger) *http.Server {
	checker := health.NewChecker(ctrl.Connection(), ctrl.Rooms(), ctrl.Directory())

	mux := http.NewServeMux()
	mux.Handle("/health", checker)
	mux.Handle("/ready", checker.ReadyHandler())
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logger.Info("Health check server started", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Health check server failed", "error", err)
		}
	}()
	return srv
}

func printUpdates(ctrl *chat.Controller, selfID string) {
	ctrl.Stream().Subscribe(func(u stream.Update) {
		switch u.Kind {
		case stream.UpdateInitial:
			fmt.Printf("--- %s (%d messages) ---\n", u.ConversationID, len(u.Messages))
			for _, msg := range u.Messages {
				printMessage(msg, selfID)
			}
		case stream.UpdateAppended, stream.UpdateInserted:
			printMessage(*u.Message, selfID)
		case stream.UpdateFailed:
			fmt.Printf("! history unavailable for %s: %v\n", u.ConversationID, u.Err)
		}
	})

	ctrl.Tracker().OnTyping(func(sig model.TypingSignal) {
		if sig.ConversationID != ctrl.Active() {
			return
		}
		if sig.IsTyping {
			fmt.Printf("... %s is typing\n", sig.SenderID)
		}
	})

	ctrl.Connection().OnStateChange(func(change connection.StateChange) {
		fmt.Printf("* %s -> %s\n", change.From, change.To)
	})
}

func printMessage(msg model.Message, selfID string) {
	name := msg.SenderName
	if msg.SenderID == selfID {
		name = "me"
	} else if name == "" {
		name = msg.SenderID
	}
	fmt.Printf("[%s] %s: %s\n", msg.SentAt.Local().Format("15:04"), name, msg.Content)
}

func printList(list []model.Conversation, selfID string) {
	for _, c := range list {
		peer := c.Peer(selfID)
		name := c.ID
		if peer != nil {
			name = peer.DisplayName
		}
		service := ""
		if c.Service != nil {
			service = c.Service.ServiceName
		}
		fmt.Printf("%-12s %-24s %-20s unread=%d\n", c.ID, name, service, c.UnreadCount)
	}
}

// readInput 逐行读取标准输入：斜杠开头为命令，其余作为消息发送
func readInput(ctx context.Context, ctrl *chat.Controller, selfID string) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		cmd, arg, _ := strings.Cut(line, " ")
		switch cmd {
		case "/quit":
			return
		case "/list":
			printList(ctrl.Directory().List(), selfID)
		case "/search":
			printList(ctrl.Directory().Search(arg), selfID)
		case "/open":
			if _, err := ctrl.Open(ctx, arg); err != nil {
				fmt.Printf("! %v\n", err)
			}
		case "/close":
			ctrl.Close(ctx)
		case "/unread":
			fmt.Printf("unread=%d\n", ctrl.Directory().TotalUnread())
		default:
			ctrl.Typing(ctx)
			if err := ctrl.Send(ctx, line); err != nil {
				fmt.Printf("! %v\n", err)
			}
		}
	}
}
