package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"LiveAvatarGateway/internal/config"
	"LiveAvatarGateway/internal/conversation"
	"LiveAvatarGateway/internal/gatewayclient"
	"LiveAvatarGateway/internal/session"
	"LiveAvatarGateway/internal/wsclient"
)

func newChatCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an avatar session and chat from the terminal",
		Long: `chat obtains a session token from the gateway, connects to the avatar stream and
reads messages from stdin. Accepted transcripts are forwarded to the gateway log.

Commands: /stop, /retry, /lang <code>, /state, /quit`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runChat(ctx, a.cfg, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.String("gateway-url", "http://localhost:8080", "gateway base URL")
	f.String("avatar-url", "ws://localhost:8081/ws", "avatar stream WebSocket URL")
	f.String("language", "it", "conversation language")
	return cmd
}

// syncWriter 控制器回调与输入循环共用输出
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) printf(format string, args ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, format, args...)
}

// echoSink 打印被接受的转写并转交上报
type echoSink struct {
	out  *syncWriter
	next session.TranscriptSink
}

func (e *echoSink) Submit(sessionID string, ev conversation.TranscriptEvent) {
	e.out.printf("[%s] %s\n", ev.Speaker, ev.Text)
	e.next.Submit(sessionID, ev)
}

// stateObserver 只打印生命周期、错误与提示的变化
func stateObserver(out *syncWriter) session.Observer {
	var last session.Snapshot
	return func(s session.Snapshot) {
		if s.Lifecycle != last.Lifecycle {
			switch s.Lifecycle {
			case session.LifecycleReady:
				out.printf("* session ready (%s)\n", s.SessionID)
			case session.LifecycleError:
				out.printf("* session error: %s\n", s.Error)
			default:
				out.printf("* session %s\n", s.Lifecycle)
			}
		}
		if s.Notice != "" && s.Notice != last.Notice {
			out.printf("* %s\n", s.Notice)
		}
		last = s
	}
}

func turnSettled(s session.Snapshot) bool {
	if s.Lifecycle != session.LifecycleReady {
		return true
	}
	return s.Avatar != session.AvatarThinking && s.Avatar != session.AvatarSpeaking
}

func readLines(ctx context.Context, in io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}

// runChat 运行一次终端会话，输入结束或 /quit 时返回
func runChat(ctx context.Context, cfg *config.Config, in io.Reader, out io.Writer) error {
	w := &syncWriter{w: out}

	gw := gatewayclient.New(cfg.Session.GatewayURL, nil)
	forwarder := gatewayclient.NewForwarder(gw, cfg.Session.ForwarderConfig())
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		forwarder.Close(closeCtx)
	}()

	ctrl := session.New(gw, wsclient.NewDialer(cfg.Session.AvatarURL), gw,
		cfg.Session.ControllerConfig(),
		session.WithSink(&echoSink{out: w, next: forwarder}),
		session.WithObserver(stateObserver(w)),
	)
	defer ctrl.Close()

	if err := ctrl.Start(ctx, session.StartOptions{Language: cfg.Session.Language}); err != nil {
		return err
	}
	if _, err := ctrl.Wait(ctx, func(s session.Snapshot) bool {
		return s.Lifecycle == session.LifecycleReady || s.Lifecycle == session.LifecycleError
	}); err != nil {
		return err
	}

	readCtx, cancelRead := context.WithCancel(ctx)
	defer cancelRead()
	lines := readLines(readCtx, in)
	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(l)
		}
		if line == "" {
			continue
		}

		switch {
		case line == "/quit":
			return nil
		case line == "/stop":
			if err := ctrl.Stop(ctx); err != nil {
				w.printf("! %v\n", err)
			}
		case line == "/retry":
			if err := ctrl.Retry(ctx); err != nil {
				w.printf("! %v\n", err)
				continue
			}
			ctrl.Wait(ctx, func(s session.Snapshot) bool { return s.Lifecycle != session.LifecycleLoading })
		case strings.HasPrefix(line, "/lang "):
			lang := strings.TrimSpace(strings.TrimPrefix(line, "/lang "))
			if err := ctrl.ChangeLanguage(ctx, lang); err != nil {
				w.printf("! %v\n", err)
				continue
			}
			ctrl.Wait(ctx, func(s session.Snapshot) bool { return s.Lifecycle != session.LifecycleLoading })
		case line == "/state":
			raw, _ := json.MarshalIndent(ctrl.Snapshot(), "", "  ")
			w.printf("%s\n", raw)
		default:
			if err := ctrl.SendMessage(ctx, line); err != nil {
				w.printf("! %v\n", err)
				continue
			}
			waitCtx, cancel := context.WithTimeout(ctx, cfg.Session.ResponseTimeout+5*time.Second)
			ctrl.Wait(waitCtx, turnSettled)
			cancel()
		}
	}
}
