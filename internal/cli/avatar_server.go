package cli

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"LiveAvatarGateway/internal/testserver"
)

func newAvatarServerCommand(a *app) *cobra.Command {
	var (
		listen      string
		replyDelay  time.Duration
		speech      time.Duration
		greeting    string
		token       string
		failStarts  int
		noDuplicate bool
	)

	cmd := &cobra.Command{
		Use:   "avatar-server",
		Short: "Run the scripted avatar stream server",
		Long: `avatar-server speaks the avatar stream protocol over WebSocket and answers every
message with "You said: <text>". Useful with "liveavatar chat" when no real avatar
service is available.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg := testserver.DefaultServerConfig(listen)
			cfg.ReplyDelay = replyDelay
			cfg.SpeechDuration = speech
			cfg.Greeting = greeting
			cfg.RequireToken = token
			cfg.FailStartTimes = failStarts
			cfg.DuplicateReplies = !noDuplicate

			srv := testserver.New(cfg)
			if err := srv.Start(); err != nil {
				return err
			}
			<-ctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}

	f := cmd.Flags()
	f.StringVar(&listen, "listen", ":8081", "listen address")
	f.DurationVar(&replyDelay, "reply-delay", 300*time.Millisecond, "delay before the avatar starts speaking")
	f.DurationVar(&speech, "speech-duration", time.Second, "how long the avatar speaks")
	f.StringVar(&greeting, "greeting", "", "greeting spoken once the stream is ready")
	f.StringVar(&token, "require-token", "", "reject connections without this bearer token")
	f.IntVar(&failStarts, "fail-starts", 0, "fail the first N start commands")
	f.BoolVar(&noDuplicate, "no-duplicates", false, "send each avatar transcription once")
	return cmd
}
