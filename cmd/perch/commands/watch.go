package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/perch/internal/printer"
	"github.com/dyluth/perch/internal/replica"
	"github.com/dyluth/perch/pkg/board"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream tab activity in the current scope",
	Long: `Stream tab activity in the current scope until interrupted.

Runs a full replica: inbound broadcasts pass the validation, self-message,
sequence, scope and debounce filters before they are shown, so the stream
matches exactly what an attached context would apply.

Examples:
  # Watch the default scope
  perch watch

  # Watch a specific scope
  perch watch --scope workspace-2`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := connect(ctx, cfg.Instance)
	if err != nil {
		return err
	}
	defer client.Close()

	engine, err := replica.NewEngine(client, cfg)
	if err != nil {
		return err
	}

	engine.Protocol().Subscribe(func(msg *board.BroadcastMessage) {
		stamp := time.UnixMilli(msg.SentAtMs).Format("15:04:05")
		switch msg.Type {
		case board.MessageTypeCreate:
			printer.Success("%s  create   %s (%s)\n", stamp, shortID(msg.TabID), truncate(msg.Tab.EmbeddedURL, 40))
		case board.MessageTypeUpdatePosition:
			printer.Info("%s  move     %s to %d,%d\n", stamp, shortID(msg.TabID), msg.Position.Left, msg.Position.Top)
		case board.MessageTypeUpdateSize:
			printer.Info("%s  resize   %s to %dx%d\n", stamp, shortID(msg.TabID), msg.Size.Width, msg.Size.Height)
		case board.MessageTypeMinimize:
			printer.Info("%s  minimize %s\n", stamp, shortID(msg.TabID))
		case board.MessageTypeRestore:
			printer.Info("%s  restore  %s\n", stamp, shortID(msg.TabID))
		case board.MessageTypeClose:
			printer.Warning("%s  close    %s\n", stamp, shortID(msg.TabID))
		case board.MessageTypeSnapshot:
			printer.Step("%s  snapshot %d tabs from %s\n", stamp, len(msg.Tabs), shortID(msg.SenderID))
		}
	})

	fmt.Printf("Watching scope '%s' on instance '%s' (Ctrl-C to stop)...\n", cfg.Scope, cfg.Instance)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	errCh := make(chan error, 1)
	go func() {
		errCh <- engine.Run(ctx)
	}()

	select {
	case <-sigCh:
		fmt.Println("\nStopped watching.")
		cancel()
		<-errCh
		return nil
	case runErr := <-errCh:
		if runErr != nil && runErr != context.Canceled {
			return runErr
		}
		return nil
	}
}
