package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"attendsync/internal/attendsync"
)

var messageTimeout time.Duration

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Ask the running proxy to replay the outbox now",
	RunE: func(cmd *cobra.Command, args []string) error {
		reply, err := sendMessage(cmd.Context(), attendsync.Message{Type: attendsync.MsgSyncNow})
		if err != nil {
			return err
		}
		if err := printJSON(reply); err != nil {
			return err
		}
		if reply.Type == attendsync.MsgSyncFailed {
			return fmt.Errorf("sync failed: %s", reply.Error)
		}
		if reply.SyncResults != nil && !reply.SyncResults.Success {
			return fmt.Errorf("sync incomplete: %d of %d failed", reply.SyncResults.Failed, reply.SyncResults.Total)
		}
		return nil
	},
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "Print how many attendance writes are waiting to sync",
	RunE: func(cmd *cobra.Command, args []string) error {
		reply, err := sendMessage(cmd.Context(), attendsync.Message{Type: attendsync.MsgCheckPending})
		if err != nil {
			return err
		}
		return printJSON(reply)
	},
}

// sendMessage posts msg to the control route of the proxy described by the
// loaded config.
func sendMessage(ctx context.Context, msg attendsync.Message) (attendsync.Message, error) {
	cfg, err := loadConfig()
	if err != nil {
		return attendsync.Message{}, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, messageTimeout)
	defer cancel()

	body, err := json.Marshal(msg)
	if err != nil {
		return attendsync.Message{}, err
	}
	u := cfg.ControlURL("/message")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return attendsync.Message{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return attendsync.Message{}, fmt.Errorf("post %s: %w", u, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return attendsync.Message{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return attendsync.Message{}, fmt.Errorf("post %s: status %d: %s", u, resp.StatusCode, bytes.TrimSpace(b))
	}
	var reply attendsync.Message
	if err := json.Unmarshal(b, &reply); err != nil {
		return attendsync.Message{}, fmt.Errorf("decode reply: %w", err)
	}
	return reply, nil
}

func init() {
	syncCmd.Flags().DurationVar(&messageTimeout, "timeout", 5*time.Minute, "how long to wait for the reply")
	pendingCmd.Flags().DurationVar(&messageTimeout, "timeout", 5*time.Minute, "how long to wait for the reply")
	rootCmd.AddCommand(syncCmd, pendingCmd)
}
