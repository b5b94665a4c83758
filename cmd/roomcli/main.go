// roomcli is a terminal client for poking at a coderoom server: it joins a
// room through the reconnecting channel, prints every protocol event, and
// sends each stdin line as a code_change. Useful for manual testing.
package main

import (
	"bufio"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"coderoom/internal/channel"
	"coderoom/internal/protocol"
)

var (
	serverURL   string
	maxAttempts int
	backoff     time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "roomcli",
	Short: "Terminal client for a coderoom server",
}

var joinCmd = &cobra.Command{
	Use:   "join <room-id>",
	Short: "Join a room and relay stdin lines as code changes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID := args[0]

		ch, err := channel.Dial(serverURL, channel.Options{
			MaxAttempts: maxAttempts,
			Backoff:     backoff,
			OnConnect: func(ch *channel.Channel) {
				// Rejoin after every (re)connect; the server treats a
				// reconnect as a fresh session.
				if err := ch.Send(protocol.EventJoinRoom, protocol.JoinRoom{
					RoomID: protocol.RoomID(roomID),
				}); err != nil {
					fmt.Fprintln(os.Stderr, "join:", err)
				}
			},
		})
		if err != nil {
			return err
		}
		defer ch.Close()

		go func() {
			scanner := bufio.NewScanner(os.Stdin)
			scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
			for scanner.Scan() {
				if err := ch.Send(protocol.EventCodeChange, protocol.CodeChange{
					RoomID: protocol.RoomID(roomID),
					Code:   scanner.Text(),
				}); err != nil {
					fmt.Fprintln(os.Stderr, "send:", err)
				}
			}
			ch.Close()
		}()

		for env := range ch.Events() {
			if len(env.Data) > 0 {
				fmt.Printf("<- %s %s\n", env.Event, env.Data)
			} else {
				fmt.Printf("<- %s\n", env.Event)
			}
		}
		if err := ch.Err(); err != nil {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s",
		"ws://localhost:8080/ws", "server WebSocket URL")
	rootCmd.PersistentFlags().IntVar(&maxAttempts, "attempts", 5,
		"dial attempts per connect cycle")
	rootCmd.PersistentFlags().DurationVar(&backoff, "backoff", 500*time.Millisecond,
		"base delay between dial attempts")
	rootCmd.AddCommand(joinCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
