package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/julienstroheker/hexrelay/internal/config"
	"github.com/julienstroheker/hexrelay/internal/logging"
	"github.com/julienstroheker/hexrelay/internal/peerconn"
	"github.com/julienstroheker/hexrelay/internal/relay"
	"github.com/julienstroheker/hexrelay/node"
)

const defaultDemoTicks = 50

var demoTicksFlag int

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a host and a client in process over the in-memory relay",
	Long: `Run a listen server (alice) and a client (bob) in one process over the
in-memory relay, exchange a game packet each way and one reliable message`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDemo(cmd.Context(), cmd.OutOrStdout(), demoTicksFlag)
	},
}

func init() {
	rootCmd.AddCommand(demoCmd)
	demoCmd.Flags().IntVar(&demoTicksFlag, "ticks", defaultDemoTicks, "Maximum ticks to wait for each step")
}

type demoInbox struct {
	packets []string
}

func (d *demoInbox) HandlePacket(_ *peerconn.Conn, p []byte) {
	d.packets = append(d.packets, string(p))
}

type demoPeer struct {
	*node.Node
	inbox *demoInbox
}

func newDemoPeer(network *relay.MemoryNetwork, identity relay.Identity, onMessage func(sender, receiver relay.Identity, typ, payload string)) (*demoPeer, error) {
	c := config.Default()
	c.AdminPort = 0
	inbox := &demoInbox{}
	n, err := node.New(&node.Options{
		Config:    c,
		Transport: network,
		Handler:   inbox,
		OnMessage: onMessage,
		Logger:    logger.With(logging.Stringer(logging.KeyIdentity, identity)),
	})
	if err != nil {
		return nil, err
	}
	if err := n.Login(0, identity); err != nil {
		_ = n.Close()
		return nil, err
	}
	return &demoPeer{Node: n, inbox: inbox}, nil
}

func runDemo(ctx context.Context, out io.Writer, maxTicks int) error {
	if maxTicks <= 0 {
		maxTicks = defaultDemoTicks
	}
	network := relay.NewMemoryNetwork(logger)

	var received []string
	alice, err := newDemoPeer(network, "alice", func(sender, _ relay.Identity, typ, payload string) {
		received = append(received, fmt.Sprintf("%s from %s: %s", typ, sender, payload))
	})
	if err != nil {
		return err
	}
	defer func() { _ = alice.Close() }()

	bob, err := newDemoPeer(network, "bob", nil)
	if err != nil {
		return err
	}
	defer func() { _ = bob.Close() }()

	step := func(name string, done func() bool) error {
		for i := 0; i < maxTicks; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			alice.Tick()
			bob.Tick()
			if done() {
				fmt.Fprintf(out, "ok   %s\n", name)
				return nil
			}
		}
		return fmt.Errorf("demo step %q did not finish in %d ticks", name, maxTicks)
	}

	if err := alice.Host(0); err != nil {
		return err
	}
	fmt.Fprintf(out, "alice hosts on %s\n", alice.Driver().LocalAddress())

	if err := bob.Join(ctx, "alice.relay:7777"); err != nil {
		return err
	}
	if err := step("bob connects", bob.Connected); err != nil {
		return err
	}

	if err := bob.SendToServer([]byte("hello from bob")); err != nil {
		return err
	}
	if err := step("alice receives a packet", func() bool { return len(alice.inbox.packets) > 0 }); err != nil {
		return err
	}

	if err := alice.Broadcast([]byte("welcome, bob")); err != nil {
		return err
	}
	if err := step("bob receives a packet", func() bool { return len(bob.inbox.packets) > 0 }); err != nil {
		return err
	}

	var acked *bool
	err = bob.SendMessage("bob", "alice", "chat", "gg", func(ok bool) { acked = &ok })
	if err != nil {
		return err
	}
	if err := step("bob's message is acknowledged", func() bool { return acked != nil }); err != nil {
		return err
	}
	if !*acked || len(received) == 0 {
		return errors.New("bob's message was not acknowledged")
	}

	fmt.Fprintf(out, "alice got %q and %q\n", alice.inbox.packets[0], received[0])
	fmt.Fprintf(out, "bob got %q\n", bob.inbox.packets[0])
	return nil
}
