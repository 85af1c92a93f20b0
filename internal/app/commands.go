package app

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nearwave/nearwave/internal/config"
	"github.com/nearwave/nearwave/internal/discovery"
	"github.com/nearwave/nearwave/internal/link"
	"github.com/nearwave/nearwave/internal/registry"
)

// Execute runs the command line interface.
func Execute() {
	cfg := config.FromEnv()
	if err := newRootCmd(&cfg).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd(cfg *config.Config) *cobra.Command {
	root := &cobra.Command{
		Use:   "nearwave",
		Short: "walkie-talkie style audio links between nearby devices",
		Long: `nearwave connects exactly two nearby devices over the local network and
streams live audio both ways. One device hosts and announces itself, the
other scans, picks it, and connects.`,
		SilenceUsage: true,
	}
	cfg.AddFlags(root.PersistentFlags())
	root.AddCommand(newHostCmd(cfg), newJoinCmd(cfg), newDevicesCmd(cfg), newWatchCmd(cfg), newVersionCmd())
	return root
}

func newHostCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "host",
		Short: "announce this device and wait for a peer to connect",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := NewRuntime(*cfg)
			if err != nil {
				return err
			}
			defer r.Close()

			r.Manager.Subscribe(printStatus)
			if err := r.Manager.RequestHost(cmd.Context()); err != nil {
				return err
			}
			return interact(r)
		},
	}
}

func newJoinCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "join [addr]",
		Short: "scan for a hosting device and connect, or connect directly to addr",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := NewRuntime(*cfg)
			if err != nil {
				return err
			}
			defer r.Close()

			r.Manager.Subscribe(printStatus)
			if len(args) == 1 {
				if err := r.Manager.RequestConnect(args[0]); err != nil {
					return err
				}
			} else {
				r.Manager.SubscribeCandidates(printCandidates)
				if err := r.Manager.RequestScan(cmd.Context()); err != nil {
					return err
				}
				fmt.Println("scanning; enter a number to connect")
			}
			return interact(r)
		},
	}
}

func newDevicesCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "list devices a link was previously established with",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := registry.Open(cfg.RegistryPath)
			if err != nil {
				return err
			}
			defer store.Close()

			devs, err := store.All()
			if err != nil {
				return err
			}
			if len(devs) == 0 {
				fmt.Println("no remembered devices")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ADDRESS\tNAME\tLAST SEEN")
			for _, d := range devs {
				fmt.Fprintf(w, "%s\t%s\t%s\n", d.Addr, d.Name, d.LastSeen.Local().Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}
}

// interact drives the manager from stdin until the user quits or the
// process is signalled. Commands: t toggles transmit, d disconnects,
// q quits, a number connects to that scan candidate.
func interact(r *Runtime) error {
	fmt.Println("commands: t = talk/mute, d = disconnect, q = quit")

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-sigs:
			fmt.Println("shutting down")
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			switch line {
			case "":
			case "q":
				return nil
			case "d":
				if err := r.Manager.Disconnect(); err != nil {
					fmt.Println("disconnect:", err)
				}
			case "t":
				on := !r.Manager.Status().Transmitting
				if err := r.Manager.SetTransmit(on); err != nil {
					fmt.Println("transmit:", err)
				}
			default:
				n, err := strconv.Atoi(line)
				if err != nil {
					fmt.Println("unknown command", line)
					continue
				}
				candidates := r.Manager.Candidates()
				if n < 1 || n > len(candidates) {
					fmt.Println("no such candidate", n)
					continue
				}
				if err := r.Manager.RequestConnect(candidates[n-1].Addr); err != nil {
					fmt.Println("connect:", err)
				}
			}
		}
	}
}

func printStatus(st link.Status) {
	fmt.Printf("* %s\n", st.Text())
}

func printCandidates(cs []discovery.Candidate) {
	fmt.Println("nearby devices:")
	for i, c := range cs {
		fmt.Printf("  [%d] %s (%s)\n", i+1, c.Label(), c.Addr)
	}
}
