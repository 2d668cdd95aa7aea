// Command clusterctl is a small admin tool that talks to a local clusterd
// over its client socket.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dreamware/clusterd/internal/dispatch"
	"github.com/dreamware/clusterd/internal/protocol"
	"github.com/dreamware/clusterd/internal/state"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cl := &ctl{
		Socket:    envOr("CLUSTERD_SOCKET", "/var/run/clusterd/clusterd.socket"),
		OutFormat: envOr("CLUSTERCTL_OUT", "text"),
		Timeout:   10 * time.Second,
		Dest:      protocol.CurrentNode,
	}
	var node int64 = -1

	root := &cobra.Command{
		Use:           "clusterctl",
		Short:         "Admin tool for a local clusterd",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cl.out = cmd.OutOrStdout()
			if cl.OutFormat != "json" && cl.OutFormat != "text" {
				return fmt.Errorf("--out must be json or text")
			}
			if node >= 0 {
				cl.Dest = uint32(node)
			}
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) { cl.close() },
	}
	pf := root.PersistentFlags()
	pf.StringVar(&cl.Socket, "socket", cl.Socket, "daemon socket (env CLUSTERD_SOCKET)")
	pf.StringVar(&cl.OutFormat, "out", cl.OutFormat, "output format: json|text (env CLUSTERCTL_OUT)")
	pf.DurationVar(&cl.Timeout, "timeout", cl.Timeout, "request timeout")
	pf.Int64Var(&node, "node", node, "pnn to send controls to, default the local node")

	root.AddCommand(
		&cobra.Command{
			Use:   "ping",
			Short: "Check that the daemon answers",
			Args:  cobra.NoArgs,
			RunE: func(*cobra.Command, []string) error {
				rep, err := cl.control(protocol.ControlPing, nil)
				if err != nil {
					return err
				}
				cl.print(map[string]any{"ok": true, "clients": rep.Status},
					fmt.Sprintf("ok (%d clients)", rep.Status))
				return nil
			},
		},
		&cobra.Command{
			Use:   "pnn",
			Short: "Print the node number",
			Args:  cobra.NoArgs,
			RunE: func(*cobra.Command, []string) error {
				rep, err := cl.control(protocol.ControlGetPNN, nil)
				if err != nil {
					return err
				}
				cl.print(map[string]any{"pnn": rep.Status}, fmt.Sprintf("PNN:%d", rep.Status))
				return nil
			},
		},
		recmodeCmd(cl),
		&cobra.Command{
			Use:   "generation",
			Short: "Print the cluster generation",
			Args:  cobra.NoArgs,
			RunE: func(*cobra.Command, []string) error {
				rep, err := cl.control(protocol.ControlGetGeneration, nil)
				if err != nil {
					return err
				}
				gen, err := protocol.DecodeUint32(rep.Data)
				if err != nil {
					return err
				}
				cl.print(map[string]any{"generation": gen}, fmt.Sprintf("Generation:%d", gen))
				return nil
			},
		},
		statusCmd(cl),
		attachCmd(cl),
		fetchCmd(cl),
		simpleControl(cl, "freeze", "Freeze every database", protocol.ControlFreeze),
		simpleControl(cl, "thaw", "Thaw every database", protocol.ControlThaw),
		simpleControl(cl, "shutdown", "Stop the daemon", protocol.ControlShutdown),
	)
	return root
}

func recmodeCmd(cl *ctl) *cobra.Command {
	return &cobra.Command{
		Use:   "recmode [normal|active]",
		Short: "Print or set the recovery mode",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if len(args) == 1 {
				var mode state.RecoveryMode
				switch strings.ToLower(args[0]) {
				case "normal", "0":
					mode = state.RecoveryNormal
				case "active", "1":
					mode = state.RecoveryActive
				default:
					return fmt.Errorf("unknown recovery mode %q", args[0])
				}
				if _, err := cl.control(protocol.ControlSetRecMode, protocol.EncodeUint32(uint32(mode))); err != nil {
					return err
				}
			}
			rep, err := cl.control(protocol.ControlGetRecMode, nil)
			if err != nil {
				return err
			}
			mode := state.RecoveryMode(rep.Status).String()
			cl.print(map[string]any{"recmode": mode}, mode)
			return nil
		},
	}
}

func statusCmd(cl *ctl) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print node, cluster and database status",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			rep, err := cl.control(protocol.ControlStatus, nil)
			if err != nil {
				return err
			}
			var s dispatch.Status
			if err := json.Unmarshal(rep.Data, &s); err != nil {
				return fmt.Errorf("decode status: %w", err)
			}
			cl.print(s, formatStatus(s))
			return nil
		},
	}
}

func formatStatus(s dispatch.Status) string {
	var b strings.Builder
	fmt.Fprintf(&b, "PNN:%d  run state:%s  recovery mode:%s  generation:%d  uptime:%s\n",
		s.PNN, s.RunState, s.RecoveryMode, s.Generation, s.Uptime)
	fmt.Fprintf(&b, "Number of nodes:%d\n", len(s.Nodes))
	for _, n := range s.Nodes {
		mark := ""
		if n.PNN == s.PNN {
			mark = " (THIS NODE)"
		}
		fmt.Fprintf(&b, "pnn:%d %-22s %s%s\n", n.PNN, n.Address, n.Flags, mark)
	}
	fmt.Fprintf(&b, "Clients:%d  calls:%d pending:%d  controls:%d pending:%d",
		s.Clients, s.Stats.TotalCalls, s.Stats.PendingCalls, s.Stats.TotalControls, s.Stats.PendingControls)
	for _, db := range s.Databases {
		fmt.Fprintf(&b, "\ndb 0x%08x %s", db.ID, db.Name)
	}
	return b.String()
}

func attachCmd(cl *ctl) *cobra.Command {
	var persistent, replicated bool
	cmd := &cobra.Command{
		Use:   "attach <name>",
		Short: "Attach a database and print its id",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			a := protocol.DBAttach{Name: args[0]}
			if persistent {
				a.Flags |= protocol.AttachPersistent
			}
			if replicated {
				a.Flags |= protocol.AttachReplicated
			}
			rep, err := cl.control(protocol.ControlDBAttach, a.Marshal())
			if err != nil {
				return err
			}
			id, err := protocol.DecodeUint32(rep.Data)
			if err != nil {
				return err
			}
			cl.print(map[string]any{"name": a.Name, "id": id}, fmt.Sprintf("0x%08x", id))
			return nil
		},
	}
	cmd.Flags().BoolVar(&persistent, "persistent", false, "attach as persistent")
	cmd.Flags().BoolVar(&replicated, "replicated", false, "attach as replicated")
	return cmd
}

func fetchCmd(cl *ctl) *cobra.Command {
	return &cobra.Command{
		Use:   "fetch <db> <key>",
		Short: "Print the value of a record",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			dbid, err := resolveDB(cl, args[0])
			if err != nil {
				return err
			}
			data, err := cl.call(dbid, protocol.CallFetch, []byte(args[1]))
			if err != nil {
				return err
			}
			cl.print(map[string]any{"key": args[1], "value": string(data)}, string(data))
			return nil
		},
	}
}

// resolveDB accepts a database id (decimal or 0x hex) or name.
func resolveDB(cl *ctl, s string) (uint32, error) {
	if v, err := strconv.ParseUint(s, 0, 32); err == nil {
		return uint32(v), nil
	}
	rep, err := cl.control(protocol.ControlGetDBID, []byte(s))
	if err != nil {
		return 0, err
	}
	return protocol.DecodeUint32(rep.Data)
}

func simpleControl(cl *ctl, use, short string, opcode uint32) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			if _, err := cl.control(opcode, nil); err != nil {
				return err
			}
			cl.print(map[string]any{"ok": true}, "ok")
			return nil
		},
	}
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
