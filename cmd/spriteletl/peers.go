package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/sprited/sprited/internal/core"
	"github.com/sprited/sprited/internal/rpc"
)

var (
	peerDialMap []string
	showTrace   bool
)

var peersCmd = &cobra.Command{
	Use:   "peers <peer-id>...",
	Short: "probe liveness of one or more peers and print their recovery trace",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runPeers,
}

func init() {
	peersCmd.Flags().StringArrayVar(&peerDialMap, "dial", nil, "peer-id=host:port mapping, repeatable")
	peersCmd.Flags().BoolVar(&showTrace, "trace", false, "include the per-peer recovery trace")
}

func runPeers(cmd *cobra.Command, args []string) error {
	tunables := loadTunables(cmd.Flags())
	dialer, err := parseDialMap(peerDialMap)
	if err != nil {
		return err
	}

	transport := rpc.NewGobTransport(dialer)
	c := core.New(selfHost, bootGen, transport, tunables)
	defer c.Close()

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"peer", "status", "liveness"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, a := range args {
		peer, err := strconv.Atoi(a)
		if err != nil {
			return fmt.Errorf("invalid peer id %q: %w", a, err)
		}
		status := c.Registry.IsDead(ctx, peer, true)
		table.Append([]string{a, status.String(), c.Registry.Liveness(peer).String()})

		if showTrace {
			for _, rec := range c.Registry.RecovTrace(peer) {
				fmt.Printf("  [%s] peer=%d liveness=%s cause=%s\n", rec.At.Format(time.RFC3339), rec.Peer, rec.Liveness, rec.Cause)
			}
		}
	}
	table.Render()
	return nil
}

func parseDialMap(entries []string) (rpc.Dialer, error) {
	m := make(map[int]string)
	for _, e := range entries {
		var peer int
		var addr string
		if _, err := fmt.Sscanf(e, "%d=%s", &peer, &addr); err != nil {
			return nil, fmt.Errorf("invalid --dial entry %q (want peer-id=host:port): %w", e, err)
		}
		m[peer] = addr
	}
	return func(peer int) (string, error) {
		addr, ok := m[peer]
		if !ok {
			return "", fmt.Errorf("no --dial entry for peer %d", peer)
		}
		return addr, nil
	}, nil
}
