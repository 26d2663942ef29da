package main

import (
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/sprited/sprited/internal/core"
	"github.com/sprited/sprited/internal/rpc"
)

var rpcStatsCmd = &cobra.Command{
	Use:   "rpc-stats",
	Short: "print channel pool occupancy for a local core",
	RunE:  runRPCStats,
}

func runRPCStats(cmd *cobra.Command, args []string) error {
	tunables := loadTunables(cmd.Flags())

	dialer, err := parseDialMap(peerDialMap)
	if err != nil {
		return err
	}
	transport := rpc.NewGobTransport(dialer)
	c := core.New(selfHost, bootGen, transport, tunables)
	defer c.Close()

	stats := c.RPC.Stats()

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"num channels", "free", "busy"})
	table.Append([]string{
		strconv.Itoa(stats.NumChannels),
		strconv.Itoa(stats.Free),
		strconv.Itoa(stats.Busy),
	})
	table.Render()
	return nil
}

func init() {
	rpcStatsCmd.Flags().StringArrayVar(&peerDialMap, "dial", nil, "peer-id=host:port mapping, repeatable")
}
