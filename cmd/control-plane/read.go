package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var restAddr string

func init() {
	for _, cmd := range []*cobra.Command{nodesCmd, poolsCmd, volumesCmd} {
		cmd.PersistentFlags().StringVar(&restAddr, "rest-addr", "127.0.0.1:8081", "control plane REST statistics endpoint")
	}
}

func restGet(path string, out interface{}) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://%s%s", restAddr, path))
	if err != nil {
		return fmt.Errorf("reach control plane at %s: %w", restAddr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("control plane returned %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "Inspect storage nodes",
}

var nodesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known storage nodes and their health",
	RunE: func(cmd *cobra.Command, args []string) error {
		var body struct {
			Nodes []struct {
				Name     string `json:"name"`
				Healthy  bool   `json:"healthy"`
				Synced   bool   `json:"synced"`
				Failures int    `json:"failures"`
			} `json:"nodes"`
		}
		if err := restGet("/nodes", &body); err != nil {
			return err
		}
		if len(body.Nodes) == 0 {
			fmt.Println("No nodes found")
			return nil
		}

		fmt.Printf("%-24s %-10s %-10s %-10s\n", "NAME", "HEALTHY", "SYNCED", "FAILURES")
		for _, n := range body.Nodes {
			fmt.Printf("%-24s %-10t %-10t %-10d\n", n.Name, n.Healthy, n.Synced, n.Failures)
		}
		return nil
	},
}

var poolsCmd = &cobra.Command{
	Use:   "pools",
	Short: "Inspect storage pools",
}

var poolsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every pool observed across every node",
	RunE: func(cmd *cobra.Command, args []string) error {
		var body struct {
			Pools []struct {
				Node      string `json:"node"`
				Name      string `json:"name"`
				State     string `json:"state"`
				CapacityB uint64 `json:"capacity_bytes"`
				UsedB     uint64 `json:"used_bytes"`
			} `json:"pools"`
		}
		if err := restGet("/pools", &body); err != nil {
			return err
		}
		if len(body.Pools) == 0 {
			fmt.Println("No pools found")
			return nil
		}

		fmt.Printf("%-24s %-16s %-10s %-14s %-14s\n", "NODE", "POOL", "STATE", "CAPACITY", "USED")
		for _, p := range body.Pools {
			fmt.Printf("%-24s %-16s %-10s %-14d %-14d\n", p.Node, p.Name, p.State, p.CapacityB, p.UsedB)
		}
		return nil
	},
}

var volumesCmd = &cobra.Command{
	Use:   "volumes",
	Short: "Inspect volumes",
}

var volumesDescribeCmd = &cobra.Command{
	Use:   "describe <uuid>",
	Short: "Show a volume's state and per-replica I/O counters",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var stats struct {
			UUID     string `json:"uuid"`
			State    string `json:"state"`
			Reason   string `json:"reason"`
			Size     uint64 `json:"size_bytes"`
			Replicas []struct {
				Node         string `json:"node"`
				Pool         string `json:"pool"`
				BytesRead    uint64 `json:"bytes_read"`
				BytesWritten uint64 `json:"bytes_written"`
				Offline      bool   `json:"offline"`
			} `json:"replicas"`
		}
		if err := restGet("/volumes/"+args[0]+"/stats", &stats); err != nil {
			return err
		}

		fmt.Printf("uuid:   %s\n", stats.UUID)
		fmt.Printf("state:  %s\n", stats.State)
		if stats.Reason != "" {
			fmt.Printf("reason: %s\n", stats.Reason)
		}
		fmt.Printf("size:   %d bytes\n", stats.Size)
		if len(stats.Replicas) == 0 {
			return nil
		}

		fmt.Println()
		fmt.Printf("%-24s %-16s %-14s %-14s %-10s\n", "NODE", "POOL", "READ", "WRITTEN", "OFFLINE")
		for _, r := range stats.Replicas {
			fmt.Printf("%-24s %-16s %-14d %-14d %-10t\n", r.Node, r.Pool, r.BytesRead, r.BytesWritten, r.Offline)
		}
		return nil
	},
}

func init() {
	nodesCmd.AddCommand(nodesListCmd)
	poolsCmd.AddCommand(poolsListCmd)
	volumesCmd.AddCommand(volumesDescribeCmd)
}
