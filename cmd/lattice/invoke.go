package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/oriys/lattice/internal/cluster"
	"github.com/oriys/lattice/internal/config"
	"github.com/oriys/lattice/internal/engine"
	"github.com/oriys/lattice/internal/logging"
	"github.com/oriys/lattice/internal/operation"
	"github.com/oriys/lattice/internal/partition"
	"github.com/oriys/lattice/internal/transport"
)

func invokeCmd() *cobra.Command {
	var target string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "invoke [payload]",
		Short: "Send an echo operation to a running node",
		Long:  "Connects to the grid's messaging fabric as a transient client (not a member) and invokes an echo operation on the target member",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := "ping"
			if len(args) == 1 {
				payload = args[0]
			}
			return runInvoke(target, payload, timeout)
		},
	}

	cmd.Flags().StringVar(&target, "target", "", "target member address (default: configured bind address)")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "wait bound for the response")
	return cmd
}

func runInvoke(target, payload string, timeout time.Duration) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if target == "" {
		target = cfg.BindAddress
	}
	targetAddr, err := cluster.ParseAddress(target)
	if err != nil {
		return err
	}

	logging.InitStructured(cfg.LogFormat, "warn")

	// A transient client identity; it never appears in the grid's
	// membership, it only needs unique response subjects.
	clientAddr := cluster.NewAddress("client-"+uuid.NewString()[:8], 0)

	tr, err := transport.Connect(transport.Config{URL: cfg.NATSURL, Name: "lattice-client"}, clientAddr)
	if err != nil {
		return err
	}
	defer tr.Close()

	members := cluster.NewRegistry(nil, cluster.DefaultConfig(clientAddr.String()))
	partitions := partition.NewTable(cfg.PartitionCount)

	eng := engine.New(engine.DefaultConfig(clientAddr), members, partitions, tr)
	if err := eng.Start(context.Background()); err != nil {
		return err
	}
	defer eng.Shutdown()

	// The client needs the target in its own view to pass the member
	// check on dispatch.
	if err := members.RegisterMember(context.Background(), &cluster.Member{
		ID:      targetAddr.String(),
		Address: targetAddr,
	}); err != nil {
		return err
	}

	start := time.Now()
	inv := eng.InvokeOnTarget("echo-service", operation.NewEchoOperation([]byte(payload)), targetAddr)
	result, err := inv.GetWithTimeout(timeout)
	if err != nil {
		return fmt.Errorf("invoke %s: %w", targetAddr, err)
	}

	fmt.Printf("%v  (%s, %s)\n", result, targetAddr, time.Since(start).Round(time.Millisecond))
	return nil
}
