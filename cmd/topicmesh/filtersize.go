package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/topicmesh/pkg/pubsub"
)

func newFilterSizeCommand() *cobra.Command {
	config := pubsub.DefaultConfig("filter-size")

	cmd := &cobra.Command{
		Use:   "filter-size",
		Short: "Show the filter shape for sizing options",
		Long: `filter-size prints the bit count, hash count and replicated size of the
topic filter derived from the sizing options. Every node of a cluster must use
options that give the same shape.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Validate(); err != nil {
				return err
			}
			params := config.FilterParams()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "bits:   %d\n", params.Bits)
			fmt.Fprintf(out, "hashes: %d\n", params.Hashes)
			fmt.Fprintf(out, "seed:   %d\n", params.Seed)
			fmt.Fprintf(out, "bytes:  %d\n", params.ByteSize())
			return nil
		},
	}

	cmd.Flags().IntVar(&config.ExpectedSubscriberCount, "expected-subscribers", config.ExpectedSubscriberCount, "Expected subscribers per node")
	cmd.Flags().IntVar(&config.ExpectedTopicsPerSubscriber, "topics-per-subscriber", config.ExpectedTopicsPerSubscriber, "Expected topics per subscriber")
	cmd.Flags().Float64Var(&config.FalsePositiveRate, "false-positive-rate", config.FalsePositiveRate, "Target false positive rate")
	cmd.Flags().Uint64Var(&config.Seed, "seed", config.Seed, "Hash seed")
	return cmd
}
