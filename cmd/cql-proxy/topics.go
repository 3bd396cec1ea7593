package main

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/phast-fr/cql-proxy/internal/infrastructure/redpanda"
)

func topicsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Manage the Kafka topics of the async flow",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "ensure",
		Short: "Create the missing request, result, audit and dead letter topics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			admin, err := a.newAdmin(cmd)
			if err != nil {
				return err
			}
			defer admin.Close()

			k := a.cfg.Kafka
			configs := redpanda.TopicConfigs(redpanda.Topics{
				Requests:   k.RequestTopic,
				Results:    k.ResultTopic,
				Audit:      k.AuditTopic,
				DeadLetter: k.DeadLetterTopic,
			}, k.Partitions, k.Replication)
			created, err := admin.EnsureTopics(cmd.Context(), configs)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d of %d topics created\n", len(created), len(configs))
			for _, name := range created {
				fmt.Fprintln(cmd.OutOrStdout(), "  "+name)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the topics of the cluster",
		RunE: func(cmd *cobra.Command, _ []string) error {
			admin, err := a.newAdmin(cmd)
			if err != nil {
				return err
			}
			defer admin.Close()

			names, err := admin.ListTopics(cmd.Context())
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "describe <topic>",
		Short: "Show the partitions of a topic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			admin, err := a.newAdmin(cmd)
			if err != nil {
				return err
			}
			defer admin.Close()

			details, err := admin.DescribeTopic(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PARTITION\tLEADER\tREPLICAS\tISR")
			for _, p := range details.Partitions {
				fmt.Fprintf(tw, "%d\t%d\t%v\t%v\n", p.ID, p.Leader, p.Replicas, p.ISR)
			}
			return tw.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "lag",
		Short: "Show the lag of the worker consumer group",
		RunE: func(cmd *cobra.Command, _ []string) error {
			admin, err := a.newAdmin(cmd)
			if err != nil {
				return err
			}
			defer admin.Close()

			lag, err := admin.ConsumerGroupLag(cmd.Context(), a.cfg.Kafka.ConsumerGroup)
			if err != nil {
				return err
			}
			return printLag(cmd, lag)
		},
	})

	return cmd
}

func (a *app) newAdmin(cmd *cobra.Command) (*redpanda.Admin, error) {
	if len(a.cfg.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("kafka.brokers is required")
	}
	if err := redpanda.HealthCheck(cmd.Context(), a.cfg.Kafka.Brokers); err != nil {
		return nil, err
	}
	return redpanda.NewAdmin(a.cfg.Kafka.Brokers, a.logger)
}

func printLag(cmd *cobra.Command, lag redpanda.GroupLag) error {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TOPIC\tPARTITION\tLAG")
	for _, topic := range lag.Topics() {
		partitions := make([]int32, 0, len(lag[topic]))
		for p := range lag[topic] {
			partitions = append(partitions, p)
		}
		sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })
		for _, p := range partitions {
			fmt.Fprintf(tw, "%s\t%d\t%d\n", topic, p, lag[topic][p])
		}
	}
	fmt.Fprintf(tw, "TOTAL\t\t%d\n", lag.Total())
	return tw.Flush()
}
