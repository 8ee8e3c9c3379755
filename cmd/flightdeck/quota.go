package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/flightdeck-ai/flightdeck/internal/config"
	"github.com/flightdeck-ai/flightdeck/internal/quota"
)

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Manage tenant quota definitions",
}

var quotaFlags struct {
	cpuCores       float64
	memoryGB       float64
	storageGB      float64
	tokensPerDay   float64
	costPerDayUSD  float64
	gpus           float64
	concurrentRuns int
	burstCPUCores  float64
	burstMemoryGB  float64
}

var quotaSetCmd = &cobra.Command{
	Use:   "set <tenant-id>",
	Short: "Create or update a tenant's quota definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeFn, err := openDefinitionStore()
		if err != nil {
			return err
		}
		defer closeFn()

		q := &quota.TenantQuota{
			TenantID:          args[0],
			MaxCPUCores:       quotaFlags.cpuCores,
			MaxMemoryGB:       quotaFlags.memoryGB,
			MaxStorageGB:      quotaFlags.storageGB,
			MaxTokensPerDay:   quotaFlags.tokensPerDay,
			MaxCostPerDayUSD:  quotaFlags.costPerDayUSD,
			MaxGPUs:           quotaFlags.gpus,
			MaxConcurrentRuns: quotaFlags.concurrentRuns,
			BurstCPUCores:     quotaFlags.burstCPUCores,
			BurstMemoryGB:     quotaFlags.burstMemoryGB,
		}

		existing, err := store.GetDefinition(cmd.Context(), q.TenantID)
		if err != nil {
			return err
		}
		if existing == nil {
			err = store.CreateDefinition(cmd.Context(), q)
		} else {
			err = store.UpdateDefinition(cmd.Context(), q)
		}
		if err != nil {
			return err
		}
		cmd.Printf("Quota for tenant %s saved\n", q.TenantID)
		return nil
	},
}

var quotaGetCmd = &cobra.Command{
	Use:   "get <tenant-id>",
	Short: "Show a tenant's quota definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeFn, err := openDefinitionStore()
		if err != nil {
			return err
		}
		defer closeFn()

		q, err := store.GetDefinition(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if q == nil {
			return fmt.Errorf("no quota definition for tenant %s", args[0])
		}
		return printJSON(cmd, q)
	},
}

var quotaListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all quota definitions",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeFn, err := openDefinitionStore()
		if err != nil {
			return err
		}
		defer closeFn()

		quotas, err := store.ListDefinitions(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd, quotas)
	},
}

var quotaDeleteCmd = &cobra.Command{
	Use:   "delete <tenant-id>",
	Short: "Delete a tenant's quota definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, closeFn, err := openDefinitionStore()
		if err != nil {
			return err
		}
		defer closeFn()

		if err := store.DeleteDefinition(cmd.Context(), args[0]); err != nil {
			return err
		}
		cmd.Printf("Quota for tenant %s deleted\n", args[0])
		return nil
	},
}

func openDefinitionStore() (quota.DefinitionStore, func(), error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, err
	}
	if len(cfg.Etcd.Endpoints) == 0 {
		return nil, nil, fmt.Errorf("quota commands require etcd.endpoints in the configuration")
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Etcd.Endpoints,
		DialTimeout: cfg.Etcd.DialTimeout,
		Username:    cfg.Etcd.Username,
		Password:    cfg.Etcd.Password,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	return quota.NewEtcdDefinitionStore(client, cfg.Etcd.QuotaPrefix), func() { client.Close() }, nil
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	cmd.Println(string(data))
	return nil
}

func init() {
	for _, c := range []*cobra.Command{quotaSetCmd} {
		c.Flags().Float64Var(&quotaFlags.cpuCores, "cpu-cores", 0, "Maximum CPU cores")
		c.Flags().Float64Var(&quotaFlags.memoryGB, "memory-gb", 0, "Maximum memory in GB")
		c.Flags().Float64Var(&quotaFlags.storageGB, "storage-gb", 0, "Maximum storage in GB")
		c.Flags().Float64Var(&quotaFlags.tokensPerDay, "tokens-per-day", 0, "Maximum tokens per day")
		c.Flags().Float64Var(&quotaFlags.costPerDayUSD, "cost-per-day", 0, "Maximum cost per day in USD")
		c.Flags().Float64Var(&quotaFlags.gpus, "gpus", 0, "Maximum GPUs")
		c.Flags().IntVar(&quotaFlags.concurrentRuns, "concurrent-runs", 0, "Maximum concurrent runs")
		c.Flags().Float64Var(&quotaFlags.burstCPUCores, "burst-cpu-cores", 0, "CPU burst allowance")
		c.Flags().Float64Var(&quotaFlags.burstMemoryGB, "burst-memory-gb", 0, "Memory burst allowance in GB")
	}

	quotaCmd.AddCommand(quotaSetCmd)
	quotaCmd.AddCommand(quotaGetCmd)
	quotaCmd.AddCommand(quotaListCmd)
	quotaCmd.AddCommand(quotaDeleteCmd)
}
