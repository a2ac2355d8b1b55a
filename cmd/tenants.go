package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sunward-labs/chatpipe/internal/model"
)

var tenantsCmd = &cobra.Command{
	Use:   "tenants",
	Short: "Manage tenant accounts",
}

var tenantsLoadCmd = &cobra.Command{
	Use:   "load <file>",
	Short: "Upsert tenants from a YAML seed file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("pipeline"); err != nil {
			return err
		}

		tenants, err := loadTenantFile(args[0])
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		for _, t := range tenants {
			if err := st.UpsertTenant(ctx, t); err != nil {
				return eris.Wrapf(err, "upsert tenant %s", t.ID)
			}
		}

		zap.L().Info("tenants loaded",
			zap.Int("count", len(tenants)),
			zap.String("file", args[0]),
		)
		return nil
	},
}

var tenantsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all tenants",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("pipeline"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		tenants, err := st.ListTenants(ctx)
		if err != nil {
			return eris.Wrap(err, "list tenants")
		}

		for _, t := range tenants {
			fmt.Printf("%-24s %-10s %-30s %s\n", t.ID, t.Status, t.Name, t.FeedURL)
		}
		fmt.Printf("\n%d tenant(s)\n", len(tenants))
		return nil
	},
}

// tenantFile is the YAML seed file layout.
type tenantFile struct {
	Tenants []model.Tenant `yaml:"tenants"`
}

func loadTenantFile(path string) ([]model.Tenant, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "read tenant file")
	}

	var tf tenantFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, eris.Wrap(err, "parse tenant file")
	}
	if len(tf.Tenants) == 0 {
		return nil, eris.New("tenant file has no tenants")
	}

	for i := range tf.Tenants {
		t := &tf.Tenants[i]
		if t.ID == "" {
			return nil, eris.Errorf("tenant %d has no id", i)
		}
		if t.Status == "" {
			t.Status = model.TenantActive
		}
		if t.Status != model.TenantActive && t.Status != model.TenantInactive {
			return nil, eris.Errorf("tenant %s has invalid status %q", t.ID, t.Status)
		}
	}
	return tf.Tenants, nil
}

func init() {
	tenantsCmd.AddCommand(tenantsLoadCmd)
	tenantsCmd.AddCommand(tenantsListCmd)
	rootCmd.AddCommand(tenantsCmd)
}
