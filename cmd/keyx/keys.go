package main

import (
	"context"

	"github.com/medrex/dlt-keyx/pkg/types"
	"github.com/spf13/cobra"
)

var forceInit bool

func init() {
	keysInitCmd.Flags().BoolVar(&forceInit, "force", false, "replace an existing key pair")
	keysCmd.AddCommand(keysInitCmd, keysShowCmd, keysVerifyCmd)
	rootCmd.AddCommand(keysCmd)
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage the device key pair",
}

var keysInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate and register a key pair",
	Long:  "Generate and register a key pair for --as unless a consistent one exists. --force always generates a new pair, which makes records shared with the identity unreadable until they are shared again.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := caller()
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if forceInit {
				material, err := a.manager.GenerateAndRegister(ctx, id)
				if err != nil {
					return err
				}
				fp, err := material.Fingerprint()
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]interface{}{"identity": id, "fingerprint": fp, "regenerated": true})
			}
			outcome, err := a.records.Provision(ctx, id)
			if err != nil {
				return err
			}
			return printJSON(cmd, outcome)
		})
	},
}

type keyReport struct {
	Identity            types.Identity `json:"identity"`
	LocalFingerprint    string         `json:"local_fingerprint,omitempty"`
	RegistryFingerprint string         `json:"registry_fingerprint,omitempty"`
	PublicKey           string         `json:"public_key,omitempty"`
	Consistent          bool           `json:"consistent"`
}

var keysShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the local and registered public keys",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := caller()
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			report, err := a.keyReport(ctx, id)
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		})
	},
}

// keyReport compares the device key with the one the registry currently holds
func (a *app) keyReport(ctx context.Context, id types.Identity) (*keyReport, error) {
	report := &keyReport{Identity: id}
	h, ok, err := a.keys.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ok {
		report.LocalFingerprint = h.Fingerprint()
	}
	material, ok, err := a.ledger.GetPublicKey(ctx, id)
	if err != nil {
		return nil, err
	}
	if ok {
		if report.RegistryFingerprint, err = material.Fingerprint(); err != nil {
			return nil, err
		}
		report.PublicKey = string(material)
	}
	report.Consistent = report.LocalFingerprint != "" && report.LocalFingerprint == report.RegistryFingerprint
	return report, nil
}

var keysVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check the local key against the registry",
	Long:  "Check the local key against the registry and prove possession of the private key. On divergence you are asked before a new key pair is generated.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := caller()
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			outcome, err := a.verifier.Verify(ctx, id)
			if err != nil {
				return err
			}
			return printJSON(cmd, outcome)
		})
	},
}
