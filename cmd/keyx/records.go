package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/medrex/dlt-keyx/internal/document"
	"github.com/medrex/dlt-keyx/pkg/types"
	"github.com/spf13/cobra"
)

var (
	uploadRecipients []string
	uploadTitle      string
	uploadCategory   string
	uploadType       string
	shareRecipient   string
	openOutput       string
)

func init() {
	uploadCmd.Flags().StringSliceVar(&uploadRecipients, "to", nil, "recipient identities (repeatable)")
	uploadCmd.Flags().StringVar(&uploadTitle, "title", "", "record title")
	uploadCmd.Flags().StringVar(&uploadCategory, "category", "", "record category, e.g. lab, imaging, prescription")
	uploadCmd.Flags().StringVar(&uploadType, "content-type", "", "MIME type (detected when empty)")

	shareCmd.Flags().StringVar(&shareRecipient, "to", "", "recipient identity")
	_ = shareCmd.MarkFlagRequired("to")
	revokeCmd.Flags().StringVar(&shareRecipient, "from", "", "recipient identity")
	_ = revokeCmd.MarkFlagRequired("from")

	openCmd.Flags().StringVarP(&openOutput, "output", "o", "", "write the file here (default: metadata only)")

	rootCmd.AddCommand(uploadCmd, shareCmd, revokeCmd, openCmd, sharedCmd)
}

func parseIdentities(values []string) ([]types.Identity, error) {
	ids := make([]types.Identity, 0, len(values))
	for _, v := range values {
		id, err := types.ParseIdentity(v)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

var uploadCmd = &cobra.Command{
	Use:   "upload FILE",
	Short: "Seal a record and share it with recipients",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, err := caller()
		if err != nil {
			return err
		}
		recipients, err := parseIdentities(uploadRecipients)
		if err != nil {
			return err
		}
		file, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		meta := document.Metadata{
			FileName:    filepath.Base(args[0]),
			ContentType: uploadType,
			Title:       uploadTitle,
			Category:    uploadCategory,
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			res, err := a.records.Upload(ctx, owner, file, meta, recipients...)
			if res != nil {
				for r, ferr := range res.Failed {
					fmt.Fprintf(cmd.ErrOrStderr(), "not shared with %s: %v\n", r, ferr)
				}
				if perr := printJSON(cmd, res); perr != nil {
					return perr
				}
			}
			return err
		})
	},
}

var shareCmd = &cobra.Command{
	Use:   "share DOCUMENT_ID",
	Short: "Share one of your records with a recipient",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, err := caller()
		if err != nil {
			return err
		}
		recipient, err := types.ParseIdentity(shareRecipient)
		if err != nil {
			return err
		}
		ref := document.Ref{Owner: owner, DocumentID: args[0]}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if err := a.records.Share(ctx, owner, recipient, ref); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "shared %s with %s\n", ref.DocumentID, recipient)
			return nil
		})
	},
}

var revokeCmd = &cobra.Command{
	Use:   "revoke DOCUMENT_ID",
	Short: "Withdraw a recipient's access to one of your records",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, err := caller()
		if err != nil {
			return err
		}
		recipient, err := types.ParseIdentity(shareRecipient)
		if err != nil {
			return err
		}
		ref := document.Ref{Owner: owner, DocumentID: args[0]}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if err := a.records.Revoke(ctx, owner, recipient, ref); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked %s for %s\n", ref.DocumentID, recipient)
			return nil
		})
	},
}

var openCmd = &cobra.Command{
	Use:   "open OWNER DOCUMENT_ID",
	Short: "Decrypt a record you own or that was shared with you",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		reader, err := caller()
		if err != nil {
			return err
		}
		owner, err := types.ParseIdentity(args[0])
		if err != nil {
			return err
		}
		ref := document.Ref{Owner: owner, DocumentID: args[1]}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			doc, err := a.records.Open(ctx, reader, ref)
			if err != nil {
				return err
			}
			if openOutput != "" {
				if err := os.WriteFile(openOutput, doc.File, 0600); err != nil {
					return err
				}
			}
			return printJSON(cmd, doc)
		})
	},
}

var sharedCmd = &cobra.Command{
	Use:   "shared",
	Short: "List records shared with you, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		recipient, err := caller()
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			records, err := a.records.SharedWithMe(ctx, recipient)
			if err != nil {
				return err
			}
			return printJSON(cmd, records)
		})
	},
}
