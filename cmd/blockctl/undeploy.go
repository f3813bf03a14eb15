package main

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/bcongdon/clusterize/internal/pkg/coriam"
	"github.com/bcongdon/clusterize/internal/pkg/corlambda"
)

var (
	newLambdaClient = corlambda.NewLambdaClient
	newIAMClient    = coriam.NewIAMClient
)

var (
	undeployFunction string
	undeployRole     string
	keepRole         bool
)

func init() {
	undeployCmd.Flags().StringVar(&undeployFunction, "function", "clusterize_function", "Name of the Lambda worker function")
	undeployCmd.Flags().StringVar(&undeployRole, "role", "clusterize_role", "Name of the IAM role provisioned for the function")
	undeployCmd.Flags().BoolVar(&keepRole, "keep-role", false, "Leave the IAM role in place")
	rootCmd.AddCommand(undeployCmd)
}

var undeployCmd = &cobra.Command{
	Use:   "undeploy",
	Short: "Delete the Lambda worker function and its IAM role",
	Args:  cobra.NoArgs,
	RunE:  runUndeploy,
}

func runUndeploy(cmd *cobra.Command, args []string) error {
	log.Infof("Deleting Lambda function %s", undeployFunction)
	if err := newLambdaClient().DeleteFunction(undeployFunction); err != nil {
		return fmt.Errorf("deleting function %s: %w", undeployFunction, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted function %s\n", undeployFunction)
	if keepRole {
		return nil
	}

	log.Infof("Deleting IAM role %s", undeployRole)
	if err := newIAMClient().DeletePermissions(undeployRole); err != nil {
		return fmt.Errorf("deleting role %s: %w", undeployRole, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted role %s\n", undeployRole)
	return nil
}
