package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	celcheck "github.com/toolgate/toolgate/internal/adapter/outbound/cel"
	"github.com/toolgate/toolgate/internal/config"
	"github.com/toolgate/toolgate/internal/service"
)

var assessCmd = &cobra.Command{
	Use:   "assess",
	Short: "Run one compliance assessment pass and print the results",
	Long: `Run every compliance rule against the stored enforcement history
once and print the resulting assessments as JSON.

This is the offline counterpart of the assessor that runs inside
"toolgate serve"; it reads the same database, so it is mostly useful
for spot checks and report generation from cron.`,
	RunE: runAssess,
}

func init() {
	rootCmd.AddCommand(assessCmd)
}

func runAssess(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx := context.Background()
	logger := newLogger(cfg)

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	checker, err := celcheck.NewChecker()
	if err != nil {
		return fmt.Errorf("failed to create expression checker: %w", err)
	}

	// An offline run has no audit pipeline to observe; rules gated on
	// the ack rate assess against a healthy one.
	ackRate := func() float64 { return 100 }

	assessor := service.NewComplianceService(
		st.rules, st.assessments, st.history, checker, ackRate, logger,
		service.WithAssessmentWindow(config.Duration(cfg.Compliance.Window, 24*time.Hour)),
	)

	assessments, err := assessor.RunAll(ctx)
	if err != nil {
		return fmt.Errorf("assessment failed: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(assessments)
}
