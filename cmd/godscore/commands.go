package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/foundersignal/godscore/internal/domain/action"
	"github.com/foundersignal/godscore/internal/domain/feature"
	"github.com/foundersignal/godscore/internal/persistence"
	"github.com/foundersignal/godscore/internal/verification"
)

func newMigrateCmd(ctx context.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, done, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer done()
			return app.store.Migrate(ctx)
		},
	}
}

func newHealthCmd(ctx context.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check store connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, done, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer done()
			if err := app.store.Health(ctx); err != nil {
				return fmt.Errorf("store unhealthy: %w", err)
			}
			fmt.Println("ok")
			return nil
		},
	}
}

func newRecomputeCmd(ctx context.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "recompute <subject>",
		Short: "Recompute a subject's snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, done, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer done()
			snap, _, err := app.orch.RecomputeSnapshot(ctx, args[0], persistence.TriggerSystem, nil)
			if err != nil {
				return err
			}
			return printJSON(snap)
		},
	}
}

func newScoreCmd(ctx context.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "score <subject>",
		Short: "Show a subject's current score summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, done, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer done()
			summary, err := app.reads.Score(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(summary)
		},
	}
}

func newHistoryCmd(ctx context.Context) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <subject>",
		Short: "List a subject's snapshots, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, done, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer done()
			snaps, err := app.reads.History(ctx, args[0], limit)
			if err != nil {
				return err
			}
			return printJSON(snaps)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum snapshots to return")
	return cmd
}

func newActionCmd(ctx context.Context) *cobra.Command {
	var (
		subject    string
		actor      string
		actionType string
		title      string
		details    string
		impact     string
		occurredAt string
		fieldsJSON string
	)
	cmd := &cobra.Command{
		Use:   "action",
		Short: "Submit a founder-declared action",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, done, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer done()

			in := verification.SubmitActionInput{
				Subject: subject,
				Type:    action.Type(actionType),
				Title:   title,
				Details: details,
				Impact:  action.Impact(impact),
			}
			if actor != "" {
				in.Actor = &actor
			}
			if occurredAt != "" {
				t, err := time.Parse(time.RFC3339, occurredAt)
				if err != nil {
					return fmt.Errorf("invalid --occurred-at: %w", err)
				}
				in.OccurredAt = t
			}
			if fieldsJSON != "" {
				if err := json.Unmarshal([]byte(fieldsJSON), &in.Fields); err != nil {
					return fmt.Errorf("invalid --fields: %w", err)
				}
			}

			result, err := app.orch.SubmitAction(ctx, in)
			if err != nil {
				return err
			}
			app.reads.Invalidate(subject)
			return printJSON(result)
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "subject id (required)")
	cmd.Flags().StringVar(&actor, "actor", "", "submitting actor id")
	cmd.Flags().StringVar(&actionType, "type", "", "action type (required)")
	cmd.Flags().StringVar(&title, "title", "", "action title")
	cmd.Flags().StringVar(&details, "details", "", "action details")
	cmd.Flags().StringVar(&impact, "impact", "medium", "impact guess: low|medium|high")
	cmd.Flags().StringVar(&occurredAt, "occurred-at", "", "RFC3339 occurrence time (default now)")
	cmd.Flags().StringVar(&fieldsJSON, "fields", "", `structured fields as JSON, e.g. '{"mrrDeltaUsd":25000}'`)
	cmd.MarkFlagRequired("subject")
	cmd.MarkFlagRequired("type")
	return cmd
}

func newEvidenceCmd(ctx context.Context) *cobra.Command {
	var (
		subject      string
		actionID     string
		evidenceType string
		refJSON      string
	)
	cmd := &cobra.Command{
		Use:   "evidence",
		Short: "Submit an evidence artifact",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, done, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer done()

			in := verification.SubmitEvidenceInput{
				Subject: subject,
				Type:    action.EvidenceType(evidenceType),
			}
			if actionID != "" {
				in.ActionID = &actionID
			}
			if refJSON != "" {
				if err := json.Unmarshal([]byte(refJSON), &in.Ref); err != nil {
					return fmt.Errorf("invalid --ref: %w", err)
				}
			}

			result, err := app.orch.SubmitEvidence(ctx, in)
			if err != nil {
				return err
			}
			app.reads.Invalidate(subject)
			return printJSON(result)
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "subject id (required)")
	cmd.Flags().StringVar(&actionID, "action", "", "action id to link directly (otherwise matched)")
	cmd.Flags().StringVar(&evidenceType, "type", "", "evidence type (required)")
	cmd.Flags().StringVar(&refJSON, "ref", "", `source reference as JSON, e.g. '{"provider":"stripe"}'`)
	cmd.MarkFlagRequired("subject")
	cmd.MarkFlagRequired("type")
	return cmd
}

func newResolveCmd(ctx context.Context) *cobra.Command {
	var (
		actionID    string
		explanation string
		evidenceID  string
		notes       string
	)
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve an inconsistency flag on an action",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, done, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer done()

			in := verification.ResolveInconsistencyInput{
				ActionID:      actionID,
				Explanation:   explanation,
				VerifierNotes: notes,
			}
			if evidenceID != "" {
				in.EvidenceID = &evidenceID
			}

			result, err := app.orch.ResolveInconsistency(ctx, in)
			if err != nil {
				return err
			}
			app.reads.Invalidate(result.Action.Subject)
			return printJSON(result)
		},
	}
	cmd.Flags().StringVar(&actionID, "action", "", "action id (required)")
	cmd.Flags().StringVar(&explanation, "explanation", "", "curator explanation (required)")
	cmd.Flags().StringVar(&evidenceID, "evidence", "", "supporting evidence id")
	cmd.Flags().StringVar(&notes, "notes", "", "verifier notes")
	cmd.MarkFlagRequired("action")
	cmd.MarkFlagRequired("explanation")
	return cmd
}

func newUpgradeCmd(ctx context.Context) *cobra.Command {
	var (
		actionID string
		tier     string
	)
	cmd := &cobra.Command{
		Use:   "upgrade",
		Short: "Explicitly upgrade an action's verification tier",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, done, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer done()

			snap, err := app.orch.UpgradeVerification(ctx, actionID, feature.Tier(tier))
			if err != nil {
				return err
			}
			app.reads.Invalidate(snap.Subject)
			return printJSON(snap)
		},
	}
	cmd.Flags().StringVar(&actionID, "action", "", "action id (required)")
	cmd.Flags().StringVar(&tier, "tier", "", "target tier: soft_verified|verified|trusted (required)")
	cmd.MarkFlagRequired("action")
	cmd.MarkFlagRequired("tier")
	return cmd
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
