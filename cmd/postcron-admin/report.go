package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/target/postcron/internal/domain/model"
	"github.com/target/postcron/internal/timeutil"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	return nil
}

func printDispatchReport(w io.Writer, report *model.DispatchReport) error {
	if err := writef(w, "Dispatch (%s, window %s)\n", report.Trigger, report.Window); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	rows := []struct {
		label string
		value int
	}{
		{"Claimed", report.Claimed},
		{"Posted", report.Posted},
		{"Retrying", report.Retrying},
		{"Failed", report.Failed},
		{"Exhausted", report.Exhausted},
		{"Abandoned", report.Abandoned},
		{"Unrecorded", report.Unrecorded},
		{"Charge Errors", report.ChargeErrors},
	}
	for _, row := range rows {
		if err := writef(tw, "%s\t%d\n", row.label, row.value); err != nil {
			return fmt.Errorf("write %s: %w", row.label, err)
		}
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("flush summary: %w", err)
	}

	if len(report.Items) == 0 {
		return nil
	}
	if err := writeln(w); err != nil {
		return err
	}
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	if err := writeln(tw, "Post\tOutcome\tError"); err != nil {
		return fmt.Errorf("write items header: %w", err)
	}
	for _, item := range report.Items {
		if err := writef(tw, "%s\t%s\t%s\n", item.PostID, item.Outcome, item.Error); err != nil {
			return fmt.Errorf("write item %s: %w", item.PostID, err)
		}
	}
	return tw.Flush()
}

func printHealthReport(w io.Writer, report *model.HealthReport) error {
	if err := writef(w, "Status: %s\n\n", report.Status); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	c := report.Counts
	if err := writef(tw, "Pending\t%d\nOverdue\t%d\nStuck\t%d\nIn Flight\t%d\nFailed (24h)\t%d\nPosted (24h)\t%d\n",
		c.Pending, c.Overdue, c.Stuck, c.InFlight, c.FailedLast24h, c.PostedLast24h); err != nil {
		return fmt.Errorf("write counts: %w", err)
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("flush counts: %w", err)
	}
	for _, alert := range report.Alerts {
		if err := writef(w, "[%s/%s] %s\n", alert.Type, alert.Severity, alert.Message); err != nil {
			return err
		}
	}
	return nil
}

func printRecoveryReport(w io.Writer, report *model.RecoveryReport) error {
	status := "ok"
	if !report.OverallSuccess {
		status = "failed"
	}
	if err := writef(w, "Recovery: %s\n\n", status); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	if err := writeln(tw, "Step\tStatus\tDuration\tDetail"); err != nil {
		return fmt.Errorf("write steps header: %w", err)
	}
	for _, step := range report.Steps {
		detail := step.Detail
		if step.Error != "" {
			detail = step.Error
		}
		if err := writef(tw, "%s\t%s\t%s\t%s\n", step.Name, step.Status, step.Duration, detail); err != nil {
			return fmt.Errorf("write step %s: %w", step.Name, err)
		}
	}
	return tw.Flush()
}

func printPost(w io.Writer, p *model.ScheduledPost, loc *time.Location) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	if err := writef(tw, "ID\t%s\nOwner\t%s\nPlatform\t%s\nStatus\t%s\nScheduled\t%s\nRetries\t%d/%d\n",
		p.ID, p.OwnerID, p.Platform, p.Status, timeutil.Format(p.ScheduledFor, loc), p.RetryCount, p.MaxRetries); err != nil {
		return fmt.Errorf("write post: %w", err)
	}
	return tw.Flush()
}
