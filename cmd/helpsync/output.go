package main

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/agentworkforce/helpsync/internal/helpsync"
)

func printSnapshot(w io.Writer, snap helpsync.Snapshot) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Active requests nearby")
	fmt.Fprintln(tw, "ID\tTITLE\tTIP\tHELPER\tLOCATION")
	active := snap.Active()
	for _, r := range active {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Title, tip(r.TipAmount), deref(r.HelperName, "-"), location(r.Location))
	}
	if len(active) == 0 {
		fmt.Fprintln(tw, "(none)")
	}
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "Finished / rated")
	fmt.Fprintln(tw, "ID\tTITLE\tHELPER\tRATING")
	finished := snap.Finished()
	for _, r := range finished {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.ID, r.Title, deref(r.HelperName, "-"), rating(r.Rating))
	}
	if len(finished) == 0 {
		fmt.Fprintln(tw, "(none)")
	}
	return tw.Flush()
}

func printRequest(w io.Writer, verb string, r helpsync.HelpRequest) {
	fmt.Fprintf(w, "%s %s %q\n", verb, r.ID, r.Title)
}

func tip(amount *float64) string {
	if amount == nil {
		return "-"
	}
	return "$" + strconv.FormatFloat(*amount, 'f', 2, 64)
}

func rating(value *int) string {
	if value == nil {
		return "-"
	}
	stars := ""
	for i := 0; i < *value; i++ {
		stars += "*"
	}
	return stars
}

func location(c helpsync.Coordinate) string {
	return fmt.Sprintf("%.4f,%.4f", c.Latitude, c.Longitude)
}

func deref(s *string, fallback string) string {
	if s == nil || *s == "" {
		return fallback
	}
	return *s
}
