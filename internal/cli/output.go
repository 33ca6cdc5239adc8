package cli

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/isometry/admembers/internal/flatten"
)

// renderReport writes a report to w in the requested format.
func renderReport(w io.Writer, report *flatten.Report, format string) error {
	switch strings.ToLower(format) {
	case "json":
		return renderJSON(w, report)
	case "csv":
		return renderCSV(w, report)
	default:
		return renderTable(w, report)
	}
}

func renderJSON(w io.Writer, report *flatten.Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

// renderCSV writes one row per group member, repeating the group columns so
// the output loads cleanly into a spreadsheet.
func renderCSV(w io.Writer, report *flatten.Report) error {
	cw := csv.NewWriter(w)
	header := []string{"group_id", "group_name", "group_types", "user_id", "display_name", "user_principal_name", "mail"}
	if err := cw.Write(header); err != nil {
		return err
	}

	for _, group := range report.Groups {
		groupTypes := strings.Join(group.GroupTypes, ";")
		if len(group.DistinctMembers) == 0 {
			row := []string{group.GroupID, group.DisplayName, groupTypes, "", "", "", ""}
			if err := cw.Write(row); err != nil {
				return err
			}
			continue
		}
		for _, member := range group.DistinctMembers {
			row := []string{
				group.GroupID, group.DisplayName, groupTypes,
				member.ID, member.DisplayName, member.UserPrincipalName, member.Mail,
			}
			if err := cw.Write(row); err != nil {
				return err
			}
		}
	}

	cw.Flush()
	return cw.Error()
}

func renderTable(w io.Writer, report *flatten.Report) error {
	fmt.Fprintf(w, "Run %s, prefix %q, %d group(s)\n", report.RunID, report.Prefix, len(report.Groups))

	for _, group := range report.Groups {
		fmt.Fprintf(w, "\n%s (%s) %d distinct member(s)\n",
			group.DisplayName, strings.Join(group.GroupTypes, "/"), group.DistinctMemberCount)
		if group.Description != "" {
			fmt.Fprintf(w, "  %s\n", group.Description)
		}

		tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
		fmt.Fprintln(tw, "  USER ID\tDISPLAY NAME\tUPN\tMAIL")
		for _, member := range group.DistinctMembers {
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", member.ID, member.DisplayName, member.UserPrincipalName, member.Mail)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	return nil
}
