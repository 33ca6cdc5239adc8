package flatten

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
)

// GroupInfo describes a top-level group selected for expansion.
type GroupInfo struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"displayName"`
	Description string   `json:"description,omitempty"`
	Mail        string   `json:"mail,omitempty"`
	Types       []string `json:"types,omitempty"`
}

// GroupSource lists the groups a report should cover.
type GroupSource interface {
	// GroupsByPrefix returns all groups whose name starts with prefix.
	// An empty prefix selects every group under the search base.
	GroupsByPrefix(ctx context.Context, prefix string) ([]GroupInfo, error)
}

// GroupResult holds the flattened membership of a single top-level group.
type GroupResult struct {
	GroupID             string       `json:"groupId"`
	DisplayName         string       `json:"displayName"`
	GroupTypes          []string     `json:"groupTypes,omitempty"`
	Description         string       `json:"description,omitempty"`
	Mail                string       `json:"mail,omitempty"`
	DistinctMembers     []UserRecord `json:"distinctMembers"`
	DistinctMemberCount int          `json:"distinctMemberCount"`
}

// Report is the result of a full membership resolution run.
type Report struct {
	RunID       string        `json:"runId"`
	Prefix      string        `json:"prefix"`
	GeneratedAt time.Time     `json:"generatedAt"`
	Groups      []GroupResult `json:"groups"`
}

// Reporter drives membership resolution across all groups matching a prefix.
type Reporter struct {
	source   GroupSource
	expander *Expander
	log      hclog.Logger
	failFast bool
}

// NewReporter creates a reporter that expands groups from source via dir.
func NewReporter(source GroupSource, dir Directory, logger hclog.Logger, failFast bool) *Reporter {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Reporter{
		source:   source,
		expander: NewExpander(dir, logger),
		log:      logger.Named("reporter"),
		failFast: failFast,
	}
}

// Run resolves the flattened membership of every group whose name matches
// prefix. Each top-level group is expanded with its own deduplication cache.
// A failure while expanding one group does not prevent the others from being
// resolved unless fail-fast is enabled; all failures are aggregated into the
// returned error alongside the partial report.
func (r *Reporter) Run(ctx context.Context, prefix string) (*Report, error) {
	start := time.Now()
	report := &Report{
		RunID:       uuid.NewString(),
		Prefix:      prefix,
		GeneratedAt: start.UTC(),
	}

	r.log.Info("starting membership resolution", "run_id", report.RunID, "prefix", prefix)

	groups, err := r.source.GroupsByPrefix(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("listing groups with prefix %q: %w", prefix, err)
	}

	r.log.Debug("matched groups", "run_id", report.RunID, "count", len(groups))

	var errs *multierror.Error
	var failed int
	for _, group := range groups {
		cache := NewCache()
		if err := r.expander.Expand(ctx, group.ID, cache); err != nil {
			err = fmt.Errorf("expanding group %s (%s): %w", group.DisplayName, group.ID, err)
			r.log.Error("group expansion failed", "run_id", report.RunID,
				"group_id", group.ID, "error", err)
			errs = multierror.Append(errs, err)
			failed++
			if r.failFast {
				return report, errs.ErrorOrNil()
			}
			continue
		}

		members := cache.Users()
		hits, misses := cache.Stats()
		r.log.Debug("group expanded", "run_id", report.RunID,
			"group_id", group.ID, "distinct_members", len(members),
			"cache_hits", hits, "cache_misses", misses)

		report.Groups = append(report.Groups, GroupResult{
			GroupID:             group.ID,
			DisplayName:         group.DisplayName,
			GroupTypes:          group.Types,
			Description:         group.Description,
			Mail:                group.Mail,
			DistinctMembers:     members,
			DistinctMemberCount: len(members),
		})
	}

	sort.Slice(report.Groups, func(i, j int) bool {
		if report.Groups[i].DisplayName != report.Groups[j].DisplayName {
			return report.Groups[i].DisplayName < report.Groups[j].DisplayName
		}
		return report.Groups[i].GroupID < report.Groups[j].GroupID
	})

	r.log.Info("membership resolution completed", "run_id", report.RunID,
		"groups_resolved", len(report.Groups),
		"groups_failed", failed,
		"duration_ms", time.Since(start).Milliseconds())

	return report, errs.ErrorOrNil()
}
