package review

import (
	"cmp"
	"fmt"
	"slices"
	"strconv"

	"github.com/roach88/govledger/internal/fault"
	"github.com/roach88/govledger/internal/ir"
)

// QuestionType names how a question was derived.
type QuestionType string

const (
	QuestionMetric       QuestionType = "METRIC_VALUE"
	QuestionReportCount  QuestionType = "REPORT_COUNT"
	QuestionAgent        QuestionType = "AGENT_IDENTITY"
	QuestionResultPrefix QuestionType = "RESULT_PREFIX"
)

// Question is a challenge derived from reviewed content, before it is
// bound to issuance time.
type Question struct {
	ID          string
	Type        QuestionType
	Text        string
	Answer      string
	ContentHash string
}

// Derive builds the question for review reference ref over reports. The
// same content and attempt always yield the same question; different
// content yields an unrelated one, so the answer cannot be prepared before
// the reports exist. attempt distinguishes re-issued challenges for the
// same content.
func Derive(ref string, reports []ir.ExecutionReport, attempt int) (Question, error) {
	if len(reports) == 0 {
		return Question{}, fault.NewChallengeFailedError(fault.CodeChallengeInsufficient, "",
			fmt.Sprintf("%s has no reports to derive a challenge from", ref))
	}
	sorted := slices.Clone(reports)
	slices.SortFunc(sorted, func(a, b ir.ExecutionReport) int {
		return cmp.Compare(a.SubUnitID, b.SubUnitID)
	})

	items := make(ir.IRArray, 0, len(sorted))
	for _, r := range sorted {
		items = append(items, ir.ReportObject(r))
	}
	contentHash, err := ir.ContentHash(ir.IRObject{
		"ref":     ir.IRString(ref),
		"reports": items,
		"attempt": ir.IRInt(int64(attempt)),
	})
	if err != nil {
		return Question{}, err
	}

	// Two independent selectors from the content hash: one for the
	// report, one for the question type.
	pick := func(offset, n int) int {
		v, _ := strconv.ParseUint(contentHash[offset:offset+8], 16, 64)
		return int(v % uint64(n))
	}
	r := sorted[pick(0, len(sorted))]

	types := []QuestionType{QuestionReportCount, QuestionAgent, QuestionResultPrefix}
	if len(r.Metrics) > 0 {
		types = append(types, QuestionMetric)
	}

	q := Question{
		ID:          ir.ChallengeID(ref, contentHash),
		Type:        types[pick(8, len(types))],
		ContentHash: contentHash,
	}
	switch q.Type {
	case QuestionReportCount:
		q.Text = "How many sub unit reports does this composite contain?"
		q.Answer = strconv.Itoa(len(sorted))
	case QuestionAgent:
		q.Text = fmt.Sprintf("Which agent reported sub unit %s?", r.SubUnitID)
		q.Answer = r.AgentID
	case QuestionResultPrefix:
		q.Text = fmt.Sprintf("What are the first 8 characters of the result hash of sub unit %s?", r.SubUnitID)
		q.Answer = r.ResultHash[:min(8, len(r.ResultHash))]
	case QuestionMetric:
		names := make([]string, 0, len(r.Metrics))
		for name := range r.Metrics {
			names = append(names, name)
		}
		slices.Sort(names)
		name := names[pick(16, len(names))]
		q.Text = fmt.Sprintf("What value did sub unit %s report for metric %s?", r.SubUnitID, name)
		q.Answer = strconv.FormatInt(r.Metrics[name], 10)
	}
	return q, nil
}
