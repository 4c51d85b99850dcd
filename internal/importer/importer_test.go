package importer

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proposal-workflows/pkg/errs"
	"proposal-workflows/pkg/models"
)

func newImporter(t *testing.T) *Importer {
	t.Helper()
	n := 0
	im, err := New(func() string { n++; return fmt.Sprintf("gen-%d", n) })
	require.NoError(t, err)
	return im
}

const grantsDoc = `
workflows:
  - title: Community grants
    private_evaluations: true
    evaluations:
      - title: Eligibility
        type: pass_fail
        config:
          review:
            required_reviews: 2
            decline_reasons: [off-topic, incomplete]
            appealable: true
            appeal_required_reviews: 1
        permissions:
          - assignee: {group: role, id: committee}
            operations: [view, evaluate]
          - assignee: {group: system_role, id: author}
            operations: [view]
      - id: scoring
        title: Scoring
        type: rubric
        notifications: {on_enter: true}
        config:
          criteria:
            - title: Impact
              parameters: {min: 1, max: 5}
            - id: feasibility
              title: Feasibility
              parameters: {min: 0, max: 10}
      - title: Vote
        type: vote
        final_step: true
        config:
          threshold: 60
          options: [Yes, No]
`

func TestReadValidDocument(t *testing.T) {
	tpls, err := newImporter(t).Read(strings.NewReader(grantsDoc))
	require.NoError(t, err)
	require.Len(t, tpls, 1)

	tpl := tpls[0]
	assert.Equal(t, "Community grants", tpl.Title)
	assert.True(t, tpl.PrivateEvaluations)
	require.Len(t, tpl.Evaluations, 3)

	eligibility := tpl.Evaluations[0]
	assert.Equal(t, "gen-1", eligibility.ID)
	pf, ok := eligibility.Config.(models.PassFailConfig)
	require.True(t, ok)
	assert.Equal(t, 2, pf.Review.RequiredReviews)
	assert.Equal(t, []string{"off-topic", "incomplete"}, pf.Review.DeclineReasons)
	assert.Equal(t, models.AssigneeRole, eligibility.Permissions[0].Assignee.Group)

	scoring := tpl.Evaluations[1]
	assert.Equal(t, "scoring", scoring.ID)
	assert.True(t, scoring.Notifications.OnEnter)
	rc, ok := scoring.Config.(models.RubricConfig)
	require.True(t, ok)
	assert.Equal(t, 1, rc.Review.RequiredReviews, "defaults survive a partial config")
	assert.Equal(t, "gen-2", rc.Criteria[0].ID)
	assert.Equal(t, models.CriterionTypeRange, rc.Criteria[0].Type)
	assert.Equal(t, "feasibility", rc.Criteria[1].ID)

	vote := tpl.Evaluations[2]
	assert.True(t, vote.FinalStep)
	vc, ok := vote.Config.(models.VoteConfig)
	require.True(t, ok)
	assert.Equal(t, 60, vc.Threshold)
	assert.Equal(t, models.VoteApproval, vc.VoteType)
	assert.Equal(t, []string{"Yes", "No"}, vc.Options)
}

func TestReadRejectsSchemaViolations(t *testing.T) {
	cases := map[string]string{
		"unknown step type": `
workflows:
  - title: X
    evaluations:
      - {title: A, type: interview}`,
		"no steps": `
workflows:
  - title: X
    evaluations: []`,
		"unknown capability": `
workflows:
  - title: X
    evaluations:
      - title: A
        type: feedback
        permissions:
          - assignee: {group: user, id: u1}
            operations: [delete]`,
		"threshold above 100": `
workflows:
  - title: X
    evaluations:
      - {title: A, type: vote, config: {threshold: 150}}`,
		"unknown top-level key": `
templates: []`,
	}
	im := newImporter(t)
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := im.Read(strings.NewReader(doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid workflow document")
		})
	}
}

func TestReadRejectsInvalidRange(t *testing.T) {
	doc := `
workflows:
  - title: X
    evaluations:
      - title: Score
        type: rubric
        config:
          criteria:
            - {id: c1, title: Quality, parameters: {min: 5, max: 1}}`
	_, err := newImporter(t).Read(strings.NewReader(doc))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrInvariantViolation))
	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "c1", e.CriterionID)
}

func TestReadAcceptsJSON(t *testing.T) {
	doc := `{"workflows":[{"title":"J","evaluations":[{"title":"Sign","type":"sign_documents"}]}]}`
	tpls, err := newImporter(t).Read(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, tpls, 1)
	assert.Equal(t, models.StepSignDocuments, tpls[0].Evaluations[0].Type())
}

func TestReadEmptyDocument(t *testing.T) {
	_, err := newImporter(t).Read(strings.NewReader(""))
	assert.Error(t, err)
}
