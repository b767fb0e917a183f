package security

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mbathe/LLMOS-Bridge-sub002/internal/plan"
)

func planWithParam(value string) *plan.Plan {
	return &plan.Plan{
		PlanID: "p1",
		Actions: []plan.Action{
			{ID: "a", Module: "http", ActionName: "post", Params: map[string]interface{}{
				"body": value,
			}},
		},
	}
}

func TestPIIScannerDetectsEmail(t *testing.T) {
	s := NewPIIScanner()
	res := s.Scan(planWithParam("contact me at jane.doe@example.com please"))
	assert.Equal(t, VerdictWarn, res.Verdict)
	assert.NotEmpty(t, res.Findings)
}

func TestPIIScannerDetectsValidSSNWithContext(t *testing.T) {
	s := NewPIIScanner()
	res := s.Scan(planWithParam("taxpayer SSN is 219-09-9999"))
	assert.Equal(t, VerdictReject, res.Verdict)
}

func TestPIIScannerIgnoresOrderNumbers(t *testing.T) {
	s := NewPIIScanner()
	res := s.Scan(planWithParam("order reference 219-09-9999 confirmed"))
	assert.Equal(t, VerdictAccept, res.Verdict)
}

func TestPIIScannerNoMatchesAccepts(t *testing.T) {
	s := NewPIIScanner()
	res := s.Scan(planWithParam("hello world, nothing sensitive here"))
	assert.Equal(t, VerdictAccept, res.Verdict)
	assert.Empty(t, res.Findings)
}

func TestChainTakesMostSevereVerdict(t *testing.T) {
	c := NewChain(NewPIIScanner())
	result := c.Run(planWithParam("reach me at a@b.com"))
	assert.Equal(t, VerdictWarn, result.Verdict)
}

func TestLuhnCheck(t *testing.T) {
	assert.True(t, luhnCheck("4111111111111111"))
	assert.False(t, luhnCheck("4111111111111112"))
}
