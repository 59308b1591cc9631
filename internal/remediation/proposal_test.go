package remediation

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validProposal() Proposal {
	return Proposal{
		ID:          "prop-1",
		FixType:     FixConfigChange,
		Title:       "Raise connection pool size",
		Steps:       []string{"sed -i 's/pool: 10/pool: 50/' config/db.yaml"},
		Validations: []string{"grep -q 'pool: 50' config/db.yaml"},
		Risk:        RiskLow,
		Confidence:  0.82,
	}
}

func TestProposal_Validate(t *testing.T) {
	require.NoError(t, validProposal().Validate())

	tests := []struct {
		name   string
		mutate func(*Proposal)
		field  string
	}{
		{"no steps", func(p *Proposal) { p.Steps = nil }, "steps"},
		{"blank step", func(p *Proposal) { p.Steps = []string{""} }, "steps"},
		{"no validations", func(p *Proposal) { p.Validations = []string{} }, "validations"},
		{"confidence above one", func(p *Proposal) { p.Confidence = 1.2 }, "confidence"},
		{"negative confidence", func(p *Proposal) { p.Confidence = -0.1 }, "confidence"},
		{"NaN confidence", func(p *Proposal) { p.Confidence = math.NaN() }, "confidence"},
		{"unknown fix type", func(p *Proposal) { p.FixType = "prayer" }, "fixtype"},
		{"unknown risk", func(p *Proposal) { p.Risk = "spicy" }, "risk"},
		{"missing title", func(p *Proposal) { p.Title = "" }, "title"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validProposal()
			tt.mutate(&p)
			err := p.Validate()
			require.ErrorIs(t, err, ErrInvalidProposal)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestRank(t *testing.T) {
	mk := func(id string, conf float64) Proposal {
		p := validProposal()
		p.ID = id
		p.Confidence = conf
		return p
	}
	invalid := mk("broken", 0.99)
	invalid.Steps = nil

	ranked := Rank([]Proposal{
		mk("a", 0.71),
		mk("low", 0.5),
		invalid,
		mk("b", 0.95),
		mk("c", 0.80),
		mk("d", 0.80),
	}, 0.7, 3)

	ids := make([]string, len(ranked))
	for i, p := range ranked {
		ids[i] = p.ID
	}
	assert.Equal(t, []string{"b", "c", "d"}, ids)
}

func TestRank_NothingUsable(t *testing.T) {
	p := validProposal()
	p.Confidence = 0.2
	assert.Empty(t, Rank([]Proposal{p}, 0.7, 3))
	assert.Empty(t, Rank(nil, 0.7, 3))
}

func TestFixType_Heavy(t *testing.T) {
	assert.True(t, FixDependencyUpdate.Heavy())
	assert.True(t, FixInfrastructureChange.Heavy())
	assert.False(t, FixConfigChange.Heavy())
	assert.Len(t, FixTypes, 6)
}
