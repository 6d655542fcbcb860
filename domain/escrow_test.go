package domain

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAddress(n byte) string {
	var key [32]byte
	key[0] = n
	key[31] = n
	return EncodeStellarAddress(key)
}

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("m%d", n)
	}
}

func newTestEscrow(t *testing.T, milestones ...string) *Escrow {
	t.Helper()
	if len(milestones) == 0 {
		milestones = []string{"delivery"}
	}
	drafts := make([]MilestoneDraft, 0, len(milestones))
	for _, m := range milestones {
		drafts = append(drafts, MilestoneDraft{Description: m})
	}
	ms, err := NewMilestones(drafts, sequentialIDs())
	require.NoError(t, err)

	return &Escrow{
		ID:                 "esc-1",
		Title:              "Website",
		Amount:             dec("1000"),
		Balance:            dec("0"),
		PlatformFeePercent: dec("5"),
		Roles: Roles{
			Approver:        testAddress(1),
			ServiceProvider: testAddress(2),
			PlatformAddress: testAddress(3),
			ReleaseSigner:   testAddress(4),
			DisputeResolver: testAddress(5),
			Receiver:        testAddress(6),
		},
		Milestones: ms,
		CreatedAt:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestEscrowValidate(t *testing.T) {
	e := newTestEscrow(t)
	require.NoError(t, e.Validate(AddressFormatStellar))

	bad := e.Clone()
	bad.Roles.Receiver = "not-an-address"
	assert.True(t, IsValidation(bad.Validate(AddressFormatStellar)))

	bad = e.Clone()
	bad.Amount = dec("0")
	assert.True(t, IsValidation(bad.Validate(AddressFormatStellar)))

	bad = e.Clone()
	bad.Milestones = nil
	assert.True(t, IsValidation(bad.Validate(AddressFormatStellar)))

	bad = e.Clone()
	bad.Title = "  "
	assert.True(t, IsValidation(bad.Validate(AddressFormatStellar)))
}

func TestEscrowStateDerivation(t *testing.T) {
	e := newTestEscrow(t, "design", "build")
	assert.Equal(t, StateWorking, e.State())

	require.NoError(t, e.Milestones.MarkCompleted(0, ""))
	require.NoError(t, e.Milestones.Approve(0))
	assert.Equal(t, StateWorking, e.State())

	require.NoError(t, e.Milestones.MarkCompleted(1, ""))
	assert.Equal(t, StateWorking, e.State())
	require.NoError(t, e.Milestones.Approve(1))
	assert.Equal(t, StatePendingRelease, e.State())

	e.DisputeFlag = true
	assert.Equal(t, StateDisputed, e.State())

	e.DisputeFlag = false
	e.ResolvedFlag = true
	assert.Equal(t, StateResolved, e.State())
	assert.True(t, e.IsTerminal())

	e.ResolvedFlag = false
	e.ReleaseFlag = true
	assert.Equal(t, StateReleased, e.State())
}

func TestEscrowRequireWorkable(t *testing.T) {
	e := newTestEscrow(t)
	assert.NoError(t, e.RequireWorkable())

	e.DisputeFlag = true
	assert.True(t, IsValidation(e.RequireWorkable()))
	assert.NoError(t, e.RequireMutable())

	e.DisputeFlag = false
	e.ReleaseFlag = true
	assert.ErrorIs(t, e.RequireMutable(), ErrTerminal)
	assert.ErrorIs(t, e.RequireWorkable(), ErrTerminal)
}

func TestEscrowCloneIsDeep(t *testing.T) {
	e := newTestEscrow(t)
	funds := dec("10")
	e.ApproverFunds = &funds

	c := e.Clone()
	c.Milestones[0].Description = "changed"
	*c.ApproverFunds = dec("20")

	assert.Equal(t, "delivery", e.Milestones[0].Description)
	assert.Equal(t, "10", e.ApproverFunds.String())
}

func TestEscrowSameStateIgnoresVersion(t *testing.T) {
	e := newTestEscrow(t)
	c := e.Clone()
	c.Version = 7
	c.UpdatedAt = time.Now()
	assert.True(t, e.SameState(c))

	c.Balance = dec("1")
	assert.False(t, e.SameState(c))
}
