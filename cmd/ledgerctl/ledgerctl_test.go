// cmd/ledgerctl/ledgerctl_test.go
package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javajoker/imi-commission/internal/ledger"
	"github.com/javajoker/imi-commission/internal/models"
	"github.com/javajoker/imi-commission/internal/utils"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := rootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRatesValidate(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "rates.yaml")
	require.NoError(t, os.WriteFile(good, []byte(`version: "2026-10"
rates:
  - level: 1
    rank: STAR_1
    percent: "10"
  - level: 1
    rank: STAR_1
    buyer_rank: VIP
    percent: "12.5"
`), 0o600))

	out, err := run(t, "rates", "validate", good)
	require.NoError(t, err)
	assert.Contains(t, out, "Version 2026-10")
	assert.Contains(t, out, "12.5")

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("version: x\nrates:\n  - level: 1\n    rank: CAPTAIN\n    percent: \"5\"\n"), 0o600))
	_, err = run(t, "rates", "validate", bad)
	assert.Error(t, err)
}

func TestSecret(t *testing.T) {
	out, err := run(t, "secret", "--bytes", "24")
	require.NoError(t, err)
	assert.Len(t, strings.TrimSpace(out), 48)

	_, err = run(t, "secret", "--bytes", "4")
	assert.Error(t, err)
}

func TestIssueToken(t *testing.T) {
	utils.SetJWTConfig("cli-secret", "imi-commission")
	id := uuid.New()

	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)
	require.NoError(t, issueToken(cmd, id.String(), "alice", utils.RoleAdmin, time.Hour))

	claims, err := utils.ValidateJWT(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, id.String(), claims.UserID)
	assert.Equal(t, utils.RoleAdmin, claims.Role)

	assert.Error(t, issueToken(cmd, "", "bob", "root", time.Hour))
	assert.Error(t, issueToken(cmd, "not-a-uuid", "bob", utils.RoleOperator, time.Hour))
}

func TestNewUserModel(t *testing.T) {
	parent := uuid.New()
	u, err := NewUser{Username: "sponsor_1", Rank: "STAR_2", ParentID: parent.String()}.Model()
	require.NoError(t, err)
	assert.Equal(t, models.RankStar2, u.Rank)
	require.NotNil(t, u.ParentID)
	assert.Equal(t, parent, *u.ParentID)

	_, err = NewUser{Username: "x", Rank: "STAR_2"}.Model()
	assert.ErrorContains(t, err, "Username must be")

	_, err = NewUser{Username: "valid_name", Rank: "CAPTAIN"}.Model()
	assert.Error(t, err)

	_, err = NewUser{Username: "valid_name", Rank: "VIP", ParentID: "nope"}.Model()
	assert.Error(t, err)
}

type fakeReconciler map[uuid.UUID]ledger.Reconciliation

func (f fakeReconciler) Reconcile(_ context.Context, id uuid.UUID) (*ledger.Reconciliation, error) {
	rec := f[id]
	rec.BeneficiaryID = id
	return &rec, nil
}

type recordingAlerter struct {
	got []ledger.Reconciliation
}

func (a *recordingAlerter) ReconciliationMismatch(_ context.Context, r ledger.Reconciliation) error {
	a.got = append(a.got, r)
	return nil
}

func TestReconcile(t *testing.T) {
	ids := make(fixedBeneficiaries, 5)
	recs := fakeReconciler{}
	for i := range ids {
		ids[i] = uuid.New()
		recs[ids[i]] = ledger.Reconciliation{Available: 10, ComputedAvailable: 10, Consistent: true}
	}
	recs[ids[3]] = ledger.Reconciliation{Available: 10, ComputedAvailable: 7}

	var out bytes.Buffer
	alerts := &recordingAlerter{}
	err := reconcile(context.Background(), &out, recs, ids, alerts, 2)
	assert.ErrorContains(t, err, "1 balances")
	assert.Contains(t, out.String(), "Checked 5 balances, 1 mismatched")
	assert.Contains(t, out.String(), "MISMATCH "+ids[3].String())
	require.Len(t, alerts.got, 1)
	assert.Equal(t, ids[3], alerts.got[0].BeneficiaryID)

	out.Reset()
	delete(recs, ids[3])
	recs[ids[3]] = ledger.Reconciliation{Consistent: true}
	require.NoError(t, reconcile(context.Background(), &out, recs, ids[:4], nil, 2))
	assert.Contains(t, out.String(), "Checked 4 balances, 0 mismatched")
}
