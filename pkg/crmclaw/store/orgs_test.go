package store

import (
	"context"
	"errors"
	"testing"
)

func makeOrg(t *testing.T, st *Store, name string, class OrgClass) *Org {
	t.Helper()
	org := &Org{
		AccountID:   "acct-1",
		Name:        name,
		Class:       class,
		InstanceURL: "https://" + name + ".example.com",
	}
	if err := st.ConnectOrg(context.Background(), org); err != nil {
		t.Fatalf("ConnectOrg failed: %v", err)
	}
	return org
}

func TestConnectAndListOrgs(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	makeOrg(t, st, "production", ClassProduction)
	makeOrg(t, st, "staging", ClassSandbox)

	orgs, err := st.ListOrgs(ctx, "acct-1")
	if err != nil {
		t.Fatalf("ListOrgs failed: %v", err)
	}
	if len(orgs) != 2 {
		t.Fatalf("got %d orgs, want 2", len(orgs))
	}
	// Stable name order.
	if orgs[0].Name != "production" || orgs[1].Name != "staging" {
		t.Errorf("order = %s, %s", orgs[0].Name, orgs[1].Name)
	}

	orgs, err = st.ListOrgs(ctx, "acct-other")
	if err != nil {
		t.Fatalf("ListOrgs failed: %v", err)
	}
	if len(orgs) != 0 {
		t.Errorf("foreign account sees %d orgs, want 0", len(orgs))
	}
}

func TestConnectOrgUpsert(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	org := makeOrg(t, st, "staging", ClassSandbox)
	org.Name = "staging-renamed"
	if err := st.ConnectOrg(ctx, org); err != nil {
		t.Fatalf("re-ConnectOrg failed: %v", err)
	}

	got, err := st.GetOrg(ctx, org.ID)
	if err != nil {
		t.Fatalf("GetOrg failed: %v", err)
	}
	if got.Name != "staging-renamed" {
		t.Errorf("name = %q after upsert", got.Name)
	}
}

func TestDisconnectOrgRefusedWhileActive(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	org := makeOrg(t, st, "staging", ClassSandbox)
	job := makeJob(t, st, org.ID)

	if err := st.DisconnectOrg(ctx, org.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("disconnect with queued job: err = %v, want ErrConflict", err)
	}

	st.MarkJobRunning(ctx, job.ID)
	if err := st.DisconnectOrg(ctx, org.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("disconnect with running job: err = %v, want ErrConflict", err)
	}

	st.MarkJobCompleted(ctx, job.ID)
	if err := st.DisconnectOrg(ctx, org.ID); err != nil {
		t.Fatalf("disconnect after completion failed: %v", err)
	}
	if _, err := st.GetOrg(ctx, org.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("org still present after disconnect: err = %v", err)
	}
}

func TestDisconnectOrgDropsCacheRows(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	org := makeOrg(t, st, "staging", ClassSandbox)
	if err := st.UpsertCacheEntry(ctx, org.ID, "inventory:objects", []byte("[]"), 3600); err != nil {
		t.Fatalf("UpsertCacheEntry failed: %v", err)
	}

	if err := st.DisconnectOrg(ctx, org.ID); err != nil {
		t.Fatalf("DisconnectOrg failed: %v", err)
	}
	if _, err := st.GetCacheEntry(ctx, org.ID, "inventory:objects"); !errors.Is(err, ErrNotFound) {
		t.Errorf("cache row survived disconnect: err = %v", err)
	}
}

func TestUpdateOrgTokens(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	org := makeOrg(t, st, "staging", ClassSandbox)
	if err := st.UpdateOrgTokens(ctx, org.ID, "new-access", "new-refresh"); err != nil {
		t.Fatalf("UpdateOrgTokens failed: %v", err)
	}

	got, _ := st.GetOrg(ctx, org.ID)
	if got.AccessToken != "new-access" || got.RefreshToken != "new-refresh" {
		t.Errorf("tokens = (%q, %q)", got.AccessToken, got.RefreshToken)
	}

	if err := st.UpdateOrgTokens(ctx, "nope", "a", "r"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown org: err = %v, want ErrNotFound", err)
	}
}
