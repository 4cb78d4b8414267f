package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/agentweb/internal/domain"
)

var base = time.UnixMilli(1767323045000).UTC()

func testSession(id string, status domain.Status) *domain.PaymentSession {
	return &domain.PaymentSession{
		SessionID:      id,
		AgentAddress:   "AGENT",
		WebsiteAddress: "SITE",
		Amount:         2500,
		EscrowAddress:  "ESCROW",
		Status:         status,
		CreatedAt:      base,
		UpdatedAt:      base,
		ExpiresAt:      base.Add(10 * time.Minute),
	}
}

func backends(t *testing.T) map[string]Repository {
	t.Helper()
	sqlite, err := NewSQLite(filepath.Join(t.TempDir(), "agentweb.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = sqlite.Close() })

	return map[string]Repository{
		"memory": NewMemory(),
		"sqlite": sqlite,
	}
}

func TestSessionLifecycle(t *testing.T) {
	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := testSession("s-1", domain.StatusInitiated)
			if err := repo.CreateSession(ctx, s); err != nil {
				t.Fatalf("CreateSession failed: %v", err)
			}
			if err := repo.CreateSession(ctx, s); !errors.Is(err, domain.ErrSessionExists) {
				t.Fatalf("Expected ErrSessionExists, got %v", err)
			}

			got, err := repo.GetSession(ctx, "s-1")
			if err != nil {
				t.Fatalf("GetSession failed: %v", err)
			}
			if got.Amount != 2500 || got.Status != domain.StatusInitiated || !got.ExpiresAt.Equal(s.ExpiresAt) {
				t.Errorf("Unexpected session %+v", got)
			}

			next := *got
			next.Status = domain.StatusEscrowPending
			next.EscrowTxID = "TX1"
			next.UpdatedAt = base.Add(time.Second)
			if err := repo.TransitionSession(ctx, &next, domain.StatusInitiated); err != nil {
				t.Fatalf("TransitionSession failed: %v", err)
			}

			// A second writer that read the old status loses.
			if err := repo.TransitionSession(ctx, &next, domain.StatusInitiated); !errors.Is(err, ErrStale) {
				t.Fatalf("Expected ErrStale, got %v", err)
			}

			got, err = repo.GetSession(ctx, "s-1")
			if err != nil {
				t.Fatalf("GetSession failed: %v", err)
			}
			if got.Status != domain.StatusEscrowPending || got.EscrowTxID != "TX1" {
				t.Errorf("Transition not persisted: %+v", got)
			}

			completedAt := base.Add(2 * time.Second)
			done := *got
			done.Status = domain.StatusCompleted
			done.ConfirmedRound = 99
			done.PlatformFee, done.WebsitePayout = 25, 2475
			done.CompletedAt = &completedAt
			if err := repo.TransitionSession(ctx, &done, domain.StatusEscrowPending); err != nil {
				t.Fatalf("TransitionSession failed: %v", err)
			}
			got, _ = repo.GetSession(ctx, "s-1")
			if got.CompletedAt == nil || !got.CompletedAt.Equal(completedAt) || got.ConfirmedRound != 99 ||
				got.PlatformFee != 25 || got.WebsitePayout != 2475 {
				t.Errorf("Completion fields not persisted: %+v", got)
			}
		})
	}
}

func TestSessionNotFound(t *testing.T) {
	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if _, err := repo.GetSession(ctx, "missing"); !errors.Is(err, domain.ErrSessionNotFound) {
				t.Errorf("Expected ErrSessionNotFound, got %v", err)
			}
			err := repo.TransitionSession(ctx, testSession("missing", domain.StatusCancelled), domain.StatusInitiated)
			if !errors.Is(err, domain.ErrSessionNotFound) {
				t.Errorf("Expected ErrSessionNotFound on transition, got %v", err)
			}
		})
	}
}

func TestListExpiredSessions(t *testing.T) {
	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := base.Add(time.Hour)

			late := testSession("late", domain.StatusEscrowConfirmed)
			late.ExpiresAt = base.Add(30 * time.Minute)
			early := testSession("early", domain.StatusInitiated)
			early.ExpiresAt = base.Add(5 * time.Minute)
			boundary := testSession("boundary", domain.StatusInitiated)
			boundary.ExpiresAt = now
			future := testSession("future", domain.StatusEscrowPending)
			future.ExpiresAt = now.Add(time.Minute)
			done := testSession("done", domain.StatusCompleted)

			for _, s := range []*domain.PaymentSession{late, early, boundary, future, done} {
				if err := repo.CreateSession(ctx, s); err != nil {
					t.Fatalf("CreateSession(%s) failed: %v", s.SessionID, err)
				}
			}

			expired, err := repo.ListExpiredSessions(ctx, now, 10)
			if err != nil {
				t.Fatalf("ListExpiredSessions failed: %v", err)
			}
			if len(expired) != 2 || expired[0].SessionID != "early" || expired[1].SessionID != "late" {
				t.Fatalf("Expected [early late], got %v", ids(expired))
			}

			limited, _ := repo.ListExpiredSessions(ctx, now, 1)
			if len(limited) != 1 {
				t.Errorf("Expected limit to apply, got %v", ids(limited))
			}
		})
	}
}

func TestRefundsAndRetention(t *testing.T) {
	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			owed := testSession("owed", domain.StatusRefunded)
			owed.RefundOwed = true
			owed.EscrowTxID = "TX1"
			settled := testSession("settled", domain.StatusCompleted)
			active := testSession("active", domain.StatusEscrowConfirmed)
			for _, s := range []*domain.PaymentSession{owed, settled, active} {
				if err := repo.CreateSession(ctx, s); err != nil {
					t.Fatalf("CreateSession(%s) failed: %v", s.SessionID, err)
				}
			}

			refunds, err := repo.ListRefundsOwed(ctx, 0)
			if err != nil {
				t.Fatalf("ListRefundsOwed failed: %v", err)
			}
			if len(refunds) != 1 || refunds[0].SessionID != "owed" {
				t.Fatalf("Expected [owed], got %v", ids(refunds))
			}

			deleted, err := repo.DeleteTerminalSessions(ctx, base.Add(time.Minute))
			if err != nil {
				t.Fatalf("DeleteTerminalSessions failed: %v", err)
			}
			if deleted != 1 {
				t.Errorf("Expected 1 deleted session, got %d", deleted)
			}
			if _, err := repo.GetSession(ctx, "settled"); !errors.Is(err, domain.ErrSessionNotFound) {
				t.Errorf("Settled session should be gone, got %v", err)
			}
			for _, id := range []string{"owed", "active"} {
				if _, err := repo.GetSession(ctx, id); err != nil {
					t.Errorf("Session %s should be kept: %v", id, err)
				}
			}
		})
	}
}

func TestWebsiteRegistry(t *testing.T) {
	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			w := &domain.Website{
				Domain:              "docs.example.com",
				OwnerAddress:        "OWNER",
				Subname:             domain.SubnameFor("docs.example.com"),
				BasePaymentAmount:   100,
				PaymentRequired:     true,
				SupportedQueryTypes: []domain.QueryType{domain.QuerySearch, domain.QuerySummarize},
				CreatedAt:           base,
				UpdatedAt:           base,
			}
			if err := repo.UpsertWebsite(ctx, w); err != nil {
				t.Fatalf("UpsertWebsite failed: %v", err)
			}

			update := *w
			update.Verified = true
			update.BasePaymentAmount = 200
			update.CreatedAt = base.Add(time.Hour)
			update.UpdatedAt = base.Add(time.Hour)
			if err := repo.UpsertWebsite(ctx, &update); err != nil {
				t.Fatalf("UpsertWebsite update failed: %v", err)
			}

			got, err := repo.GetWebsite(ctx, "docs.example.com")
			if err != nil {
				t.Fatalf("GetWebsite failed: %v", err)
			}
			if !got.Verified || got.BasePaymentAmount != 200 {
				t.Errorf("Update not applied: %+v", got)
			}
			if !got.CreatedAt.Equal(base) {
				t.Errorf("CreatedAt should be preserved, got %v", got.CreatedAt)
			}
			if len(got.SupportedQueryTypes) != 2 || got.SupportedQueryTypes[1] != domain.QuerySummarize {
				t.Errorf("Unexpected query types %v", got.SupportedQueryTypes)
			}

			other := &domain.Website{Domain: "blog.test", OwnerAddress: "OTHER", Subname: "blog-test.agentweb.alg", CreatedAt: base, UpdatedAt: base}
			if err := repo.UpsertWebsite(ctx, other); err != nil {
				t.Fatalf("UpsertWebsite failed: %v", err)
			}

			all, _ := repo.ListWebsites(ctx, WebsiteFilter{})
			if len(all) != 2 || all[0].Domain != "blog.test" {
				t.Errorf("Expected websites ordered by domain, got %d", len(all))
			}
			verified, _ := repo.ListWebsites(ctx, WebsiteFilter{VerifiedOnly: true})
			if len(verified) != 1 || verified[0].Domain != "docs.example.com" {
				t.Errorf("Expected only the verified website, got %d", len(verified))
			}
			matched, _ := repo.ListWebsites(ctx, WebsiteFilter{DomainContains: "blog"})
			if len(matched) != 1 || matched[0].OwnerAddress != "OTHER" {
				t.Errorf("Expected blog.test, got %d", len(matched))
			}

			if _, err := repo.GetWebsite(ctx, "missing.test"); !errors.Is(err, domain.ErrWebsiteNotFound) {
				t.Errorf("Expected ErrWebsiteNotFound, got %v", err)
			}
		})
	}
}

func TestAgentRegistry(t *testing.T) {
	for name, repo := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a := &domain.Agent{
				AgentID:      "agent-1",
				Address:      "ADDR",
				MetadataHash: "QmHash",
				Reputation:   domain.InitialReputation,
				CreatedAt:    base,
				UpdatedAt:    base,
			}
			if err := repo.CreateAgent(ctx, a); err != nil {
				t.Fatalf("CreateAgent failed: %v", err)
			}
			if err := repo.CreateAgent(ctx, a); !errors.Is(err, domain.ErrAgentExists) {
				t.Fatalf("Expected ErrAgentExists, got %v", err)
			}

			got, err := repo.GetAgent(ctx, "agent-1")
			if err != nil {
				t.Fatalf("GetAgent failed: %v", err)
			}
			if got.Address != "ADDR" || got.MetadataHash != "QmHash" || got.Reputation != domain.InitialReputation ||
				!got.CreatedAt.Equal(base) {
				t.Errorf("Unexpected agent %+v", got)
			}
			if _, err := repo.GetAgent(ctx, "agent-2"); !errors.Is(err, domain.ErrAgentNotFound) {
				t.Errorf("Expected ErrAgentNotFound, got %v", err)
			}
		})
	}
}

func TestListLimit(t *testing.T) {
	tests := map[int]int{0: defaultListLimit, -5: defaultListLimit, 5000: defaultListLimit, 42: 42}
	for in, want := range tests {
		if got := listLimit(in); got != want {
			t.Errorf("listLimit(%d) = %d, want %d", in, got, want)
		}
	}
}

func ids(list []*domain.PaymentSession) []string {
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = s.SessionID
	}
	return out
}
