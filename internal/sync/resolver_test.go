package sync_test

import (
	"testing"

	"github.com/vladislavdragonenkov/kds/internal/domain"
	ordersync "github.com/vladislavdragonenkov/kds/internal/sync"
)

func newConflict(orderID string, serverVersion int64) domain.VersionConflict {
	server := newOrder(orderID, serverVersion)
	server.CustomerName = "Anna"
	return domain.VersionConflict{
		CurrentVersion:  serverVersion,
		ExpectedVersion: serverVersion - 1,
		ServerOrder:     server,
	}
}

func TestResolver_Select(t *testing.T) {
	resolver := ordersync.NewResolver(nil)
	status := domain.OrderStatusReady
	name := "Ivan"

	cases := []struct {
		name    string
		changes domain.OrderChanges
		want    domain.ResolutionStrategy
	}{
		{"status only", domain.OrderChanges{Status: &status}, domain.ResolutionClientWins},
		{"status plus other field", domain.OrderChanges{Status: &status, CustomerName: &name}, domain.ResolutionMerge},
		{"no status", domain.OrderChanges{CustomerName: &name}, domain.ResolutionServerWins},
		{"empty", domain.OrderChanges{}, domain.ResolutionServerWins},
	}
	for _, tc := range cases {
		if got := resolver.Select(tc.changes); got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
	}
}

func TestResolver_ClientWins_RetriesOnServerBase(t *testing.T) {
	resolver := ordersync.NewResolver(nil)
	status := domain.OrderStatusReady
	update := newPending("order-1", 2)
	update.Changes = domain.OrderChanges{Status: &status}
	conflict := newConflict("order-1", 4)

	resolution := resolver.Resolve(update, conflict)

	if resolution.Strategy != domain.ResolutionClientWins {
		t.Fatalf("expected client_wins, got %s", resolution.Strategy)
	}
	if !resolution.Retry {
		t.Fatal("client_wins should request a retry")
	}
	if resolution.Order.Status != domain.OrderStatusReady {
		t.Fatalf("local status not reapplied: %s", resolution.Order.Status)
	}
	// Остальное берётся из серверного заказа.
	if resolution.Order.CustomerName != "Anna" {
		t.Fatal("server fields must survive client_wins")
	}
}

func TestResolver_Merge_OnlyStatusReapplied(t *testing.T) {
	resolver := ordersync.NewResolver(nil)
	status := domain.OrderStatusReady
	table := "99"
	update := newPending("order-1", 2)
	update.Changes = domain.OrderChanges{Status: &status, TableNumber: &table}
	conflict := newConflict("order-1", 4)

	resolution := resolver.Resolve(update, conflict)

	if resolution.Strategy != domain.ResolutionMerge {
		t.Fatalf("expected merge, got %s", resolution.Strategy)
	}
	if !resolution.Retry {
		t.Fatal("merge should request a retry")
	}
	if resolution.Order.Status != domain.OrderStatusReady {
		t.Fatalf("status not merged: %s", resolution.Order.Status)
	}
	// Немерджируемые поля остаются серверными.
	if resolution.Order.TableNumber != conflict.ServerOrder.TableNumber {
		t.Fatalf("table number should stay server-side, got %s", resolution.Order.TableNumber)
	}
	if resolution.RetryChanges.TableNumber != nil {
		t.Fatal("retry changes must be narrowed to status only")
	}
	if resolution.RetryChanges.Status == nil || *resolution.RetryChanges.Status != domain.OrderStatusReady {
		t.Fatal("retry changes must carry the local status")
	}
}

func TestResolver_ServerWins_AdoptsServerOrder(t *testing.T) {
	resolver := ordersync.NewResolver(nil)
	name := "Ivan"
	update := newPending("order-1", 2)
	update.Changes = domain.OrderChanges{CustomerName: &name}
	conflict := newConflict("order-1", 4)

	resolution := resolver.Resolve(update, conflict)

	if resolution.Strategy != domain.ResolutionServerWins {
		t.Fatalf("expected server_wins, got %s", resolution.Strategy)
	}
	if resolution.Retry {
		t.Fatal("server_wins must not retry")
	}
	if resolution.Order.CustomerName != "Anna" || resolution.Order.Version != 4 {
		t.Fatal("server order not adopted verbatim")
	}
}

func TestResolver_Manual_LeavesCacheAlone(t *testing.T) {
	resolver := ordersync.NewResolver(nil)
	update := newPending("order-1", 2)
	conflict := newConflict("order-1", 4)

	resolution := resolver.ResolveWith(domain.ResolutionManual, update, conflict)

	if !resolution.Manual {
		t.Fatal("manual resolution flag not set")
	}
	if resolution.Retry {
		t.Fatal("manual must not retry automatically")
	}
}

func TestResolver_UnknownStrategyFallsBackToServerWins(t *testing.T) {
	resolver := ordersync.NewResolver(nil)
	update := newPending("order-1", 2)
	conflict := newConflict("order-1", 4)

	resolution := resolver.ResolveWith(domain.ResolutionStrategy("unknown"), update, conflict)

	if resolution.Strategy != domain.ResolutionServerWins {
		t.Fatalf("expected server_wins fallback, got %s", resolution.Strategy)
	}
}
