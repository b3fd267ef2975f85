package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fieldserve/internal/lifecycle"
	"fieldserve/internal/model"
)

// runStoreSuite exercises the behaviour every Store implementation shares.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("TokensUniqueUnderConcurrency", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		const n = 40
		var wg sync.WaitGroup
		var mu sync.Mutex
		seen := map[string]bool{}
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				tok, err := s.NextToken(ctx, 2026)
				if err != nil {
					errs <- err
					return
				}
				mu.Lock()
				seen[tok] = true
				mu.Unlock()
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Fatal(err)
		}
		if len(seen) != n {
			t.Fatalf("want %d distinct tokens, got %d", n, len(seen))
		}
		if !seen["REQ-2026-00001"] || !seen[FormatToken(2026, n)] {
			t.Fatalf("sequence not dense from 1: %v", seen)
		}
	})

	t.Run("ConcurrentApproveHasOneWinner", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		w := seedWork(t, s, "c1", "ac repair")
		const n = 10
		var wg sync.WaitGroup
		results := make(chan error, n)
		for i := 0; i < n; i++ {
			tech := "t" + string(rune('a'+i))
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.TransitionWork(ctx, w.ID, Guard{From: []lifecycle.Status{lifecycle.Open}},
					WorkUpdate{Status: lifecycle.Approved, AssignedTechnician: &tech})
				results <- err
			}()
		}
		wg.Wait()
		close(results)
		wins := 0
		for err := range results {
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrConflict):
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		if wins != 1 {
			t.Fatalf("want exactly one winner, got %d", wins)
		}
		got, _ := s.GetWork(ctx, w.ID)
		if got.Status != lifecycle.Approved || got.AssignedTechnician == "" {
			t.Fatalf("work after race: %+v", got)
		}
	})

	t.Run("GuardDistinguishesNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.TransitionWork(context.Background(), "missing", Guard{From: []lifecycle.Status{lifecycle.Open}}, WorkUpdate{Status: lifecycle.Approved})
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("want ErrNotFound, got %v", err)
		}
	})

	t.Run("TechnicianGuard", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		w := seedWork(t, s, "c1", "plumbing")
		tech := "t1"
		if _, err := s.TransitionWork(ctx, w.ID, Guard{From: []lifecycle.Status{lifecycle.Open}}, WorkUpdate{Status: lifecycle.Approved, AssignedTechnician: &tech}); err != nil {
			t.Fatal(err)
		}
		_, err := s.TransitionWork(ctx, w.ID, Guard{From: []lifecycle.Status{lifecycle.Approved}, Technician: "t2"}, WorkUpdate{Status: lifecycle.InProgress})
		if !errors.Is(err, ErrConflict) {
			t.Fatalf("other technician moved the work: %v", err)
		}
	})

	t.Run("TechnicianFreeGuardAllowsOneActiveWork", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		if _, err := s.CreateUser(ctx, model.User{ID: "t1", Role: model.RoleTechnician, FirstName: "Ravi", Email: "t1@example.com"}); err != nil {
			t.Fatal(err)
		}
		const n = 6
		works := make([]model.WorkRequest, n)
		for i := range works {
			works[i] = seedWork(t, s, "c"+string(rune('a'+i)), "service "+string(rune('a'+i)))
		}
		var wg sync.WaitGroup
		results := make(chan error, n)
		for _, w := range works {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				tech := "t1"
				_, err := s.TransitionWork(ctx, id, Guard{From: []lifecycle.Status{lifecycle.Open}, TechnicianFree: tech},
					WorkUpdate{Status: lifecycle.Approved, AssignedTechnician: &tech})
				results <- err
			}(w.ID)
		}
		wg.Wait()
		close(results)
		wins := 0
		for err := range results {
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrConflict):
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		if wins != 1 {
			t.Fatalf("technician won %d works", wins)
		}
		active, err := s.ListWorks(ctx, WorkFilter{Technician: "t1", Statuses: lifecycle.Active})
		if err != nil || len(active) != 1 {
			t.Fatalf("active works %d err=%v", len(active), err)
		}

		tok, _ := s.NextToken(ctx, 2026)
		_, err = s.CreateWork(ctx, model.WorkRequest{Token: tok, Client: "c9", ServiceType: "direct", AssignedTechnician: "t1", Status: lifecycle.Taken}, &model.Booking{Client: "c9", Technician: "t1", ServiceType: "direct"})
		if !errors.Is(err, ErrConflict) {
			t.Fatalf("direct booking of a busy technician: %v", err)
		}
	})

	t.Run("SweepSkipsApprovedAndOtherServices", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		a := seedWork(t, s, "c1", "ac repair")
		b := seedWork(t, s, "c2", "ac repair")
		c := seedWork(t, s, "c3", "plumbing")
		n, err := s.SweepUnavailable(ctx, "ac repair", a.ID)
		if err != nil || n != 1 {
			t.Fatalf("sweep n=%d err=%v", n, err)
		}
		for id, want := range map[string]lifecycle.Status{a.ID: lifecycle.Open, b.ID: lifecycle.Unavailable, c.ID: lifecycle.Open} {
			got, _ := s.GetWork(ctx, id)
			if got.Status != want {
				t.Fatalf("%s: status %s, want %s", id, got.Status, want)
			}
		}
	})

	t.Run("BookingMirrorsWorkStatus", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		w := seedWork(t, s, "c1", "ac repair")
		tech := "t1"
		upd := WorkUpdate{Status: lifecycle.Taken, AssignedTechnician: &tech}
		w2, bk, err := s.BookWork(ctx, w.ID, Guard{From: []lifecycle.Status{lifecycle.Open}, Client: "c1"}, upd,
			model.Booking{Client: "c1", Technician: tech, ServiceType: "ac repair"})
		if err != nil {
			t.Fatal(err)
		}
		if w2.BookingID != bk.ID || bk.Status != lifecycle.Taken {
			t.Fatalf("booking not linked: %+v %+v", w2, bk)
		}
		if _, err := s.FindActiveBooking(ctx, "c1", tech, "ac repair"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("taken booking counted as active: %v", err)
		}
		if _, err := s.TransitionWork(ctx, w.ID, Guard{From: []lifecycle.Status{lifecycle.Taken}, Technician: tech}, WorkUpdate{Status: lifecycle.Dispatch}); err != nil {
			t.Fatal(err)
		}
		got, err := s.GetBookingByWork(ctx, w.ID)
		if err != nil || got.Status != lifecycle.Dispatch {
			t.Fatalf("booking status %s err %v", got.Status, err)
		}
		if _, err := s.FindActiveBooking(ctx, "c1", tech, "ac repair"); err != nil {
			t.Fatalf("dispatched booking should be active: %v", err)
		}
		busy, _ := s.BusyTechnicians(ctx, []string{tech, "t9"})
		if !busy[tech] || busy["t9"] {
			t.Fatalf("busy = %v", busy)
		}
	})

	t.Run("CompleteIsAtomicAndOnce", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		w := seedWork(t, s, "c1", "ac repair")
		tech := "t1"
		if _, err := s.TransitionWork(ctx, w.ID, Guard{From: []lifecycle.Status{lifecycle.Open}}, WorkUpdate{Status: lifecycle.InProgress, AssignedTechnician: &tech}); err != nil {
			t.Fatal(err)
		}
		now := time.Now().UTC()
		g := Guard{From: []lifecycle.Status{lifecycle.InProgress}, Technician: tech}
		upd := WorkUpdate{Status: lifecycle.Completed, CompletedAt: &now}
		bill := model.Bill{InvoiceNumber: "INV-1", TechnicianID: tech, ClientID: "c1", TotalAmount: 500, PaymentMethod: "cash", PaymentStatus: "pending",
			Items: []model.LineItem{{Name: "gas", Price: 200, Qty: 1}}, ServiceCharge: 300}
		done, b, err := s.CompleteWork(ctx, w.ID, g, upd, bill)
		if err != nil {
			t.Fatal(err)
		}
		if done.Status != lifecycle.Completed || done.BillID != b.ID || done.CompletedAt == nil {
			t.Fatalf("completed work: %+v", done)
		}
		// second completion loses the guard; no second bill
		bill.InvoiceNumber = "INV-2"
		if _, _, err := s.CompleteWork(ctx, w.ID, g, upd, bill); !errors.Is(err, ErrConflict) {
			t.Fatalf("second completion: %v", err)
		}
		got, err := s.GetBill(ctx, b.ID)
		if err != nil || got.TotalAmount != 500 || len(got.Items) != 1 {
			t.Fatalf("bill %+v err %v", got, err)
		}
		sum, _ := s.SumBillTotals(ctx, tech, lifecycle.Settled)
		if sum != 500 {
			t.Fatalf("earnings = %v", sum)
		}
		paid := time.Now().UTC()
		p := model.Payment{Method: "cash", Status: model.PaymentPaid, PaidAt: &paid}
		if _, err := s.SettlePayment(ctx, w.ID, Guard{From: lifecycle.Settled, Client: "c1"}, WorkUpdate{Status: lifecycle.Confirm, Payment: &p}, model.PaymentPaid, &paid); err != nil {
			t.Fatal(err)
		}
		got, _ = s.GetBill(ctx, b.ID)
		if got.PaymentStatus != model.PaymentPaid || got.PaidAt == nil {
			t.Fatalf("bill after payment: %+v", got)
		}
	})

	t.Run("DuplicateTokenRejected", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		w := model.WorkRequest{Token: "REQ-2026-00099", Client: "c1", Status: lifecycle.Open}
		if _, err := s.CreateWork(ctx, w, nil); err != nil {
			t.Fatal(err)
		}
		if _, err := s.CreateWork(ctx, w, nil); !errors.Is(err, ErrDuplicate) {
			t.Fatalf("want ErrDuplicate, got %v", err)
		}
	})

	t.Run("TechnicianLocationAndFlags", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		u, err := s.CreateUser(ctx, model.User{Role: model.RoleTechnician, FirstName: "Ravi", Specialization: []string{"ac repair"}})
		if err != nil {
			t.Fatal(err)
		}
		at := time.Now().UTC().Truncate(time.Second)
		got, err := s.UpdateUserLocation(ctx, u.ID, model.GeoPoint{Lat: 12.9, Lng: 77.6}, "Indiranagar", at)
		if err != nil || got.Coordinates == nil || got.Coordinates.Lat != 12.9 || got.Location != "Indiranagar" {
			t.Fatalf("location update: %+v %v", got, err)
		}
		on := true
		if err := s.SetTechnicianFlags(ctx, u.ID, model.TechnicianFlags{OnDuty: &on}); err != nil {
			t.Fatal(err)
		}
		techs, _ := s.ListTechnicians(ctx, []string{"ac repair"})
		if len(techs) != 1 || !techs[0].OnDuty {
			t.Fatalf("technicians: %+v", techs)
		}
		if techs, _ := s.ListTechnicians(ctx, []string{"plumbing"}); len(techs) != 0 {
			t.Fatalf("tag filter leaked: %+v", techs)
		}
	})
}

func seedWork(t *testing.T, s Store, client, service string) model.WorkRequest {
	t.Helper()
	ctx := context.Background()
	tok, err := s.NextToken(ctx, 2026)
	if err != nil {
		t.Fatal(err)
	}
	w, err := s.CreateWork(ctx, model.WorkRequest{Token: tok, Client: client, ServiceType: service, Specialization: []string{service}, Status: lifecycle.Open}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return w
}
