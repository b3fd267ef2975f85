package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"fieldserve/internal/lifecycle"
	"fieldserve/internal/model"
)

// Memory is a simple in-memory store used when no database is configured.
// A single mutex serialises every operation, which makes each guarded update
// trivially atomic.
type Memory struct {
	mu         sync.Mutex
	users      map[string]model.User
	userOrder  []string
	works      map[string]model.WorkRequest
	workOrder  []string
	tokenSeq   map[int]int                     // year -> last sequence
	bookings   map[string]model.Booking
	bookOrder  []string
	bills      map[string]model.Bill
	billByWork map[string]string               // workId -> billId
	notes      []model.AdminNotification
	subs       []model.Subscription
	// Webhooks queue state
	deliveries    map[string]*memDelivery      // id -> delivery state
	deliveryOrder []string
	dlq           []map[string]any             // dead-lettered deliveries
}

func NewMemory() *Memory {
	return &Memory{
		users: map[string]model.User{},
		works: map[string]model.WorkRequest{},
		tokenSeq: map[int]int{},
		bookings: map[string]model.Booking{},
		bills: map[string]model.Bill{},
		billByWork: map[string]string{},
		deliveries: map[string]*memDelivery{},
		dlq: []map[string]any{},
	}
}

func (m *Memory) Ping(ctx context.Context) error { return nil }
func (m *Memory) Close() error                   { return nil }

// Users

func (m *Memory) CreateUser(ctx context.Context, u model.User) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	if _, ok := m.users[u.ID]; ok {
		return model.User{}, ErrDuplicate
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	m.users[u.ID] = cloneUser(u)
	m.userOrder = append(m.userOrder, u.ID)
	return cloneUser(u), nil
}

func (m *Memory) GetUser(ctx context.Context, id string) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return model.User{}, ErrNotFound
	}
	return cloneUser(u), nil
}

func (m *Memory) ListTechnicians(ctx context.Context, tags []string) ([]model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.User{}
	for _, id := range m.userOrder {
		u := m.users[id]
		if u.Role != model.RoleTechnician {
			continue
		}
		if len(tags) > 0 && !anyTag(u.Specialization, tags) {
			continue
		}
		out = append(out, cloneUser(u))
	}
	return out, nil
}

func (m *Memory) UpdateUserLocation(ctx context.Context, id string, p model.GeoPoint, text string, at time.Time) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return model.User{}, ErrNotFound
	}
	u.Coordinates = &p
	u.LastLocationUpdate = &at
	if text != "" {
		u.Location = text
	}
	m.users[id] = u
	return cloneUser(u), nil
}

func (m *Memory) SetTechnicianFlags(ctx context.Context, id string, f model.TechnicianFlags) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	if f.TechnicianStatus != nil {
		u.TechnicianStatus = *f.TechnicianStatus
	}
	if f.OnDuty != nil {
		u.OnDuty = *f.OnDuty
	}
	if f.Availability != nil {
		u.Availability = *f.Availability
	}
	m.users[id] = u
	return nil
}

// Work requests

func (m *Memory) NextToken(ctx context.Context, year int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokenSeq[year]++
	return FormatToken(year, m.tokenSeq[year]), nil
}

func (m *Memory) CreateWork(ctx context.Context, w model.WorkRequest, b *model.Booking) (model.WorkRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	if _, ok := m.works[w.ID]; ok {
		return model.WorkRequest{}, ErrDuplicate
	}
	for _, o := range m.works {
		if o.Token == w.Token {
			return model.WorkRequest{}, ErrDuplicate
		}
	}
	if w.AssignedTechnician != "" && w.Status.In(lifecycle.Active) && m.busyLocked(w.AssignedTechnician, w.ID) {
		return model.WorkRequest{}, ErrConflict
	}
	now := time.Now().UTC()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = now
	if b != nil {
		bk := *b
		if bk.ID == "" {
			bk.ID = uuid.New().String()
		}
		bk.WorkID = w.ID
		bk.Status = w.Status
		bk.CreatedAt, bk.UpdatedAt = now, now
		w.BookingID = bk.ID
		m.bookings[bk.ID] = bk
		m.bookOrder = append(m.bookOrder, bk.ID)
	}
	m.works[w.ID] = cloneWork(w)
	m.workOrder = append(m.workOrder, w.ID)
	return cloneWork(w), nil
}

func (m *Memory) GetWork(ctx context.Context, id string) (model.WorkRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.works[id]
	if !ok {
		return model.WorkRequest{}, ErrNotFound
	}
	return cloneWork(w), nil
}

// ListWorks returns newest first.
func (m *Memory) ListWorks(ctx context.Context, f WorkFilter) ([]model.WorkRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.WorkRequest{}
	for i := len(m.workOrder) - 1; i >= 0; i-- {
		w := m.works[m.workOrder[i]]
		if f.Client != "" && w.Client != f.Client {
			continue
		}
		if f.Technician != "" && w.AssignedTechnician != f.Technician {
			continue
		}
		if len(f.Statuses) > 0 && !w.Status.In(f.Statuses) {
			continue
		}
		out = append(out, cloneWork(w))
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) ListWorksByStatus(ctx context.Context, status lifecycle.Status, tags []string) ([]model.WorkRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.WorkRequest{}
	for i := len(m.workOrder) - 1; i >= 0; i-- {
		w := m.works[m.workOrder[i]]
		if w.Status != status {
			continue
		}
		if len(tags) > 0 && !anyTag(w.Specialization, tags) {
			continue
		}
		out = append(out, cloneWork(w))
	}
	return out, nil
}

func (m *Memory) BusyTechnicians(ctx context.Context, ids []string) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := map[string]bool{}
	for _, id := range ids {
		want[id] = true
	}
	out := map[string]bool{}
	for _, w := range m.works {
		if w.AssignedTechnician != "" && want[w.AssignedTechnician] && w.Status.In(lifecycle.Active) {
			out[w.AssignedTechnician] = true
		}
	}
	return out, nil
}

func (m *Memory) TransitionWork(ctx context.Context, id string, g Guard, upd WorkUpdate) (model.WorkRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, err := m.guardedLocked(id, g)
	if err != nil {
		return model.WorkRequest{}, err
	}
	m.applyLocked(&w, upd)
	return cloneWork(w), nil
}

func (m *Memory) SweepUnavailable(ctx context.Context, serviceType, exceptID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, id := range m.workOrder {
		w := m.works[id]
		if id == exceptID || w.Status != lifecycle.Open || w.ServiceType != serviceType {
			continue
		}
		m.applyLocked(&w, WorkUpdate{Status: lifecycle.Unavailable})
		n++
	}
	return n, nil
}

// Bookings

func (m *Memory) BookWork(ctx context.Context, id string, g Guard, upd WorkUpdate, b model.Booking) (model.WorkRequest, model.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, err := m.guardedLocked(id, g)
	if err != nil {
		return model.WorkRequest{}, model.Booking{}, err
	}
	now := time.Now().UTC()
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	b.WorkID = id
	b.CreatedAt, b.UpdatedAt = now, now
	upd.BookingID = &b.ID
	b.Status = upd.Status
	m.bookings[b.ID] = b
	m.bookOrder = append(m.bookOrder, b.ID)
	m.applyLocked(&w, upd)
	return cloneWork(w), b, nil
}

func (m *Memory) FindActiveBooking(ctx context.Context, clientID, technicianID, serviceType string) (model.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.bookOrder {
		b := m.bookings[id]
		if b.Client == clientID && b.Technician == technicianID && b.ServiceType == serviceType && b.Status.In(lifecycle.ActiveBooking) {
			return b, nil
		}
	}
	return model.Booking{}, ErrNotFound
}

func (m *Memory) GetBookingByWork(ctx context.Context, workID string) (model.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.bookOrder {
		if b := m.bookings[id]; b.WorkID == workID {
			return b, nil
		}
	}
	return model.Booking{}, ErrNotFound
}

// Bills

func (m *Memory) CompleteWork(ctx context.Context, id string, g Guard, upd WorkUpdate, bill model.Bill) (model.WorkRequest, model.Bill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, err := m.guardedLocked(id, g)
	if err != nil {
		return model.WorkRequest{}, model.Bill{}, err
	}
	if _, ok := m.billByWork[id]; ok {
		return model.WorkRequest{}, model.Bill{}, ErrDuplicate
	}
	if bill.ID == "" {
		bill.ID = uuid.New().String()
	}
	bill.WorkID = id
	if bill.CreatedAt.IsZero() {
		bill.CreatedAt = time.Now().UTC()
	}
	bill.Items = append([]model.LineItem(nil), bill.Items...)
	upd.BillID = &bill.ID
	m.bills[bill.ID] = bill
	m.billByWork[id] = bill.ID
	m.applyLocked(&w, upd)
	return cloneWork(w), cloneBill(bill), nil
}

func (m *Memory) SettlePayment(ctx context.Context, id string, g Guard, upd WorkUpdate, billStatus string, paidAt *time.Time) (model.WorkRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, err := m.guardedLocked(id, g)
	if err != nil {
		return model.WorkRequest{}, err
	}
	if bid, ok := m.billByWork[id]; ok {
		b := m.bills[bid]
		if billStatus != "" {
			b.PaymentStatus = billStatus
		}
		if paidAt != nil {
			t := *paidAt
			b.PaidAt = &t
		}
		m.bills[bid] = b
	}
	m.applyLocked(&w, upd)
	return cloneWork(w), nil
}

func (m *Memory) GetBill(ctx context.Context, id string) (model.Bill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bills[id]
	if !ok {
		return model.Bill{}, ErrNotFound
	}
	return cloneBill(b), nil
}

func (m *Memory) SumBillTotals(ctx context.Context, technicianID string, statuses []lifecycle.Status) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum float64
	for workID, billID := range m.billByWork {
		w := m.works[workID]
		b := m.bills[billID]
		if b.TechnicianID != technicianID {
			continue
		}
		if len(statuses) > 0 && !w.Status.In(statuses) {
			continue
		}
		sum += b.TotalAmount
	}
	return sum, nil
}

// Admin notifications

func (m *Memory) CreateAdminNotification(ctx context.Context, n model.AdminNotification) (model.AdminNotification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	m.notes = append(m.notes, n)
	return n, nil
}

func (m *Memory) ListAdminNotifications(ctx context.Context, limit int) ([]model.AdminNotification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	out := []model.AdminNotification{}
	for i := len(m.notes) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.notes[i])
	}
	return out, nil
}

// Subscriptions

func (m *Memory) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := model.Subscription{ID: uuid.New().String(), URL: req.URL, Events: req.Events, Secret: req.Secret}
	m.subs = append(m.subs, s)
	return s, nil
}

func (m *Memory) GetSubscriptionsForEvent(ctx context.Context, eventType string) ([]model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Subscription
	for _, s := range m.subs {
		for _, e := range s.Events {
			if e == eventType || e == "*" {
				out = append(out, s)
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) ListSubscriptions(ctx context.Context, cursor string, limit int) ([]model.Subscription, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.subs
	start := 0
	if cursor != "" {
		for i := range list {
			if list[i].ID == cursor {
				start = i+1
				break
			}
		}
	}
	if limit <= 0 {
		limit = 100
	}
	end := start + limit
	if end > len(list) {
		end = len(list)
	}
	items := append([]model.Subscription{}, list[start:end]...)
	next := ""
	if end < len(list) {
		next = list[end-1].ID
	}
	return items, next, nil
}

func (m *Memory) DeleteSubscription(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Subscription, 0, len(m.subs))
	found := false
	for _, s := range m.subs {
		if s.ID != id {
			out = append(out, s)
		} else {
			found = true
		}
	}
	m.subs = out
	if !found {
		return ErrNotFound
	}
	return nil
}

// Webhook deliveries

func (m *Memory) EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New().String()
	d := &memDelivery{WebhookDelivery: WebhookDelivery{ID: id, SubscriptionID: subscriptionID, EventType: eventType, URL: url, Secret: secret, Payload: payload, Status: DeliveryPending, Attempts: 0}, NextAttemptAt: time.Now(), CreatedAt: time.Now()}
	m.deliveries[id] = d
	m.deliveryOrder = append(m.deliveryOrder, id)
	return id, nil
}

func (m *Memory) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	out := []WebhookDelivery{}
	for _, id := range m.deliveryOrder {
		d := m.deliveries[id]
		if d == nil {
			continue
		}
		if (d.Status == DeliveryPending || d.Status == DeliveryRetry) && !d.NextAttemptAt.After(now) {
			out = append(out, d.WebhookDelivery)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil {
		return ErrNotFound
	}
	d.Attempts++
	d.ResponseCode = responseCode
	d.LatencyMs = latencyMs
	if success {
		d.Status = DeliveryDelivered
		now := time.Now()
		d.DeliveredAt = &now
	} else {
		d.Status = DeliveryRetry
		d.LastError = lastError
		if nextAttemptAt != nil {
			d.NextAttemptAt = *nextAttemptAt
		} else {
			d.NextAttemptAt = time.Now().Add(1 * time.Minute)
		}
	}
	return nil
}

func (m *Memory) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil {
		return ErrNotFound
	}
	d.Attempts++
	d.Status = DeliveryFailed
	d.LastError = lastError
	d.ResponseCode = responseCode
	d.LatencyMs = latencyMs
	m.dlq = append(m.dlq, map[string]any{"id": id, "eventType": d.EventType, "lastError": lastError, "responseCode": responseCode, "latencyMs": latencyMs})
	return nil
}

func (m *Memory) ListWebhookDeliveries(ctx context.Context, status string, limit int) ([]map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	out := []map[string]any{}
	for _, id := range m.deliveryOrder {
		d := m.deliveries[id]
		if d == nil {
			continue
		}
		if status == "" || d.Status == status {
			item := map[string]any{"id": d.ID, "eventType": d.EventType, "status": d.Status, "attempts": d.Attempts, "url": d.URL}
			if !d.NextAttemptAt.IsZero() {
				item["nextAttemptAt"] = d.NextAttemptAt
			}
			if d.LastError != "" {
				item["lastError"] = d.LastError
			}
			if d.ResponseCode != 0 {
				item["responseCode"] = d.ResponseCode
			}
			if d.DeliveredAt != nil {
				item["deliveredAt"] = *d.DeliveredAt
			}
			item["createdAt"] = d.CreatedAt
			out = append(out, item)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *Memory) RetryWebhookDelivery(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[id]
	if d == nil {
		return ErrNotFound
	}
	d.Status = DeliveryPending
	d.NextAttemptAt = time.Now()
	return nil
}

// helpers; callers hold m.mu

func (m *Memory) guardedLocked(id string, g Guard) (model.WorkRequest, error) {
	w, ok := m.works[id]
	if !ok {
		return model.WorkRequest{}, ErrNotFound
	}
	if !g.Matches(w) {
		return model.WorkRequest{}, ErrConflict
	}
	if g.TechnicianFree != "" && m.busyLocked(g.TechnicianFree, id) {
		return model.WorkRequest{}, ErrConflict
	}
	return w, nil
}

// busyLocked reports whether tech holds active work other than exceptID.
func (m *Memory) busyLocked(tech, exceptID string) bool {
	for id, w := range m.works {
		if id != exceptID && w.AssignedTechnician == tech && w.Status.In(lifecycle.Active) {
			return true
		}
	}
	return false
}

func (m *Memory) applyLocked(w *model.WorkRequest, upd WorkUpdate) {
	prev := w.Status
	upd.Apply(w)
	w.UpdatedAt = time.Now().UTC()
	m.works[w.ID] = cloneWork(*w)
	if w.Status != prev && w.BookingID != "" {
		if b, ok := m.bookings[w.BookingID]; ok {
			b.Status = w.Status
			b.UpdatedAt = w.UpdatedAt
			m.bookings[b.ID] = b
		}
	}
}

func anyTag(have, want []string) bool {
	for _, h := range have {
		h = strings.ToLower(strings.TrimSpace(h))
		for _, t := range want {
			if h == t {
				return true
			}
		}
	}
	return false
}

func cloneUser(u model.User) model.User {
	u.Specialization = append([]string(nil), u.Specialization...)
	if u.Coordinates != nil {
		c := *u.Coordinates
		u.Coordinates = &c
	}
	if u.LastLocationUpdate != nil {
		t := *u.LastLocationUpdate
		u.LastLocationUpdate = &t
	}
	return u
}

func cloneWork(w model.WorkRequest) model.WorkRequest {
	w.Specialization = append([]string(nil), w.Specialization...)
	if w.Coordinates != nil {
		c := *w.Coordinates
		w.Coordinates = &c
	}
	if w.Date != nil {
		t := *w.Date
		w.Date = &t
	}
	if w.Payment != nil {
		p := *w.Payment
		w.Payment = &p
	}
	if w.SelectedRouteIndex != nil {
		i := *w.SelectedRouteIndex
		w.SelectedRouteIndex = &i
	}
	if w.StartedAt != nil {
		t := *w.StartedAt
		w.StartedAt = &t
	}
	if w.CompletedAt != nil {
		t := *w.CompletedAt
		w.CompletedAt = &t
	}
	return w
}

func cloneBill(b model.Bill) model.Bill {
	b.Items = append([]model.LineItem(nil), b.Items...)
	if b.PaidAt != nil {
		t := *b.PaidAt
		b.PaidAt = &t
	}
	return b
}
