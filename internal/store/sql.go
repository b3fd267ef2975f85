package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	sqlite3 "github.com/mattn/go-sqlite3"

	"fieldserve/internal/lifecycle"
	"fieldserve/internal/model"
)

// Dialect selects driver-specific SQL details.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// SQL is a database/sql backed Store for Postgres (pgx) and SQLite.
// Queries are written with ? placeholders and rebound for Postgres.
type SQL struct {
	db      *sql.DB
	dialect Dialect
}

func NewPostgres(dsn string) (*SQL, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return open(db, Postgres)
}

// NewSQLite opens a single-node database file. One connection serialises
// writers, which SQLite requires anyway.
func NewSQLite(path string) (*SQL, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_foreign_keys=on&_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	return open(db, SQLite)
}

func open(db *sql.DB, d Dialect) (*SQL, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &SQL{db: db, dialect: d}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQL) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *SQL) Close() error                   { return s.db.Close() }

// q rebinds ? placeholders to $n for Postgres.
func (s *SQL) q(query string) string {
	if s.dialect != Postgres {
		return query
	}
	return rebind(query)
}

func rebind(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func statusArgs(st []lifecycle.Status) []any {
	out := make([]any, len(st))
	for i, v := range st {
		out[i] = string(v)
	}
	return out
}

func (s *SQL) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func(){ _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Users

const userCols = `id, role, first_name, last_name, email, phone, specialization, location, lat, lng, last_location_update, technician_status, on_duty, availability, fcm_token, created_at`

func (s *SQL) CreateUser(ctx context.Context, u model.User) (model.User, error) {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	lat, lng := pointArgs(u.Coordinates)
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO users (`+userCols+`) VALUES (`+placeholders(16)+`)`),
		u.ID, u.Role, u.FirstName, u.LastName, u.Email, u.Phone, jsonText(u.Specialization), u.Location, lat, lng,
		u.LastLocationUpdate, u.TechnicianStatus, u.OnDuty, u.Availability, u.FCMToken, u.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return model.User{}, ErrDuplicate
		}
		return model.User{}, err
	}
	return u, nil
}

func (s *SQL) GetUser(ctx context.Context, id string) (model.User, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+userCols+` FROM users WHERE id=?`), id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return u, ErrNotFound
	}
	return u, err
}

// ListTechnicians filters tags in Go; specialization is stored as JSON text so
// the same query runs on both dialects.
func (s *SQL) ListTechnicians(ctx context.Context, tags []string) ([]model.User, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+userCols+` FROM users WHERE role=? ORDER BY created_at`), model.RoleTechnician)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		if len(tags) > 0 && !anyTag(u.Specialization, tags) {
			continue
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *SQL) UpdateUserLocation(ctx context.Context, id string, p model.GeoPoint, text string, at time.Time) (model.User, error) {
	var res sql.Result
	var err error
	if text != "" {
		res, err = s.db.ExecContext(ctx, s.q(`UPDATE users SET lat=?, lng=?, last_location_update=?, location=? WHERE id=?`), p.Lat, p.Lng, at, text, id)
	} else {
		res, err = s.db.ExecContext(ctx, s.q(`UPDATE users SET lat=?, lng=?, last_location_update=? WHERE id=?`), p.Lat, p.Lng, at, id)
	}
	if err != nil {
		return model.User{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.User{}, ErrNotFound
	}
	return s.GetUser(ctx, id)
}

func (s *SQL) SetTechnicianFlags(ctx context.Context, id string, f model.TechnicianFlags) error {
	set := &setList{}
	if f.TechnicianStatus != nil {
		set.add("technician_status", *f.TechnicianStatus)
	}
	if f.OnDuty != nil {
		set.add("on_duty", *f.OnDuty)
	}
	if f.Availability != nil {
		set.add("availability", *f.Availability)
	}
	if len(set.cols) == 0 {
		return nil
	}
	args := append(set.args, id)
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE users SET `+set.clause()+` WHERE id=?`), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Work requests

const workCols = `id, token, client_id, assigned_technician, service_type, specialization, description, location, lat, lng, work_date, formatted_date, work_time, status, service_charge, payment, before_photo, after_photo, bill_id, booking_id, selected_route_index, issue_type, remarks, created_at, updated_at, started_at, completed_at`

func (s *SQL) NextToken(ctx context.Context, year int) (string, error) {
	var seq int
	err := s.db.QueryRowContext(ctx, s.q(`INSERT INTO token_counters (year, seq) VALUES (?, 1)
		ON CONFLICT (year) DO UPDATE SET seq = token_counters.seq + 1 RETURNING seq`), year).Scan(&seq)
	if err != nil {
		return "", err
	}
	return FormatToken(year, seq), nil
}

func (s *SQL) CreateWork(ctx context.Context, w model.WorkRequest, b *model.Booking) (model.WorkRequest, error) {
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = now
	var bk model.Booking
	if b != nil {
		bk = *b
		if bk.ID == "" {
			bk.ID = uuid.New().String()
		}
		bk.WorkID = w.ID
		bk.Status = w.Status
		bk.CreatedAt, bk.UpdatedAt = now, now
		w.BookingID = bk.ID
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if w.AssignedTechnician != "" && w.Status.In(lifecycle.Active) {
			busy, err := s.technicianBusy(ctx, tx, w.AssignedTechnician, w.ID)
			if err != nil {
				return err
			}
			if busy {
				return ErrConflict
			}
		}
		lat, lng := pointArgs(w.Coordinates)
		_, err := tx.ExecContext(ctx, s.q(`INSERT INTO work_requests (`+workCols+`) VALUES (`+placeholders(27)+`)`),
			w.ID, w.Token, w.Client, w.AssignedTechnician, w.ServiceType, jsonText(w.Specialization), w.Description, w.Location,
			lat, lng, w.Date, w.FormattedDate, w.Time, string(w.Status), w.ServiceCharge, paymentText(w.Payment),
			w.BeforePhoto, w.AfterPhoto, w.BillID, w.BookingID, w.SelectedRouteIndex, w.IssueType, w.Remarks,
			w.CreatedAt, w.UpdatedAt, w.StartedAt, w.CompletedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicate
			}
			return err
		}
		if b != nil {
			return s.insertBooking(ctx, tx, bk)
		}
		return nil
	})
	if err != nil {
		return model.WorkRequest{}, err
	}
	return w, nil
}

func (s *SQL) GetWork(ctx context.Context, id string) (model.WorkRequest, error) {
	return s.getWork(ctx, s.db, id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQL) getWork(ctx context.Context, q queryer, id string) (model.WorkRequest, error) {
	w, err := scanWork(q.QueryRowContext(ctx, s.q(`SELECT `+workCols+` FROM work_requests WHERE id=?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return w, ErrNotFound
	}
	return w, err
}

func (s *SQL) ListWorks(ctx context.Context, f WorkFilter) ([]model.WorkRequest, error) {
	where := []string{"1=1"}
	var args []any
	if f.Client != "" {
		where = append(where, "client_id=?")
		args = append(args, f.Client)
	}
	if f.Technician != "" {
		where = append(where, "assigned_technician=?")
		args = append(args, f.Technician)
	}
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Statuses))+")")
		args = append(args, statusArgs(f.Statuses)...)
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	args = append(args, limit)
	return s.queryWorks(ctx, `SELECT `+workCols+` FROM work_requests WHERE `+strings.Join(where, " AND ")+` ORDER BY created_at DESC LIMIT ?`, args...)
}

func (s *SQL) ListWorksByStatus(ctx context.Context, status lifecycle.Status, tags []string) ([]model.WorkRequest, error) {
	all, err := s.queryWorks(ctx, `SELECT `+workCols+` FROM work_requests WHERE status=? ORDER BY created_at DESC`, string(status))
	if err != nil || len(tags) == 0 {
		return all, err
	}
	out := all[:0]
	for _, w := range all {
		if anyTag(w.Specialization, tags) {
			out = append(out, w)
		}
	}
	return out, nil
}

func (s *SQL) queryWorks(ctx context.Context, query string, args ...any) ([]model.WorkRequest, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.WorkRequest{}
	for rows.Next() {
		w, err := scanWork(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *SQL) BusyTechnicians(ctx context.Context, ids []string) (map[string]bool, error) {
	out := map[string]bool{}
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, 0, len(ids)+len(lifecycle.Active))
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, statusArgs(lifecycle.Active)...)
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT DISTINCT assigned_technician FROM work_requests
		WHERE assigned_technician IN (`+placeholders(len(ids))+`) AND status IN (`+placeholders(len(lifecycle.Active))+`)`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

func (s *SQL) TransitionWork(ctx context.Context, id string, g Guard, upd WorkUpdate) (model.WorkRequest, error) {
	var out model.WorkRequest
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		w, err := s.guardedUpdate(ctx, tx, id, g, upd)
		out = w
		return err
	})
	return out, err
}

func (s *SQL) SweepUnavailable(ctx context.Context, serviceType, exceptID string) (int, error) {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE work_requests SET status=?, updated_at=? WHERE status=? AND service_type=? AND id<>?`),
		string(lifecycle.Unavailable), time.Now().UTC(), string(lifecycle.Open), serviceType, exceptID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// guardedUpdate is the conditional write behind every status change:
// UPDATE ... WHERE id=? AND <guard>. Zero rows affected means the guard lost.
func (s *SQL) guardedUpdate(ctx context.Context, tx *sql.Tx, id string, g Guard, upd WorkUpdate) (model.WorkRequest, error) {
	now := time.Now().UTC()
	set := workSet(upd)
	set.add("updated_at", now)
	args := append([]any{}, set.args...)
	where := "id=?"
	args = append(args, id)
	if len(g.From) > 0 {
		where += " AND status IN (" + placeholders(len(g.From)) + ")"
		args = append(args, statusArgs(g.From)...)
	}
	if g.Technician != "" {
		where += " AND assigned_technician=?"
		args = append(args, g.Technician)
	}
	if g.Client != "" {
		where += " AND client_id=?"
		args = append(args, g.Client)
	}
	if g.TechnicianFree != "" {
		if err := s.lockTechnician(ctx, tx, g.TechnicianFree); err != nil {
			return model.WorkRequest{}, err
		}
		where += " AND NOT EXISTS (SELECT 1 FROM work_requests o WHERE o.assigned_technician=? AND o.id<>? AND o.status IN (" + placeholders(len(lifecycle.Active)) + "))"
		args = append(args, g.TechnicianFree, id)
		args = append(args, statusArgs(lifecycle.Active)...)
	}

	res, err := tx.ExecContext(ctx, s.q(`UPDATE work_requests SET `+set.clause()+` WHERE `+where), args...)
	if err != nil {
		return model.WorkRequest{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return model.WorkRequest{}, err
	}
	if n == 0 {
		var one int
		err := tx.QueryRowContext(ctx, s.q(`SELECT 1 FROM work_requests WHERE id=?`), id).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return model.WorkRequest{}, ErrNotFound
		}
		if err != nil {
			return model.WorkRequest{}, err
		}
		return model.WorkRequest{}, ErrConflict
	}
	if upd.Status != "" {
		if _, err := tx.ExecContext(ctx, s.q(`UPDATE bookings SET status=?, updated_at=? WHERE work_id=?`), string(upd.Status), now, id); err != nil {
			return model.WorkRequest{}, err
		}
	}
	return s.getWork(ctx, tx, id)
}

// lockTechnician serialises writes that assign work to tech. Postgres takes a
// row lock on the user; SQLite already runs one writer at a time.
func (s *SQL) lockTechnician(ctx context.Context, tx *sql.Tx, tech string) error {
	if s.dialect != Postgres {
		return nil
	}
	var id string
	err := tx.QueryRowContext(ctx, s.q(`SELECT id FROM users WHERE id=? FOR UPDATE`), tech).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	return err
}

func (s *SQL) technicianBusy(ctx context.Context, tx *sql.Tx, tech, exceptID string) (bool, error) {
	if err := s.lockTechnician(ctx, tx, tech); err != nil {
		return false, err
	}
	args := []any{tech, exceptID}
	args = append(args, statusArgs(lifecycle.Active)...)
	var one int
	err := tx.QueryRowContext(ctx, s.q(`SELECT 1 FROM work_requests WHERE assigned_technician=? AND id<>?
		AND status IN (`+placeholders(len(lifecycle.Active))+`) LIMIT 1`), args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func workSet(u WorkUpdate) *setList {
	set := &setList{}
	if u.Status != "" {
		set.add("status", string(u.Status))
	}
	if u.AssignedTechnician != nil {
		set.add("assigned_technician", *u.AssignedTechnician)
	}
	if u.ServiceType != nil {
		set.add("service_type", *u.ServiceType)
	}
	if u.Description != nil {
		set.add("description", *u.Description)
	}
	if u.Coordinates != nil {
		set.add("lat", u.Coordinates.Lat)
		set.add("lng", u.Coordinates.Lng)
	}
	if u.Location != nil {
		set.add("location", *u.Location)
	}
	if u.Date != nil {
		set.add("work_date", *u.Date)
	}
	if u.FormattedDate != nil {
		set.add("formatted_date", *u.FormattedDate)
	}
	if u.Time != nil {
		set.add("work_time", *u.Time)
	}
	if u.ServiceCharge != nil {
		set.add("service_charge", *u.ServiceCharge)
	}
	if u.BookingID != nil {
		set.add("booking_id", *u.BookingID)
	}
	if u.BeforePhoto != nil {
		set.add("before_photo", *u.BeforePhoto)
	}
	if u.AfterPhoto != nil {
		set.add("after_photo", *u.AfterPhoto)
	}
	if u.BillID != nil {
		set.add("bill_id", *u.BillID)
	}
	if u.IssueType != nil {
		set.add("issue_type", *u.IssueType)
	}
	if u.Remarks != nil {
		set.add("remarks", *u.Remarks)
	}
	if u.Payment != nil {
		set.add("payment", paymentText(u.Payment))
	}
	if u.SelectedRouteIndex != nil {
		set.add("selected_route_index", *u.SelectedRouteIndex)
	}
	if u.StartedAt != nil {
		set.add("started_at", *u.StartedAt)
	}
	if u.CompletedAt != nil {
		set.add("completed_at", *u.CompletedAt)
	}
	return set
}

// Bookings

const bookingCols = `id, work_id, client_id, technician_id, service_type, service_charge, description, location, lat, lng, booking_date, formatted_date, booking_time, status, created_at, updated_at`

func (s *SQL) BookWork(ctx context.Context, id string, g Guard, upd WorkUpdate, b model.Booking) (model.WorkRequest, model.Booking, error) {
	now := time.Now().UTC()
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	b.WorkID = id
	b.Status = upd.Status
	b.CreatedAt, b.UpdatedAt = now, now
	upd.BookingID = &b.ID
	var out model.WorkRequest
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		// booking row first so the status mirror in guardedUpdate sees it
		if err := s.insertBooking(ctx, tx, b); err != nil {
			return err
		}
		w, err := s.guardedUpdate(ctx, tx, id, g, upd)
		out = w
		return err
	})
	if err != nil {
		return model.WorkRequest{}, model.Booking{}, err
	}
	return out, b, nil
}

func (s *SQL) insertBooking(ctx context.Context, tx *sql.Tx, b model.Booking) error {
	lat, lng := pointArgs(b.Coordinates)
	_, err := tx.ExecContext(ctx, s.q(`INSERT INTO bookings (`+bookingCols+`) VALUES (`+placeholders(16)+`)`),
		b.ID, b.WorkID, b.Client, b.Technician, b.ServiceType, b.ServiceCharge, b.Description, b.Location, lat, lng,
		b.Date, b.FormattedDate, b.Time, string(b.Status), b.CreatedAt, b.UpdatedAt)
	if err != nil && isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (s *SQL) FindActiveBooking(ctx context.Context, clientID, technicianID, serviceType string) (model.Booking, error) {
	args := []any{clientID, technicianID, serviceType}
	args = append(args, statusArgs(lifecycle.ActiveBooking)...)
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+bookingCols+` FROM bookings WHERE client_id=? AND technician_id=? AND service_type=?
		AND status IN (`+placeholders(len(lifecycle.ActiveBooking))+`) LIMIT 1`), args...)
	b, err := scanBooking(row)
	if errors.Is(err, sql.ErrNoRows) {
		return b, ErrNotFound
	}
	return b, err
}

func (s *SQL) GetBookingByWork(ctx context.Context, workID string) (model.Booking, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+bookingCols+` FROM bookings WHERE work_id=? ORDER BY created_at DESC LIMIT 1`), workID)
	b, err := scanBooking(row)
	if errors.Is(err, sql.ErrNoRows) {
		return b, ErrNotFound
	}
	return b, err
}

// Bills

const billCols = `id, invoice_number, work_id, technician_id, client_id, items, service_charge, total_amount, payment_method, payment_status, upi_uri, created_at, paid_at`

// CompleteWork moves the work to completed and inserts its bill in one
// transaction; either both commit or neither does.
func (s *SQL) CompleteWork(ctx context.Context, id string, g Guard, upd WorkUpdate, bill model.Bill) (model.WorkRequest, model.Bill, error) {
	if bill.ID == "" {
		bill.ID = uuid.New().String()
	}
	bill.WorkID = id
	if bill.CreatedAt.IsZero() {
		bill.CreatedAt = time.Now().UTC()
	}
	upd.BillID = &bill.ID
	var out model.WorkRequest
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		w, err := s.guardedUpdate(ctx, tx, id, g, upd)
		if err != nil {
			return err
		}
		out = w
		_, err = tx.ExecContext(ctx, s.q(`INSERT INTO bills (`+billCols+`) VALUES (`+placeholders(13)+`)`),
			bill.ID, bill.InvoiceNumber, bill.WorkID, bill.TechnicianID, bill.ClientID, jsonText(bill.Items), bill.ServiceCharge,
			bill.TotalAmount, bill.PaymentMethod, bill.PaymentStatus, bill.UPIURI, bill.CreatedAt, bill.PaidAt)
		if err != nil && isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	})
	if err != nil {
		return model.WorkRequest{}, model.Bill{}, err
	}
	return out, bill, nil
}

func (s *SQL) SettlePayment(ctx context.Context, id string, g Guard, upd WorkUpdate, billStatus string, paidAt *time.Time) (model.WorkRequest, error) {
	var out model.WorkRequest
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		w, err := s.guardedUpdate(ctx, tx, id, g, upd)
		if err != nil {
			return err
		}
		out = w
		set := &setList{}
		if billStatus != "" {
			set.add("payment_status", billStatus)
		}
		if paidAt != nil {
			set.add("paid_at", *paidAt)
		}
		if len(set.cols) == 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx, s.q(`UPDATE bills SET `+set.clause()+` WHERE work_id=?`), append(set.args, id)...)
		return err
	})
	return out, err
}

func (s *SQL) GetBill(ctx context.Context, id string) (model.Bill, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+billCols+` FROM bills WHERE id=?`), id)
	var b model.Bill
	var items string
	var paid sql.NullTime
	err := row.Scan(&b.ID, &b.InvoiceNumber, &b.WorkID, &b.TechnicianID, &b.ClientID, &items, &b.ServiceCharge, &b.TotalAmount,
		&b.PaymentMethod, &b.PaymentStatus, &b.UPIURI, &b.CreatedAt, &paid)
	if errors.Is(err, sql.ErrNoRows) {
		return b, ErrNotFound
	}
	if err != nil {
		return b, err
	}
	_ = json.Unmarshal([]byte(items), &b.Items)
	if paid.Valid {
		t := paid.Time
		b.PaidAt = &t
	}
	return b, nil
}

func (s *SQL) SumBillTotals(ctx context.Context, technicianID string, statuses []lifecycle.Status) (float64, error) {
	q := `SELECT COALESCE(SUM(b.total_amount), 0) FROM bills b JOIN work_requests w ON w.id = b.work_id WHERE b.technician_id=?`
	args := []any{technicianID}
	if len(statuses) > 0 {
		q += ` AND w.status IN (` + placeholders(len(statuses)) + `)`
		args = append(args, statusArgs(statuses)...)
	}
	var sum float64
	err := s.db.QueryRowContext(ctx, s.q(q), args...).Scan(&sum)
	return sum, err
}

// Admin notifications

func (s *SQL) CreateAdminNotification(ctx context.Context, n model.AdminNotification) (model.AdminNotification, error) {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO admin_notifications (id, type, message, work_id, technician_id, issue_type, remarks, created_at) VALUES (`+placeholders(8)+`)`),
		n.ID, n.Type, n.Message, n.WorkID, n.TechnicianID, n.IssueType, n.Remarks, n.CreatedAt)
	if err != nil {
		return model.AdminNotification{}, err
	}
	return n, nil
}

func (s *SQL) ListAdminNotifications(ctx context.Context, limit int) ([]model.AdminNotification, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT id, type, message, work_id, technician_id, issue_type, remarks, created_at FROM admin_notifications ORDER BY created_at DESC LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.AdminNotification{}
	for rows.Next() {
		var n model.AdminNotification
		if err := rows.Scan(&n.ID, &n.Type, &n.Message, &n.WorkID, &n.TechnicianID, &n.IssueType, &n.Remarks, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// Subscriptions

func (s *SQL) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO subscriptions (id, url, events, secret, created_at) VALUES (?,?,?,?,?)`), id, req.URL, jsonText(req.Events), req.Secret, time.Now().UTC())
	if err != nil {
		return model.Subscription{}, err
	}
	return model.Subscription{ID: id, URL: req.URL, Events: req.Events, Secret: req.Secret}, nil
}

func (s *SQL) GetSubscriptionsForEvent(ctx context.Context, eventType string) ([]model.Subscription, error) {
	all, _, err := s.listSubscriptions(ctx, "", 0)
	if err != nil {
		return nil, err
	}
	out := []model.Subscription{}
	for _, sub := range all {
		for _, e := range sub.Events {
			if e == eventType || e == "*" {
				out = append(out, sub)
				break
			}
		}
	}
	return out, nil
}

func (s *SQL) ListSubscriptions(ctx context.Context, cursor string, limit int) ([]model.Subscription, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.listSubscriptions(ctx, cursor, limit)
}

func (s *SQL) listSubscriptions(ctx context.Context, cursor string, limit int) ([]model.Subscription, string, error) {
	q := `SELECT id, url, secret, events FROM subscriptions WHERE id > ? ORDER BY id`
	args := []any{cursor}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.q(q), args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []model.Subscription{}
	var last string
	for rows.Next() {
		var sub model.Subscription
		var ev string
		if err := rows.Scan(&sub.ID, &sub.URL, &sub.Secret, &ev); err != nil {
			return nil, "", err
		}
		_ = json.Unmarshal([]byte(ev), &sub.Events)
		out = append(out, sub)
		last = sub.ID
	}
	next := ""
	if limit > 0 && len(out) == limit {
		next = last
	}
	return out, next, rows.Err()
}

func (s *SQL) DeleteSubscription(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM subscriptions WHERE id=?`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Webhook deliveries

func (s *SQL) EnqueueWebhook(ctx context.Context, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO webhook_deliveries (id, subscription_id, event_type, url, secret, payload, status, attempts, next_attempt_at, dedup_key, created_at, updated_at)
		VALUES (?,?,?,?,?,?,'pending',0,?,?,?,?)
		ON CONFLICT (event_type, url, dedup_key) DO NOTHING`), id, subscriptionID, eventType, url, secret, payload, now, computeDedupKey(payload), now, now)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *SQL) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT id, subscription_id, event_type, url, secret, payload, status, attempts
		FROM webhook_deliveries WHERE status IN ('pending','retry') AND next_attempt_at <= ? ORDER BY next_attempt_at ASC LIMIT ?`), time.Now().UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []WebhookDelivery{}
	for rows.Next() {
		var d WebhookDelivery
		if err := rows.Scan(&d.ID, &d.SubscriptionID, &d.EventType, &d.URL, &d.Secret, &d.Payload, &d.Status, &d.Attempts); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQL) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	now := time.Now().UTC()
	if !success {
		if nextAttemptAt == nil {
			t := now.Add(1 * time.Minute)
			nextAttemptAt = &t
		}
		_, err := s.db.ExecContext(ctx, s.q(`UPDATE webhook_deliveries SET attempts=attempts+1, status='retry', last_error=?, next_attempt_at=?, updated_at=?, response_code=?, latency_ms=? WHERE id=?`),
			lastError, nextAttemptAt.UTC(), now, responseCode, latencyMs, id)
		return err
	}
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE webhook_deliveries SET attempts=attempts+1, status='delivered', delivered_at=?, updated_at=?, response_code=?, latency_ms=? WHERE id=?`),
		now, now, responseCode, latencyMs, id)
	return err
}

// FailWebhookDelivery marks a delivery terminal and copies it to the dead-letter table.
func (s *SQL) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	now := time.Now().UTC()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.q(`UPDATE webhook_deliveries SET attempts=attempts+1, status='failed', last_error=?, updated_at=?, response_code=?, latency_ms=? WHERE id=?`),
			lastError, now, responseCode, latencyMs, id)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.q(`INSERT INTO webhook_dlq (id, delivery_id, event_type, url, payload, attempts, last_error, created_at)
			SELECT ?, id, event_type, url, payload, attempts, ?, ? FROM webhook_deliveries WHERE id=?`), uuid.New().String(), lastError, now, id)
		return err
	})
}

func (s *SQL) ListWebhookDeliveries(ctx context.Context, status string, limit int) ([]map[string]any, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `SELECT id, event_type, status, attempts, next_attempt_at, last_error, url, response_code FROM webhook_deliveries`
	args := []any{}
	if status != "" {
		q += ` WHERE status=?`
		args = append(args, status)
	}
	q += ` ORDER BY created_at LIMIT ?`
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, s.q(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []map[string]any{}
	for rows.Next() {
		var id, typ, st, lastErr, url string
		var attempts, code int
		var nextAt sql.NullTime
		if err := rows.Scan(&id, &typ, &st, &attempts, &nextAt, &lastErr, &url, &code); err != nil {
			return nil, err
		}
		m := map[string]any{"id": id, "eventType": typ, "status": st, "attempts": attempts, "url": url}
		if nextAt.Valid {
			m["nextAttemptAt"] = nextAt.Time
		}
		if lastErr != "" {
			m["lastError"] = lastErr
		}
		if code != 0 {
			m["responseCode"] = code
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQL) RetryWebhookDelivery(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE webhook_deliveries SET status='pending', next_attempt_at=? WHERE id=?`), time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// scanning helpers

type scanner interface{ Scan(dest ...any) error }

func scanUser(sc scanner) (model.User, error) {
	var u model.User
	var tags string
	var lat, lng sql.NullFloat64
	var last sql.NullTime
	err := sc.Scan(&u.ID, &u.Role, &u.FirstName, &u.LastName, &u.Email, &u.Phone, &tags, &u.Location, &lat, &lng, &last,
		&u.TechnicianStatus, &u.OnDuty, &u.Availability, &u.FCMToken, &u.CreatedAt)
	if err != nil {
		return u, err
	}
	_ = json.Unmarshal([]byte(tags), &u.Specialization)
	u.Coordinates = pointFrom(lat, lng)
	if last.Valid {
		t := last.Time
		u.LastLocationUpdate = &t
	}
	return u, nil
}

func scanWork(sc scanner) (model.WorkRequest, error) {
	var w model.WorkRequest
	var tags, status, payment string
	var lat, lng sql.NullFloat64
	var date, started, completed sql.NullTime
	var routeIdx sql.NullInt64
	err := sc.Scan(&w.ID, &w.Token, &w.Client, &w.AssignedTechnician, &w.ServiceType, &tags, &w.Description, &w.Location,
		&lat, &lng, &date, &w.FormattedDate, &w.Time, &status, &w.ServiceCharge, &payment, &w.BeforePhoto, &w.AfterPhoto,
		&w.BillID, &w.BookingID, &routeIdx, &w.IssueType, &w.Remarks, &w.CreatedAt, &w.UpdatedAt, &started, &completed)
	if err != nil {
		return w, err
	}
	w.Status = lifecycle.Status(status)
	_ = json.Unmarshal([]byte(tags), &w.Specialization)
	if payment != "" {
		var p model.Payment
		if json.Unmarshal([]byte(payment), &p) == nil {
			w.Payment = &p
		}
	}
	w.Coordinates = pointFrom(lat, lng)
	if date.Valid {
		t := date.Time
		w.Date = &t
	}
	if started.Valid {
		t := started.Time
		w.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		w.CompletedAt = &t
	}
	if routeIdx.Valid {
		i := int(routeIdx.Int64)
		w.SelectedRouteIndex = &i
	}
	return w, nil
}

func scanBooking(sc scanner) (model.Booking, error) {
	var b model.Booking
	var status string
	var lat, lng sql.NullFloat64
	var date sql.NullTime
	err := sc.Scan(&b.ID, &b.WorkID, &b.Client, &b.Technician, &b.ServiceType, &b.ServiceCharge, &b.Description, &b.Location,
		&lat, &lng, &date, &b.FormattedDate, &b.Time, &status, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return b, err
	}
	b.Status = lifecycle.Status(status)
	b.Coordinates = pointFrom(lat, lng)
	if date.Valid {
		t := date.Time
		b.Date = &t
	}
	return b, nil
}

type setList struct {
	cols []string
	args []any
}

func (l *setList) add(col string, v any) {
	l.cols = append(l.cols, col+"=?")
	l.args = append(l.args, v)
}
func (l *setList) clause() string        { return strings.Join(l.cols, ", ") }

func pointArgs(p *model.GeoPoint) (any, any) {
	if p == nil {
		return nil, nil
	}
	return p.Lat, p.Lng
}

func pointFrom(lat, lng sql.NullFloat64) *model.GeoPoint {
	if !lat.Valid || !lng.Valid {
		return nil
	}
	return &model.GeoPoint{Lat: lat.Float64, Lng: lng.Float64}
}

func jsonText(v any) string {
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return "[]"
	}
	return string(b)
}

func paymentText(p *model.Payment) string {
	if p == nil {
		return ""
	}
	b, _ := json.Marshal(p)
	return string(b)
}

// computeDedupKey prefers the envelope id and falls back to a payload hash.
func computeDedupKey(payload []byte) string {
	var m map[string]any
	if json.Unmarshal(payload, &m) == nil {
		if v, ok := m["id"].(string); ok && v != "" {
			return v
		}
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:8])
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique || liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
