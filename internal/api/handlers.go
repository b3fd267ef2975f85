package api

import (
	"net/http"
	"strings"

	"fieldserve/internal/billing"
	"fieldserve/internal/dispatch"
)

// WorksHandler handles POST/GET /v1/works
func (s *Server) WorksHandler(w http.ResponseWriter, r *http.Request) {
	a, ok := s.actor(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodPost:
		var req createWorkReq
		if !decodeJSON(w, r, &req) {
			return
		}
		in, err := req.input()
		if err != nil {
			invalid(w, r, err)
			return
		}
		res, err := s.Service.CreateWork(r.Context(), a, in)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, res)
	case http.MethodGet:
		sts, err := statuses(r.URL.Query().Get("status"))
		if err != nil {
			invalid(w, r, err)
			return
		}
		items, err := s.Service.ListWorks(r.Context(), a, sts, limitParam(r, 100))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// WorkByIDHandler handles /v1/works/{id} and its actions:
// approve, book, start, issues, resume, complete, payment, payment/confirm,
// status, track, route, events/stream and ws.
func (s *Server) WorkByIDHandler(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	rest := strings.TrimPrefix(path, "/v1/works/")
	if rest == path || rest == "" {
		writeProblem(w, http.StatusNotFound, "Not Found", "missing id", path)
		return
	}
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	id := parts[0]
	action := strings.Join(parts[1:], "/")

	a, ok := s.actor(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	method := map[string]string{
		"": http.MethodGet, "approve": http.MethodPost, "book": http.MethodPost,
		"start": http.MethodPost, "issues": http.MethodPost, "resume": http.MethodPost,
		"complete": http.MethodPost, "payment": http.MethodPost, "payment/confirm": http.MethodPost,
		"status": http.MethodGet, "track": http.MethodGet, "route": http.MethodPut,
		"events/stream": http.MethodGet, "ws": http.MethodGet,
	}
	want, known := method[action]
	if !known {
		writeProblem(w, http.StatusNotFound, "Not Found", "unknown action "+action, path)
		return
	}
	if r.Method != want {
		w.Header().Set("Allow", want)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	switch action {
	case "":
		work, err := s.Service.GetWork(ctx, a, id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, work)
	case "approve":
		res, err := s.Service.ApproveWork(ctx, a, id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	case "book":
		var req bookReq
		if !decodeJSON(w, r, &req) {
			return
		}
		in, err := req.input(id)
		if err != nil {
			invalid(w, r, err)
			return
		}
		res, err := s.Service.BookTechnician(ctx, a, in)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	case "start":
		var photo *dispatch.Upload
		if isMultipart(r) {
			if err := r.ParseMultipartForm(s.MaxUpload); err != nil {
				invalid(w, r, err)
				return
			}
			up, done, err := formUpload(r, "beforePhoto")
			if err != nil {
				invalid(w, r, err)
				return
			}
			defer done()
			photo = up
		}
		work, err := s.Service.StartWork(ctx, a, id, photo)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, work)
	case "issues":
		var req struct {
			IssueType string `json:"issueType"`
			Remarks   string `json:"remarks"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		work, err := s.Service.ReportIssue(ctx, a, dispatch.IssueInput{WorkID: id, IssueType: req.IssueType, Remarks: req.Remarks})
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, work)
	case "resume":
		work, err := s.Service.ResumeWork(ctx, a, id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, work)
	case "complete":
		s.complete(w, r, a, id)
	case "payment":
		var req struct {
			Method string `json:"paymentMethod"`
			Status string `json:"paymentStatus"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		work, err := s.Service.PayBill(ctx, a, dispatch.PaymentInput{WorkID: id, Method: req.Method, Status: req.Status})
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, work)
	case "payment/confirm":
		var req struct {
			Method string `json:"paymentMethod"`
		}
		if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
			return
		}
		work, err := s.Service.ConfirmPayment(ctx, a, dispatch.PaymentInput{WorkID: id, Method: req.Method})
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, work)
	case "status":
		view, err := s.Service.WorkStatus(ctx, a, id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	case "track":
		res, err := s.Service.Track(ctx, a, id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	case "route":
		var req struct {
			Index *int `json:"selectedRouteIndex"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		if req.Index == nil {
			writeProblem(w, http.StatusBadRequest, "Invalid Request", "selectedRouteIndex is required", path)
			return
		}
		work, err := s.Service.SelectRoute(ctx, a, id, *req.Index)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, work)
	case "events/stream":
		if _, err := s.Service.GetWork(ctx, a, id); err != nil {
			writeError(w, r, err)
			return
		}
		s.stream(w, r, workChannel(id), map[string]any{"workId": id})
	case "ws":
		if _, err := s.Service.GetWork(ctx, a, id); err != nil {
			writeError(w, r, err)
			return
		}
		s.WorkWSHandler(w, r, a, id)
	}
}

// complete accepts JSON or a multipart form carrying afterPhoto.
func (s *Server) complete(w http.ResponseWriter, r *http.Request, a dispatch.Actor, id string) {
	var in dispatch.CompleteInput
	if isMultipart(r) {
		if err := r.ParseMultipartForm(s.MaxUpload); err != nil {
			invalid(w, r, err)
			return
		}
		var err error
		if in, err = completeForm(r, id); err != nil {
			invalid(w, r, err)
			return
		}
		up, done, err := formUpload(r, "afterPhoto")
		if err != nil {
			invalid(w, r, err)
			return
		}
		defer done()
		in.AfterPhoto = up
	} else {
		var req completeReq
		if !decodeJSON(w, r, &req) {
			return
		}
		var err error
		if in, err = req.input(id); err != nil {
			invalid(w, r, err)
			return
		}
	}
	res, err := s.Service.CompleteWork(r.Context(), a, in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// MatchHandler handles POST /v1/technicians/match
func (s *Server) MatchHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if _, ok := s.actor(w, r); !ok {
		return
	}
	var req struct {
		Specialization any      `json:"specialization"`
		Coordinates    *pointIn `json:"coordinates"`
		RadiusKm       any      `json:"radiusKm"`
		Location       string   `json:"location"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	in := dispatch.MatchInput{LocationText: req.Location}
	var err error
	if in.Specializations, err = tags(req.Specialization); err != nil {
		invalid(w, r, err)
		return
	}
	if in.Coordinates, err = req.Coordinates.point(); err != nil {
		invalid(w, r, err)
		return
	}
	radius, err := optFloat(req.RadiusKm, "radiusKm")
	if err != nil {
		invalid(w, r, err)
		return
	}
	if radius != nil {
		in.RadiusKm = *radius
	}
	out, err := s.Service.Match(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out, "count": len(out)})
}

// TechnicianLocationHandler handles POST /v1/technician/location
func (s *Server) TechnicianLocationHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	a, ok := s.actor(w, r)
	if !ok {
		return
	}
	var req pointIn
	if !decodeJSON(w, r, &req) {
		return
	}
	p, err := req.point()
	if err != nil {
		invalid(w, r, err)
		return
	}
	if p == nil {
		writeProblem(w, http.StatusBadRequest, "Invalid Request", "lat and lng are required", r.URL.Path)
		return
	}
	res, err := s.Service.UpdateLocation(r.Context(), a, *p)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// TechnicianJobsHandler handles GET /v1/technician/jobs
func (s *Server) TechnicianJobsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	a, ok := s.actor(w, r)
	if !ok {
		return
	}
	jobs, err := s.Service.AvailableJobs(r.Context(), a)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": jobs})
}

// TechnicianSummaryHandler handles GET /v1/technician/summary
func (s *Server) TechnicianSummaryHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	a, ok := s.actor(w, r)
	if !ok {
		return
	}
	sum, err := s.Service.TechnicianSummary(r.Context(), a)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// MyLocationHandler handles GET/PUT /v1/me/location
func (s *Server) MyLocationHandler(w http.ResponseWriter, r *http.Request) {
	a, ok := s.actor(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		u, err := s.Service.GetLocation(r.Context(), a)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"location": u.Location, "coordinates": u.Coordinates, "lastLocationUpdate": u.LastLocationUpdate})
	case http.MethodPut:
		var req struct {
			Coordinates *pointIn `json:"coordinates"`
			Location    string   `json:"location"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		p, err := req.Coordinates.point()
		if err != nil {
			invalid(w, r, err)
			return
		}
		if p == nil {
			writeProblem(w, http.StatusBadRequest, "Invalid Request", "coordinates are required", r.URL.Path)
			return
		}
		u, err := s.Service.SaveLocation(r.Context(), a, *p, req.Location)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"location": u.Location, "coordinates": u.Coordinates, "lastLocationUpdate": u.LastLocationUpdate})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// MyEventsHandler handles GET /v1/me/events/stream: the caller's notifications.
func (s *Server) MyEventsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	a, ok := s.actor(w, r)
	if !ok {
		return
	}
	s.stream(w, r, userChannel(a.UserID), map[string]any{"userId": a.UserID})
}

// RoutesHandler handles POST /v1/routes
func (s *Server) RoutesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if _, ok := s.actor(w, r); !ok {
		return
	}
	var req struct {
		Origin      *pointIn `json:"origin"`
		Destination *pointIn `json:"destination"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	from, err := req.Origin.point()
	if err != nil {
		invalid(w, r, err)
		return
	}
	to, err := req.Destination.point()
	if err != nil {
		invalid(w, r, err)
		return
	}
	if from == nil || to == nil {
		writeProblem(w, http.StatusBadRequest, "Invalid Request", "origin and destination are required", r.URL.Path)
		return
	}
	routes, err := s.Service.Routes(r.Context(), *from, *to)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"routes": routes})
}

// BillByIDHandler handles GET /v1/bills/{id} and GET /v1/bills/{id}/qr
func (s *Server) BillByIDHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/bills/"), "/")
	parts := strings.Split(rest, "/")
	if rest == "" || len(parts) > 2 || (len(parts) == 2 && parts[1] != "qr") {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	a, ok := s.actor(w, r)
	if !ok {
		return
	}
	b, err := s.Service.GetBill(r.Context(), a, parts[0])
	if err != nil {
		writeError(w, r, err)
		return
	}
	if len(parts) == 1 {
		writeJSON(w, http.StatusOK, b)
		return
	}
	if b.UPIURI == "" {
		writeProblem(w, http.StatusNotFound, "Not Found", "bill has no UPI payment link", r.URL.Path)
		return
	}
	png, err := billing.RenderQR(b.UPIURI)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

// PayRedirectHandler handles GET /pay/{billId}. It is linked from bill emails
// and needs no credentials.
func (s *Server) PayRedirectHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/pay/"), "/")
	if id == "" || strings.Contains(id, "/") {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	uri, err := s.Service.PaymentLink(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	http.Redirect(w, r, uri, http.StatusFound)
}
