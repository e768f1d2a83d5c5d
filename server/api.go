package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cyclopcam/gesturenode/pkg/detector"
	"github.com/cyclopcam/gesturenode/pkg/graph"
	"github.com/cyclopcam/gesturenode/pkg/nn"
	"github.com/cyclopcam/gesturenode/pkg/www"
	"github.com/cyclopcam/gesturenode/server/archive"
	"github.com/go-chi/httprate"
	"github.com/julienschmidt/httprouter"
)

const (
	maxFrameBytes   = 1024 * 1024
	defaultLatestN  = 20
	maxLatestN      = 1000
	exportTimeout   = 30 * time.Second
	exportRateLimit = 10 // Exports per minute, per client IP
)

func (s *Server) setupHttpRoutes() {
	router := httprouter.New()

	handle := func(method, route string, handle httprouter.Handle) {
		www.Handle(s.Log, router, method, route, handle)
	}

	// Each rate limited route gets its own limiter
	ratelimited := func(method, route string, handle httprouter.Handle, requestLimit int, windowLength time.Duration) {
		limited := httprate.Limit(requestLimit, windowLength, httprate.WithKeyFuncs(httprate.KeyByIP))
		www.Handle(s.Log, router, method, route, func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
			limited(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				handle(w, r, params)
			})).ServeHTTP(w, r)
		})
	}

	frameLimit := s.Config.RateLimit
	if frameLimit == 0 {
		frameLimit = DefaultRateLimit
	}

	handle("GET", "/api/ping", s.httpPing)
	handle("GET", "/api/stats", s.httpStats)
	ratelimited("POST", "/api/frames", s.httpFrames, frameLimit, time.Second)
	handle("GET", "/api/detections/latest", s.httpLatest)
	ratelimited("POST", "/api/detections/export", s.httpExport, exportRateLimit, time.Minute)
	handle("GET", "/api/ws/detections", s.httpWSDetections)

	s.httpRouter = router
}

func (s *Server) httpPing(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	www.CacheNever(w)
	www.SendJSON(w, map[string]any{
		"status":        "ok",
		"uptimeSeconds": int64(time.Since(s.startedAt).Seconds()),
	})
}

type statsJSON struct {
	Runner           graph.RunnerStats `json:"runner"`
	Node             detector.Stats    `json:"node"`
	DroppedDBRecords int64             `json:"droppedDBRecords"`
	WebsocketClients int               `json:"websocketClients"`
}

func (s *Server) httpStats(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	www.CacheNever(w)
	www.SendJSON(w, &statsJSON{
		Runner:           s.runner.Stats(),
		Node:             s.node.Stats(),
		DroppedDBRecords: s.db.Dropped(),
		WebsocketClients: s.hub.NumClients(),
	})
}

type frameResponseJSON struct {
	Timestamp  int64          `json:"timestamp"` // Microseconds
	Detections []nn.Detection `json:"detections"`
}

func (s *Server) httpFrames(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	frame := detector.Frame{}
	www.ReadJSON(w, r, &frame, maxFrameBytes)
	outputs, err := s.runner.Process(frame.Inputs(), frame.PacketTimestamp())
	switch {
	case errors.Is(err, graph.ErrClosed):
		www.Panic(http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, graph.ErrTimestampOutOfOrder):
		www.Panic(http.StatusConflict, err.Error())
	case err != nil:
		// Every other failure is a problem with the frame itself
		www.PanicBadRequestf("%v", err)
	}
	resp := frameResponseJSON{
		Timestamp:  int64(frame.PacketTimestamp()),
		Detections: []nn.Detection{},
	}
	for _, out := range outputs {
		if dets, ok := out.Packet.Payload.([]nn.Detection); ok {
			resp.Detections = append(resp.Detections, dets...)
		}
	}
	www.SendJSON(w, &resp)
}

func (s *Server) httpLatest(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	n := www.QueryInt(r, "n", defaultLatestN)
	if n < 1 || n > maxLatestN {
		www.PanicBadRequestf("n must be between 1 and %v", maxLatestN)
	}
	records, err := s.db.Latest(n)
	www.Check(err)
	www.CacheNever(w)
	www.SendJSON(w, records)
}

type exportResponseJSON struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// from and to are seconds, inclusive
func (s *Server) httpExport(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if s.archive == nil {
		www.Panic(http.StatusNotImplemented, archive.ErrNotConfigured.Error())
	}
	from := graph.TimestampFromSeconds(www.RequiredQueryFloat(r, "from"))
	to := graph.TimestampFromSeconds(www.RequiredQueryFloat(r, "to"))
	if to < from {
		www.PanicBadRequestf("to must not be before from")
	}

	// Make sure that everything emitted so far is visible to the query
	www.Check(s.db.Flush())
	records, err := s.db.Range(from, to)
	www.Check(err)

	ctx, cancel := context.WithTimeout(r.Context(), exportTimeout)
	defer cancel()
	name, err := archive.ExportDetections(ctx, s.archive, int64(from), int64(to), records)
	if err != nil {
		www.PanicServerErrorf("Export failed: %v", err)
	}
	s.Log.Infof("Exported %v detections to %v", len(records), name)
	www.SendJSON(w, &exportResponseJSON{
		Name:  name,
		Count: len(records),
	})
}

func (s *Server) httpWSDetections(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already sent an HTTP error response
		s.Log.Warnf("Websocket upgrade failed: %v", err)
		return
	}
	s.hub.Serve(conn)
}
