package api

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/psaab/snfpath/pkg/dataplane"
	"github.com/psaab/snfpath/pkg/fib"
	"github.com/psaab/snfpath/pkg/hooks"
	"github.com/psaab/snfpath/pkg/logging"
	"github.com/psaab/snfpath/pkg/packet"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, Response{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, Response{Success: false, Error: msg})
}

// errorStatus maps dataplane errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, dataplane.ErrNotLoaded):
		return http.StatusServiceUnavailable
	case errors.Is(err, dataplane.ErrUnknownHook), errors.Is(err, dataplane.ErrNoState):
		return http.StatusNotFound
	case errors.Is(err, dataplane.ErrUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, fib.ErrIndexRange):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// loadedDP writes 503 and returns nil when there is no loaded dataplane.
func (s *Server) loadedDP(w http.ResponseWriter) dataplane.DataPlane {
	if s.dp == nil || !s.dp.IsLoaded() {
		writeError(w, http.StatusServiceUnavailable, "dataplane not loaded")
		return nil
	}
	return s.dp
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func queryUint32(r *http.Request, name string) uint32 {
	n, err := strconv.ParseUint(r.URL.Query().Get(name), 10, 32)
	if err != nil {
		return 0
	}
	return uint32(n)
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, map[string]string{"status": "ok"})
}

func (s *Server) statusHandler(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{
		Uptime: time.Since(s.startTime).Truncate(time.Second).String(),
	}
	if s.dp != nil {
		resp.DataplaneType = s.dp.Type()
		resp.DataplaneLoaded = s.dp.IsLoaded()
	}
	if resp.DataplaneLoaded {
		resp.Hooks = s.dp.Hooks()
		s.dp.IterateForwarding(func(uint32, fib.Entry) bool {
			resp.FIBEntries++
			return true
		})
		s.dp.IterateStates(func(dataplane.StateInfo) bool {
			resp.States++
			return true
		})
		s.dp.IterateShadow(func(_, _ uint32) bool {
			resp.ShadowSlots++
			return true
		})
		resp.LastReport = s.dp.LastReport()
	}
	if s.syncer != nil {
		resp.FIBRules = len(s.syncer.Rules())
		resp.FIBSyncErrors = s.syncer.Errors()
	}
	if s.sweeper != nil {
		resp.Sweep = s.sweeper.Latest()
	}
	writeOK(w, resp)
}

func (s *Server) hookStatsHandler(w http.ResponseWriter, _ *http.Request) {
	dp := s.loadedDP(w)
	if dp == nil {
		return
	}
	writeOK(w, dp.HookStats())
}

func (s *Server) mapStatsHandler(w http.ResponseWriter, _ *http.Request) {
	dp := s.loadedDP(w)
	if dp == nil {
		return
	}
	writeOK(w, dp.GetMapStats())
}

func (s *Server) sweepHandler(w http.ResponseWriter, _ *http.Request) {
	if s.sweeper == nil || s.sweeper.Latest() == nil {
		writeError(w, http.StatusNotFound, "no sweep yet")
		return
	}
	writeOK(w, s.sweeper.Latest())
}

func (s *Server) statesHandler(w http.ResponseWriter, _ *http.Request) {
	dp := s.loadedDP(w)
	if dp == nil {
		return
	}
	result := []dataplane.StateInfo{}
	if err := dp.IterateStates(func(st dataplane.StateInfo) bool {
		result = append(result, st)
		return true
	}); err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	writeOK(w, result)
}

func (s *Server) stateHandler(w http.ResponseWriter, r *http.Request) {
	dp := s.loadedDP(w)
	if dp == nil {
		return
	}
	key, err := strconv.ParseUint(r.PathValue("key"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid key")
		return
	}
	st, err := dp.ReadState(uint32(key))
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeOK(w, st)
}

func (s *Server) reportHandler(w http.ResponseWriter, _ *http.Request) {
	dp := s.loadedDP(w)
	if dp == nil {
		return
	}
	rep := dp.LastReport()
	if rep == nil {
		writeError(w, http.StatusNotFound, "no timer report yet")
		return
	}
	writeOK(w, rep)
}

func (s *Server) shadowHandler(w http.ResponseWriter, _ *http.Request) {
	dp := s.loadedDP(w)
	if dp == nil {
		return
	}
	result := []ShadowEntry{}
	if err := dp.IterateShadow(func(key, hits uint32) bool {
		result = append(result, ShadowEntry{Key: key, Hits: hits})
		return true
	}); err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	writeOK(w, result)
}

func (s *Server) fibHandler(w http.ResponseWriter, _ *http.Request) {
	dp := s.loadedDP(w)
	if dp == nil {
		return
	}
	result := []FIBEntry{}
	if err := dp.IterateForwarding(func(iif uint32, e fib.Entry) bool {
		result = append(result, FIBEntry{
			IIF:     iif,
			Ifindex: e.Ifindex,
			HDest:   net.HardwareAddr(e.HDest[:]).String(),
			HSource: net.HardwareAddr(e.HSource[:]).String(),
		})
		return true
	}); err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeOK(w, result)
}

func (s *Server) fibSetHandler(w http.ResponseWriter, r *http.Request) {
	dp := s.loadedDP(w)
	if dp == nil {
		return
	}
	var req FIBRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	e, err := req.entry()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := dp.SetForwarding(req.IIF, e); err != nil {
		status := errorStatus(err)
		if status == http.StatusInternalServerError && e.Ifindex == 0 {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}
	writeOK(w, FIBEntry{
		IIF:     req.IIF,
		Ifindex: e.Ifindex,
		HDest:   net.HardwareAddr(e.HDest[:]).String(),
		HSource: net.HardwareAddr(e.HSource[:]).String(),
	})
}

func (req FIBRequest) entry() (fib.Entry, error) {
	e := fib.Entry{Ifindex: req.Ifindex, HDest: fib.BroadcastMAC}
	if req.HDest != "" {
		mac, err := fib.ParseMAC(req.HDest)
		if err != nil {
			return e, err
		}
		e.HDest = mac
	}
	if req.HSource != "" {
		mac, err := fib.ParseMAC(req.HSource)
		if err != nil {
			return e, err
		}
		e.HSource = mac
	}
	return e, nil
}

func (s *Server) fibDeleteHandler(w http.ResponseWriter, r *http.Request) {
	dp := s.loadedDP(w)
	if dp == nil {
		return
	}
	iif, err := strconv.ParseUint(r.PathValue("iif"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid iif")
		return
	}
	if err := dp.DeleteForwarding(uint32(iif)); err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	writeOK(w, map[string]uint32{"deleted": uint32(iif)})
}

func (s *Server) fibRulesHandler(w http.ResponseWriter, _ *http.Request) {
	result := []FIBRuleInfo{}
	if s.syncer != nil {
		for _, rule := range s.syncer.Rules() {
			info := FIBRuleInfo{Rule: rule.String(), IIF: rule.IIF, OIF: rule.OIF}
			switch {
			case rule.NextHopMAC != nil:
				info.Via = rule.NextHopMAC.String()
			case rule.Gateway != nil:
				info.Via = rule.Gateway.String()
			}
			result = append(result, info)
		}
	}
	writeOK(w, result)
}

func (s *Server) fibSyncHandler(w http.ResponseWriter, _ *http.Request) {
	if s.syncer == nil {
		writeError(w, http.StatusNotFound, "no forwarding rules configured")
		return
	}
	n := s.syncer.SyncOnce()
	writeOK(w, map[string]int{"written": n, "errors": s.syncer.Errors()})
}

func (s *Server) dispatchHandler(w http.ResponseWriter, r *http.Request) {
	dp := s.loadedDP(w)
	if dp == nil {
		return
	}
	var req DispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	frame, err := hex.DecodeString(req.Frame)
	if err != nil {
		writeError(w, http.StatusBadRequest, "frame must be hex: "+err.Error())
		return
	}
	v, err := dp.Dispatch(req.Hook, hooks.Packet{Data: frame, Ifindex: req.Ifindex, Protocol: req.Protocol})
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}
	resp := DispatchResponse{
		Verdict: v.String(),
		Action:  v.Action.String(),
		Frame:   hex.EncodeToString(frame),
		Decoded: packet.Describe(frame),
	}
	if v.Action == hooks.Redirect {
		resp.Ifindex = v.Ifindex
	}
	writeOK(w, resp)
}

func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	if s.eventBuf == nil {
		writeOK(w, []EventEntry{})
		return
	}

	limit := queryInt(r, "limit", 50)
	if limit > 10000 {
		limit = 10000
	}

	filter := eventFilter(r)
	var events []logging.EventRecord
	if filter.IsEmpty() {
		events = s.eventBuf.Latest(limit)
	} else {
		events = s.eventBuf.LatestFiltered(limit, filter)
	}

	result := make([]EventEntry, len(events))
	for i, ev := range events {
		result[i] = eventEntryFromRecord(ev)
	}
	writeOK(w, result)
}

func eventFilter(r *http.Request) logging.EventFilter {
	return logging.EventFilter{
		Hook:    r.URL.Query().Get("hook"),
		Type:    r.URL.Query().Get("type"),
		Ifindex: queryUint32(r, "ifindex"),
	}
}
