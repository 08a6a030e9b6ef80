// Package api implements the HTTP dashboard-reader surface: the current
// telemetry snapshot/event log, paginated historical queries, a live
// snapshot push over websocket, and host resource gauges -- all read-only,
// consistent with spec.md's Non-goal that policy mutation happens through
// the shared mapping, not this HTTP surface.
package api

import (
	"net/http"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"filterproxy/internal/historystore"
	"filterproxy/internal/logx"
	"filterproxy/internal/telemetry"
)

var log = logx.New(logx.WithPrefix("api"))

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server wires the telemetry recorder and history store into gin routes.
type Server struct {
	rec        *telemetry.Recorder
	history    *historystore.Store
	startAt    time.Time

	wsMu       sync.Mutex
	wsClients  map[*websocket.Conn]struct{}
}

func New(rec *telemetry.Recorder, history *historystore.Store) *Server {
	return &Server{
		rec:       rec,
		history:   history,
		startAt:   time.Now(),
		wsClients: make(map[*websocket.Conn]struct{}),
	}
}

func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), gin.Logger())

	r.GET("/telemetry", s.telemetry)
	r.GET("/history", s.history_)
	r.GET("/system", s.systemInfo)
	r.GET("/ws", s.ws)

	return r
}

// telemetry returns the current artifact: the full snapshot ring plus the
// event ring, the same shape written to the telemetry file.
func (s *Server) telemetry(c *gin.Context) {
	c.JSON(http.StatusOK, s.rec.Artifact())
}

// history_ backs GET /history?start=&end=&host=&page=&size= against the
// SQLite-backed long-lookback store. Trailing underscore avoids a name
// clash with the Server.history field.
func (s *Server) history_(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history store not configured"})
		return
	}

	q := historystore.Query{
		Host: c.Query("host"),
		Page: atoiDefault(c.Query("page"), 1),
		Size: atoiDefault(c.Query("size"), 50),
	}
	if v := c.Query("start"); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			q.Start = time.UnixMilli(ms)
		}
	}
	if v := c.Query("end"); v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			q.End = time.UnixMilli(ms)
		}
	}

	records, total, err := s.history.Query(q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	out := make([]historyRecord, 0, len(records))
	for _, r := range records {
		out = append(out, historyRecord{
			ConnectionID: r.ConnectionID,
			Host:         r.Host,
			Port:         r.Port,
			SNI:          r.SNI,
			StartTime:    r.StartTime,
			EndTime:      r.EndTime,
			BytesUp:      r.BytesUp,
			BytesDown:    r.BytesDown,
			Outcome:      r.Outcome,
		})
	}
	c.JSON(http.StatusOK, historyResp{Records: out, Total: total, Page: q.Page, Size: q.Size})
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// systemInfo reports process uptime plus host CPU/mem/load gauges, so a
// dashboard can correlate traffic spikes with device load.
func (s *Server) systemInfo(c *gin.Context) {
	resp := &SystemInfoResp{Timestamp: time.Now().UnixMilli()}
	resp.App.StartAt = s.startAt.UnixMilli()
	resp.App.Uptime = time.Since(s.startAt).String()
	resp.App.GoVersion = runtime.Version()

	if hi, err := host.Info(); err == nil {
		resp.Host.Hostname = hi.Hostname
		resp.Host.OS = hi.OS
		resp.Host.Platform = hi.Platform
		resp.Host.KernelVersion = hi.KernelVersion
		resp.Host.Uptime = hi.Uptime
	}
	resp.Host.Arch = runtime.GOARCH

	if logical, err := cpu.Counts(true); err == nil {
		resp.CPU.Cores = logical
	}
	if perCore, err := cpu.Percent(0, true); err == nil && len(perCore) > 0 {
		var sum float64
		for _, v := range perCore {
			sum += v
		}
		resp.CPU.UsageTotal = sum / float64(len(perCore))
	}
	if ld, err := load.Avg(); err == nil && ld != nil {
		resp.CPU.Load1, resp.CPU.Load5, resp.CPU.Load15 = ld.Load1, ld.Load5, ld.Load15
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		resp.Memory.Total = vm.Total
		resp.Memory.Used = vm.Used
		resp.Memory.UsedPercent = vm.UsedPercent
	}

	c.JSON(http.StatusOK, resp)
}

// ws upgrades to a websocket and pushes each snapshot the recorder builds,
// so a dashboard need not poll /telemetry. PushSnapshot drives the fan-out.
func (s *Server) ws(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warnf("websocket upgrade failed: %v", err)
		return
	}

	s.wsMu.Lock()
	s.wsClients[conn] = struct{}{}
	s.wsMu.Unlock()

	defer func() {
		s.wsMu.Lock()
		delete(s.wsClients, conn)
		s.wsMu.Unlock()
		conn.Close()
	}()

	// Block on client-initiated close/error; the server never expects
	// messages from the dashboard on this socket.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// PushSnapshot broadcasts one snapshot to every connected websocket
// client. Slow or dead clients are dropped rather than blocking the
// caller's ticker.
func (s *Server) PushSnapshot(snap telemetry.TrafficSnapshot) {
	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	for conn := range s.wsClients {
		conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
		if err := conn.WriteJSON(snap); err != nil {
			conn.Close()
			delete(s.wsClients, conn)
		}
	}
}
