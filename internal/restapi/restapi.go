// Package restapi exposes a read-only JSON projection of cluster state
// over gin, for operators and dashboards that should not need a gRPC
// client — node health, pool inventory, and per-volume replica stats.
package restapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/cuemby/poseidon/internal/eventstream"
	"github.com/cuemby/poseidon/internal/log"
	"github.com/cuemby/poseidon/internal/registry"
	"github.com/cuemby/poseidon/internal/volmgr"
)

// Handler serves the status routes backed directly by the live Registry
// and VolumeManager, with no caching layer of its own.
type Handler struct {
	nodes   *registry.Registry
	volumes *volmgr.Manager
	stream  *eventstream.Stream
	logger  zerolog.Logger
}

func NewHandler(nodes *registry.Registry, volumes *volmgr.Manager) *Handler {
	return &Handler{
		nodes:   nodes,
		volumes: volumes,
		stream:  eventstream.New(nodes, nodes, volumes, volumes),
		logger:  log.WithComponent("restapi"),
	}
}

// RegisterRoutes mounts the status endpoints under the given group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/nodes", h.ListNodes)
	r.GET("/pools", h.ListPools)
	r.GET("/volumes/:uuid/stats", h.VolumeStats)
	r.GET("/events", h.Events)
}

// Events streams the warm-up batch followed by live node/pool/replica/
// volume events as server-sent events, until the client disconnects.
func (h *Handler) Events(c *gin.Context) {
	ctx := c.Request.Context()
	events := h.stream.Subscribe(ctx)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		select {
		case e, ok := <-events:
			if !ok {
				return false
			}
			payload, err := json.Marshal(e)
			if err != nil {
				h.logger.Warn().Err(err).Msg("marshal event for stream")
				return true
			}
			c.SSEvent(string(e.Kind), json.RawMessage(payload))
			return true
		case <-ctx.Done():
			return false
		}
	})
}

type nodeView struct {
	Name     string `json:"name"`
	Healthy  bool   `json:"healthy"`
	Synced   bool   `json:"synced"`
	Failures int    `json:"failures"`
}

// ListNodes reports every known node's health and sync state.
func (h *Handler) ListNodes(c *gin.Context) {
	nodes := h.nodes.ListNodes()
	views := make([]nodeView, 0, len(nodes))
	for _, n := range nodes {
		snap := n.Snapshot()
		views = append(views, nodeView{
			Name:     snap.Name,
			Healthy:  snap.Healthy,
			Synced:   snap.Synced,
			Failures: snap.Failures,
		})
	}
	c.JSON(http.StatusOK, gin.H{"nodes": views})
}

type poolView struct {
	Node      string   `json:"node"`
	Name      string   `json:"name"`
	State     string   `json:"state"`
	CapacityB uint64   `json:"capacity_bytes"`
	UsedB     uint64   `json:"used_bytes"`
	Disks     []string `json:"disks"`
}

// ListPools reports every pool observed across every node.
func (h *Handler) ListPools(c *gin.Context) {
	var views []poolView
	for _, n := range h.nodes.ListNodes() {
		name := n.Snapshot().Name
		for _, p := range n.Pools() {
			views = append(views, poolView{
				Node:      name,
				Name:      p.Name,
				State:     string(p.State),
				CapacityB: p.CapacityB,
				UsedB:     p.UsedB,
				Disks:     p.Disks,
			})
		}
	}
	c.JSON(http.StatusOK, gin.H{"pools": views})
}

type replicaStatView struct {
	Node         string `json:"node"`
	Pool         string `json:"pool"`
	BytesRead    uint64 `json:"bytes_read"`
	BytesWritten uint64 `json:"bytes_written"`
	Offline      bool   `json:"offline"`
}

type volumeStatsView struct {
	UUID     string            `json:"uuid"`
	State    string            `json:"state"`
	Reason   string            `json:"reason,omitempty"`
	Size     uint64            `json:"size_bytes"`
	Replicas []replicaStatView `json:"replicas"`
}

// VolumeStats reports a volume's state and, per replica, the I/O
// counters from a StatReplicas call made to the owning node while serving
// this request; they stay zero if the node is unknown or the call fails.
func (h *Handler) VolumeStats(c *gin.Context) {
	uuid := c.Param("uuid")
	vol, ok := h.volumes.Get(uuid)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "volume not found"})
		return
	}

	status := vol.Snapshot()
	view := volumeStatsView{
		UUID:   uuid,
		State:  string(status.State),
		Reason: status.Reason,
		Size:   status.Size,
	}

	ctx := c.Request.Context()
	for _, rs := range status.Replicas {
		rv := replicaStatView{Node: rs.Node, Pool: rs.Pool, Offline: rs.Offline}
		if n, ok := h.nodes.GetNode(rs.Node); ok {
			if stats, err := n.GetStats(ctx); err == nil {
				for _, s := range stats {
					if s.UUID == uuid {
						rv.BytesRead = s.BytesRead
						rv.BytesWritten = s.BytesWritten
						break
					}
				}
			} else {
				h.logger.Debug().Err(err).Str("node", rs.Node).Msg("stat replicas failed")
			}
		}
		view.Replicas = append(view.Replicas, rv)
	}

	c.JSON(http.StatusOK, view)
}
