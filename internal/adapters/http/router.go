package http

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/dkeye/wevibin/internal/app/mesh"
	"github.com/dkeye/wevibin/internal/config"
	"github.com/dkeye/wevibin/internal/core"
	"github.com/dkeye/wevibin/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Mesh is the coordinator surface exposed over HTTP.
type Mesh interface {
	Self() domain.PeerID
	Peers() []core.PeerInfo
	InitiatePeer(ctx context.Context, peer domain.PeerID) error
	ClosePeer(peer domain.PeerID) error
	SetLocalDevice(ctx context.Context, device domain.DeviceID) error
	SetOutputDevice(device domain.DeviceID) error
	SetMicrophoneEnabled(enabled bool)
	MicrophoneEnabled() bool
	InputDevice() domain.DeviceID
	OutputDevice() domain.DeviceID
	TeardownAll() error
	Subscribe() (<-chan core.SessionEvent, func())
}

type Devices interface {
	Inputs() []domain.Device
	Outputs() []domain.Device
	Refresh() error
	Has(kind domain.DeviceKind, id domain.DeviceID) bool
}

type Deps struct {
	Mesh     Mesh
	Devices  Devices
	Gatherer prometheus.Gatherer
}

type deviceRequest struct {
	ID string `json:"id"`
}

type micRequest struct {
	Enabled *bool `json:"enabled"`
}

type eventDTO struct {
	Peer  domain.PeerID `json:"peer"`
	Kind  string        `json:"kind"`
	Role  string        `json:"role"`
	State string        `json:"state"`
	Error string        `json:"error,omitempty"`
}

func SetupRouter(cfg *config.Config, d Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	if d.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}

	h := &handlers{mesh: d.Mesh, devices: d.Devices}
	api := r.Group("/api")
	api.GET("/self", h.self)
	api.GET("/peers", h.peers)
	api.POST("/peers/:id/connect", h.connect)
	api.DELETE("/peers/:id", h.disconnect)
	api.GET("/devices", h.listDevices)
	api.PUT("/devices/input", h.setInput)
	api.PUT("/devices/output", h.setOutput)
	api.PUT("/microphone", h.setMicrophone)
	api.POST("/teardown", h.teardown)
	api.GET("/events", h.events)

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")
	return r
}

type handlers struct {
	mesh    Mesh
	devices Devices
}

func (h *handlers) self(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"peer":          h.mesh.Self(),
		"input_device":  h.mesh.InputDevice(),
		"output_device": h.mesh.OutputDevice(),
		"microphone":    h.mesh.MicrophoneEnabled(),
	})
}

func (h *handlers) peers(c *gin.Context) {
	c.JSON(http.StatusOK, h.mesh.Peers())
}

func (h *handlers) connect(c *gin.Context) {
	peer, err := domain.ParsePeerID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.mesh.InitiatePeer(c.Request.Context(), peer); err != nil {
		respondErr(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *handlers) disconnect(c *gin.Context) {
	peer, err := domain.ParsePeerID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.mesh.ClosePeer(peer); err != nil {
		respondErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) listDevices(c *gin.Context) {
	if c.Query("refresh") != "" {
		if err := h.devices.Refresh(); err != nil {
			respondErr(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"inputs":  h.devices.Inputs(),
		"outputs": h.devices.Outputs(),
	})
}

func (h *handlers) bindDevice(c *gin.Context, kind domain.DeviceKind) (domain.DeviceID, bool) {
	var req deviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid device id"})
		return "", false
	}
	id := domain.DeviceID(req.ID).OrDefault()
	if !h.devices.Has(kind, id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown " + string(kind) + " device " + string(id)})
		return "", false
	}
	return id, true
}

func (h *handlers) setInput(c *gin.Context) {
	id, ok := h.bindDevice(c, domain.DeviceAudioInput)
	if !ok {
		return
	}
	if err := h.mesh.SetLocalDevice(c.Request.Context(), id); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"input_device": h.mesh.InputDevice()})
}

func (h *handlers) setOutput(c *gin.Context) {
	id, ok := h.bindDevice(c, domain.DeviceAudioOutput)
	if !ok {
		return
	}
	if err := h.mesh.SetOutputDevice(id); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"output_device": h.mesh.OutputDevice()})
}

func (h *handlers) setMicrophone(c *gin.Context) {
	var req micRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Enabled == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing enabled flag"})
		return
	}
	h.mesh.SetMicrophoneEnabled(*req.Enabled)
	c.JSON(http.StatusOK, gin.H{"microphone": h.mesh.MicrophoneEnabled()})
}

func (h *handlers) teardown(c *gin.Context) {
	if err := h.mesh.TeardownAll(); err != nil {
		respondErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// events streams session events as server-sent events until the client
// goes away.
func (h *handlers) events(c *gin.Context) {
	ch, cancel := h.mesh.Subscribe()
	defer cancel()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			dto := eventDTO{
				Peer:  ev.Peer,
				Kind:  string(ev.Kind),
				Role:  ev.Role.String(),
				State: ev.State.String(),
			}
			if ev.Err != nil {
				dto.Error = ev.Err.Error()
			}
			c.SSEvent(string(ev.Kind), dto)
			return true
		}
	})
}

func respondErr(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, core.ErrDeviceUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, core.ErrSignalingDelivery):
		status = http.StatusBadGateway
	case errors.Is(err, core.ErrSessionClosed), errors.Is(err, core.ErrStaleMessage):
		status = http.StatusConflict
	case errors.Is(err, mesh.ErrSelfPeer):
		status = http.StatusBadRequest
	}
	log.Warn().Str("module", "adapters.http").Err(err).Int("status", status).Msg("request failed")
	c.JSON(status, gin.H{"error": err.Error()})
}
