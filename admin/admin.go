// Package admin serves the gateway's diagnostics over HTTP.
//
//	GET /health        liveness, uptime
//	GET /pending       calls waiting for a response
//	GET /translators   registered protocol translators and their devices
//	GET /devices/:device
//	                   a device and its stored resource values
//	POST /devices/:device/write
//	                   write a resource through the owning translator
//	GET /metrics       Prometheus
package admin

import (
	"context"
	"edge-rpc/message"
	"edge-rpc/metrics"
	"edge-rpc/registry"
	"edge-rpc/rpc"
	"edge-rpc/server"
	"encoding/base64"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Source is what the admin API reports on and writes through. *server.Server implements it.
type Source interface {
	Registry() *registry.Registry
	Translators() []server.TranslatorInfo
	Device(deviceID string) (server.DeviceInfo, bool)
	Write(req server.WriteRequest, cb rpc.Callbacks, userContext any) (server.PendingWrite, error)
	CancelWrite(w server.PendingWrite) bool
}

type Admin struct {
	name         string
	source       Source
	router       *gin.Engine
	started      time.Time
	httpSrv      *http.Server
	writeTimeout time.Duration
}

func New(name string, source Source) *Admin {
	metrics.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(log.Logger))
	r.Use(requestMetrics())

	a := &Admin{name: name, source: source, router: r, started: time.Now(), writeTimeout: 10 * time.Second}
	a.httpSrv = &http.Server{Handler: r, ReadHeaderTimeout: 5 * time.Second}
	a.routes()
	return a
}

func (a *Admin) Router() *gin.Engine {
	return a.router
}

func (a *Admin) routes() {
	a.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"gateway": a.name,
			"uptime":  time.Since(a.started).String(),
		})
	})

	a.router.GET("/pending", func(c *gin.Context) {
		reg := a.source.Registry()
		entries := reg.Snapshot()
		c.JSON(http.StatusOK, gin.H{
			"count":    len(entries),
			"empty":    len(entries) == 0,
			"mode":     reg.Mode().String(),
			"requests": entries,
		})
	})

	a.router.GET("/translators", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"translators": a.source.Translators(),
		})
	})

	a.router.GET("/devices/:device", func(c *gin.Context) {
		info, ok := a.source.Device(c.Param("device"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "device not registered"})
			return
		}
		c.JSON(http.StatusOK, info)
	})
	a.router.POST("/devices/:device/write", a.write)

	a.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

type writeBody struct {
	ObjectID         int    `json:"objectId"`
	ObjectInstanceID int    `json:"objectInstanceId"`
	ResourceID       int    `json:"resourceId"`
	Operation        int    `json:"operation"`
	Value            string `json:"value"` // base64
}

type writeOutcome struct {
	status int
	body   gin.H
}

// write issues a write call to the device's translator and waits for the response.
func (a *Admin) write(c *gin.Context) {
	var body writeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	value, err := base64.StdEncoding.DecodeString(body.Value)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "value must be base64"})
		return
	}
	if body.Operation == 0 {
		body.Operation = server.OperationWrite
	}
	device := c.Param("device")

	out := make(chan writeOutcome, 1)
	cb := rpc.Callbacks{
		OnSuccess: func(resp message.Envelope, _ any) {
			out <- writeOutcome{http.StatusOK, gin.H{"result": resp["result"]}}
		},
		OnFailure: func(resp message.Envelope, _ any) {
			out <- writeOutcome{http.StatusBadGateway, gin.H{"error": resp["error"]}}
		},
		Release: func(any) {
			select {
			case out <- writeOutcome{http.StatusServiceUnavailable, gin.H{"error": "translator connection closed"}}:
			default:
			}
		},
	}
	pw, err := a.source.Write(server.WriteRequest{
		DeviceID:         device,
		ObjectID:         body.ObjectID,
		ObjectInstanceID: body.ObjectInstanceID,
		ResourceID:       body.ResourceID,
		Operation:        body.Operation,
		Value:            value,
	}, cb, device)
	if errors.Is(err, server.ErrUnknownDevice) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	select {
	case o := <-out:
		c.JSON(o.status, o.body)
	case <-time.After(a.writeTimeout):
		a.source.CancelWrite(pw)
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "no response from translator", "id": pw.ID})
	}
}

// Serve serves the admin API on ln until Shutdown.
func (a *Admin) Serve(ln net.Listener) error {
	log.Info().Str("addr", ln.Addr().String()).Msg("admin serving")
	if err := a.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (a *Admin) Shutdown(ctx context.Context) error {
	return a.httpSrv.Shutdown(ctx)
}
